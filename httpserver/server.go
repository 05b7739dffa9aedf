package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/italypaleale/tunequeue/musicgen"
)

const (
	healthzPath = "/healthz"

	defaultMaxBodySize = 64 << 10
	shutdownTimeout    = 15 * time.Second
)

// GenerationService is the interface for the service that generates tracks.
// It is implemented by *musicgen.Service.
type GenerationService interface {
	Generate(ctx context.Context, prompt musicgen.Prompt) (*musicgen.Generation, error)
	Status() musicgen.Status
}

// ServerOptions are options for NewServer.
type ServerOptions struct {
	// Service that generates tracks; required
	Service GenerationService

	// Logger.
	// This is optional, and defaults to slog.Default().
	Logger *slog.Logger

	// Value for the X-Host-Id response header; optional
	HostID string

	// Maximum size of request bodies, in bytes.
	// This is optional, and defaults to 64KB.
	MaxBodySize int64
}

// Server is the HTTP server for the API.
type Server struct {
	service GenerationService
	log     *slog.Logger
	handler http.Handler
}

// NewServer returns a new Server.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("option Service is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}

	s := &Server{
		service: opts.Service,
		log:     opts.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+healthzPath, s.handleHealthz)
	mux.Handle("POST /api/v1/tracks", Use(http.HandlerFunc(s.handleGenerate), MiddlewareMaxBodySize(opts.MaxBodySize)))
	mux.HandleFunc("GET /api/v1/queue", s.handleQueueStatus)

	// Middlewares are applied in order, so the last one is the outermost
	middlewares := make([]Middleware, 0, 3)
	middlewares = append(middlewares, MiddlewareLogger(s.log))
	if opts.HostID != "" {
		middlewares = append(middlewares, MiddlewareHostIDHeader(opts.HostID))
	}
	middlewares = append(middlewares, MiddlewareRequestID)
	s.handler = Use(mux, middlewares...)

	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves requests on the listener until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext: func(_ net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.InfoContext(ctx, "HTTP server started", slog.String("addr", ln.Addr().String()))
		err := srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to run HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		// Requests still running after the timeout are interrupted
		s.log.Warn("HTTP server did not shut down gracefully", slog.Any("error", err))
		_ = srv.Close()
	}

	return <-errCh
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, r, s.service.Status())
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var prompt musicgen.Prompt
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(&prompt)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		md := map[string]string{"error": err.Error()}
		if errors.As(err, &maxBytesErr) {
			md["limit"] = strconv.FormatInt(maxBytesErr.Limit, 10)
		}
		ErrInvalidBody.Clone(WithMetadata(md)).WriteResponse(w, r)
		return
	}

	gen, err := s.service.Generate(r.Context(), prompt)
	if err != nil {
		apiErr := apiErrorFor(err)
		if r.Context().Err() != nil {
			apiErr = ErrRequestCanceled
		}
		if apiErr.httpStatus >= 500 && apiErr != ErrQueueClosed && apiErr != ErrQueueFull {
			s.log.ErrorContext(r.Context(), "Failed to generate tracks",
				slog.String("requestId", RequestIDFromContext(r.Context())),
				slog.Any("error", err),
			)
		}
		apiErr.WriteResponse(w, r)
		return
	}

	RespondWithJSON(w, r, gen)
}
