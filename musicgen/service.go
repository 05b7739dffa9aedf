package musicgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/italypaleale/tunequeue/requestqueue"
)

// ServiceOptions are options for NewService.
type ServiceOptions struct {
	// Generator that calls the provider; required
	Generator Generator

	// Queue used to serialize calls to the generator; required
	Queue *requestqueue.Queue[[]Track]

	// Cache for generated tracks.
	// This is optional, and if nil tracks are not cached.
	Cache *TrackCache

	// TTL for cached tracks; if 0, the cache's default is used
	CacheTTL time.Duration

	// Logger.
	// This is optional, and defaults to slog.Default().
	Logger *slog.Logger
}

// Service generates tracks for the player.
type Service struct {
	gen      Generator
	queue    *requestqueue.Queue[[]Track]
	cache    *TrackCache
	cacheTTL time.Duration
	log      *slog.Logger
}

// Generation is the result of Service.Generate.
type Generation struct {
	ID     string  `json:"id"`
	Prompt Prompt  `json:"prompt"`
	Tracks []Track `json:"tracks"`
	Cached bool    `json:"cached"`
}

// Status contains the state of the generation queue.
type Status struct {
	Pending int  `json:"pending"`
	Running bool `json:"running"`
}

// NewService returns a new Service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Generator == nil {
		return nil, errors.New("option Generator is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("option Queue is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Service{
		gen:      opts.Generator,
		queue:    opts.Queue,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		log:      opts.Logger,
	}, nil
}

// Generate returns tracks for the prompt.
//
// Requests to the provider are queued and executed one at a time.
// If ctx is canceled while the request is still in the queue, the request is withdrawn and the error is a *requestqueue.CancellationError.
// If ctx is canceled after the provider call started, Generate returns ctx's error (not a *requestqueue.CancellationError), but the call completes in background and its tracks are cached.
func (s *Service) Generate(ctx context.Context, prompt Prompt) (*Generation, error) {
	err := prompt.Validate()
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}
	gen := &Generation{
		ID:     id.String(),
		Prompt: prompt,
	}

	key := prompt.Key()
	if tracks, ok := s.getCached(key); ok {
		gen.Tracks = tracks
		gen.Cached = true
		return gen, nil
	}

	log := s.log.With(slog.String("generation", gen.ID))
	log.DebugContext(ctx, "Queueing generation request", slog.Int("pending", s.queue.Len()))

	started := make(chan struct{})
	future := s.queue.Submit(ctx, func(execCtx context.Context) ([]Track, error) {
		close(started)

		// An identical prompt may have been generated while this request was waiting
		if tracks, ok := s.getCached(key); ok {
			return tracks, nil
		}

		tracks, err := s.gen.Generate(execCtx, prompt)
		if err != nil {
			return nil, err
		}

		if s.cache != nil {
			s.cache.Set(key, tracks, s.cacheTTL)
		}
		return tracks, nil
	})

	tracks, err := future.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		err = s.withdrawnError(future, started, err)
	}
	if err != nil {
		if requestqueue.IsCancellation(err) || ctx.Err() != nil {
			log.DebugContext(ctx, "Generation request abandoned by caller", slog.Any("error", err))
		} else {
			log.WarnContext(ctx, "Generation request failed", slog.Any("error", err))
		}
		return nil, err
	}

	gen.Tracks = tracks
	return gen, nil
}

// withdrawnError returns the error for a request whose caller gave up.
// If the request never started, the queue is withdrawing it, and its *requestqueue.CancellationError tells callers the provider was never called.
// Once the provider call started, ctxErr is returned.
func (s *Service) withdrawnError(future *requestqueue.Future[[]Track], started <-chan struct{}, ctxErr error) error {
	select {
	case <-started:
		return ctxErr
	default:
	}

	select {
	case <-future.Done():
		_, err := future.Result()
		if requestqueue.IsCancellation(err) {
			return err
		}
		return ctxErr
	case <-started:
		return ctxErr
	}
}

// Status returns the state of the generation queue.
func (s *Service) Status() Status {
	return Status{
		Pending: s.queue.Len(),
		Running: s.queue.Running(),
	}
}

func (s *Service) getCached(key string) ([]Track, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Get(key)
}
