// Package tsnetserver exposes the HTTP server on a Tailscale network, using tsnet.
package tsnetserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"tailscale.com/ipn"
	"tailscale.com/tsnet"
)

// Options contains options for New
type Options struct {
	// Hostname for the node
	Hostname string

	// Auth key
	// This is only used on first startup (or if the node key has expired and it needs to be re-authenticated)
	// If this is empty, the auth key can also be read from the TS_AUTH_KEY env var or users can use interactive login
	AuthKey string

	// If true, makes the node ephemeral
	Ephemeral bool

	// If true, listeners are exposed to the public internet with Tailscale Funnel
	Funnel bool

	// Directory where to store tsnet's state
	StateDir string

	// Optional store for the IPN state
	// Note that even when using a store, tsnet still needs to write data in StateDir
	Store ipn.StateStore

	// Tags that should be applied to this node in the tailnet, for purposes of ACL enforcement.
	AdvertiseTags []string

	// Enables debug logging
	DebugLogging bool

	// Logger; defaults to slog.Default()
	Logger *slog.Logger
}

// Server is a node on a tailnet
type Server struct {
	server   *tsnet.Server
	funnel   bool
	log      *slog.Logger
	hostname string
	ip4      string
	ip6      string
}

// New brings up a Tailscale node and returns it.
func New(ctx context.Context, opts Options) (*Server, error) {
	if opts.Hostname == "" {
		return nil, errors.New("option Hostname is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With(slog.String("scope", "tsnet"))

	tsrv := newTSNet(opts, log)

	// Bring up the Tailscale node, this will also give us the IP
	state, err := tsrv.Up(ctx)
	if err != nil {
		_ = tsrv.Close()
		return nil, fmt.Errorf("failed to bring up Tailscale node: %w", err)
	}

	s := &Server{
		server:   tsrv,
		funnel:   opts.Funnel,
		log:      log,
		hostname: strings.TrimSuffix(state.Self.DNSName, "."),
	}

	for _, addr := range state.TailscaleIPs {
		switch {
		case !addr.IsValid():
			continue
		case addr.Is6():
			s.ip6 = addr.String()
		case addr.Is4():
			s.ip4 = addr.String()
		}
	}

	log.InfoContext(ctx, "Tailscale node is up",
		slog.String("hostname", s.hostname),
		slog.String("ip4", s.ip4),
		slog.String("ip6", s.ip6),
	)

	return s, nil
}

func newTSNet(opts Options, log *slog.Logger) *tsnet.Server {
	tsrv := &tsnet.Server{
		Hostname:      opts.Hostname,
		AuthKey:       opts.AuthKey,
		Dir:           opts.StateDir,
		Ephemeral:     opts.Ephemeral,
		Store:         opts.Store,
		AdvertiseTags: opts.AdvertiseTags,
		UserLogf: func(format string, args ...any) {
			log.Info(fmt.Sprintf(format, args...))
		},
	}

	if opts.DebugLogging {
		tsrv.Logf = func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...))
		}
	}

	return tsrv
}

// Hostname returns the node's fully-qualified name in the tailnet
func (s *Server) Hostname() string {
	return s.hostname
}

// TailscaleIPs returns the node's addresses in the tailnet
func (s *Server) TailscaleIPs() (ip4 string, ip6 string) {
	return s.ip4, s.ip6
}

// Listen returns a TLS listener on the given port.
// If the server was created with Funnel enabled, the listener is also reachable from the public internet.
func (s *Server) Listen(port int) (net.Listener, error) {
	addr := ":" + strconv.Itoa(port)

	if s.funnel {
		ln, err := s.server.ListenFunnel("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to create tsnet funnel listener: %w", err)
		}
		s.log.Info("Listening with Tailscale Funnel", slog.String("url", "https://"+s.hostname+addr))
		return ln, nil
	}

	ln, err := s.server.ListenTLS("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create tsnet listener: %w", err)
	}
	return ln, nil
}

// Close closes the tsnet server
func (s *Server) Close() error {
	err := s.server.Close()
	if err != nil {
		return fmt.Errorf("failed to close tsnet server: %w", err)
	}
	return nil
}
