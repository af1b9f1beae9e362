package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ServerOptions configures the relay HTTP server.
type ServerOptions struct {
	Address              string
	ReadHeaderTimeout    time.Duration
	ShutdownGracePeriod  time.Duration
	HousekeepingInterval time.Duration
	// Gatherer backs /metrics. Nil serves the default gatherer.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// Server serves the relay endpoint next to /metrics and /healthz.
type Server struct {
	relay *Relay
	opts  ServerOptions
	log   zerolog.Logger
	ready atomic.Bool
	addr  atomic.Value
}

// NewServer wraps relay in an HTTP server.
func NewServer(relay *Relay, opts ServerOptions) *Server {
	if opts.Address == "" {
		opts.Address = ":8787"
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.ShutdownGracePeriod <= 0 {
		opts.ShutdownGracePeriod = 5 * time.Second
	}
	if opts.HousekeepingInterval <= 0 {
		opts.HousekeepingInterval = time.Minute
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		relay: relay,
		opts:  opts,
		log:   opts.Logger.With().Str("component", "relay-server").Logger(),
	}
}

// Handler returns the full routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Path, NewHandler(s.relay, s.opts.Logger))
	mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})
	return mux
}

// Addr returns the bound listener address once Run has started listening.
func (s *Server) Addr() net.Addr {
	addr, _ := s.addr.Load().(net.Addr)
	return addr
}

// Run listens and serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Address, err)
	}
	s.addr.Store(lis.Addr())

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}

	s.relay.StartHousekeeping(ctx, s.opts.HousekeepingInterval)

	go func() {
		<-ctx.Done()
		s.ready.Store(false)
		stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGracePeriod)
		defer cancel()
		if err := httpServer.Shutdown(stopCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn().Err(err).Msg("relay server shutdown")
		}
	}()

	s.log.Info().Str("address", lis.Addr().String()).Msg("relay server listening")
	s.ready.Store(true)
	if err := httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}
