// Package gateway is the HTTP boundary in front of the dispatcher. It
// authenticates callers, derives the session id from their identity, parses
// the request envelope and maps dispatcher outcomes to wire responses.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/assistant/internal/dispatcher"
	"github.com/aixgo-dev/assistant/pkg/config"
	"github.com/aixgo-dev/assistant/pkg/observability"
	"github.com/aixgo-dev/assistant/pkg/security"
	"github.com/aixgo-dev/assistant/pkg/session"
)

// pruneSchedule is how often idle rate limit buckets are dropped.
const pruneSchedule = "@every 1m"

// Server serves the message endpoint plus health and metrics.
type Server struct {
	cfg        *config.Config
	dispatcher *dispatcher.Dispatcher
	auth       security.Authenticator
	limiter    *security.RateLimiter
	checker    *observability.HealthChecker
	logger     *slog.Logger
	handler    http.Handler
}

// New wires a server. store is only used for the readiness check; all
// transcript access goes through d.
func New(cfg *config.Config, d *dispatcher.Dispatcher, auth security.Authenticator, store session.HistoryStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		auth:       auth,
		checker:    observability.NewHealthChecker(),
		logger:     logger.With("component", "gateway"),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = security.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	if store != nil {
		s.checker.RegisterCheck(observability.StoreCheck(store.Ping))
	}
	if cfg.Observability.Metrics {
		observability.InitMetrics()
	}

	mux := http.NewServeMux()
	for _, path := range []string{"/{$}", "/message"} {
		mux.HandleFunc("POST "+path, s.handleMessage)
		mux.HandleFunc("OPTIONS "+path, s.handlePreflight)
	}
	observability.RegisterRoutes(mux, s.checker, cfg.Observability.Metrics)

	s.handler = s.withRequestContext(mux)
	return s
}

// Handler returns the root handler with CORS, request ids and logging applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// AddHealthCheck registers an additional readiness check.
func (s *Server) AddHealthCheck(check *observability.HealthCheck) {
	s.checker.RegisterCheck(check)
}

// Run listens on the configured address and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully.
// Background jobs (system gauges, rate limiter pruning) run alongside.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       s.cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")
		// The parent context is already done; shutdown gets its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if s.cfg.Observability.Metrics {
		g.Go(func() error {
			return observability.RunSystemMetrics(gctx, s.cfg.Observability.SystemMetricsSchedule, s.logger)
		})
	}

	if s.limiter != nil {
		g.Go(func() error {
			return s.runPruner(gctx)
		})
	}

	return g.Wait()
}

func (s *Server) runPruner(ctx context.Context) error {
	c := cron.New()
	idle := s.cfg.RateLimit.IdleTTL
	if _, err := c.AddFunc(pruneSchedule, func() {
		if n := s.limiter.Prune(idle); n > 0 {
			s.logger.Debug("pruned idle rate limit buckets", "count", n, "remaining", s.limiter.Clients())
		}
	}); err != nil {
		return fmt.Errorf("scheduling rate limiter pruning: %w", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
