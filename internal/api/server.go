// Package api provides HTTP API server implementation for the issue-sync service.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qaintel/issuesync/internal/api/middleware"
	"github.com/qaintel/issuesync/internal/events"
	"github.com/qaintel/issuesync/internal/mapping"
	"github.com/qaintel/issuesync/internal/queue"
	"github.com/qaintel/issuesync/internal/storage"
)

// Server represents the HTTP API server.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	apiKeyStore storage.APIKeyStore
	rateLimiter middleware.RateLimiter
	queue       *queue.Queue
	processor   *events.Processor
	mapper      *mapping.Service
}

// NewServer creates a new HTTP server instance with structured logging and middleware stack.
//
// Dependencies are injected explicitly rather than being part of ServerConfig.
// This follows the dependency injection pattern where configuration (what) is
// separated from dependencies (how).
//
// Parameters:
//   - cfg: Pure server configuration (ports, timeouts, CORS settings)
//   - apiKeyStore: API key storage implementation (nil disables authentication)
//   - rateLimiter: Rate limiter implementation (nil disables rate limiting)
//   - q: Operation Queue (REQUIRED - panics if nil)
//   - processor: inbound Event Processor (REQUIRED - panics if nil)
//   - mapper: Mapping Table service (REQUIRED - panics if nil)
func NewServer(
	cfg *ServerConfig,
	apiKeyStore storage.APIKeyStore,
	rateLimiter middleware.RateLimiter,
	q *queue.Queue,
	processor *events.Processor,
	mapper *mapping.Service,
) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if q == nil || processor == nil || mapper == nil {
		logger.Error("queue, processor, and mapper are all required - cannot start server without core functionality")
		panic("issuesync: queue/processor/mapper cannot be nil - this indicates a configuration error")
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		apiKeyStore: apiKeyStore,
		rateLimiter: rateLimiter,
		queue:       q,
		processor:   processor,
		mapper:      mapper,
	}

	server.setupRoutes(mux)

	if apiKeyStore != nil { // pragma: allowlist secret
		logger.Info("API key authentication middleware enabled")
	} else {
		logger.Warn("APIKeyStore not configured - API key authentication middleware disabled")
	}

	if rateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	logger.Info("queue, event processor, and mapping service configured - all api endpoints enabled")

	// Apply middleware chain using functional options pattern.
	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. Auth - identify caller and set producer context (optional)
	//   4. RateLimit - block requests before expensive operations (optional)
	//   5. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   6. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuthProducer(apiKeyStore, logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	server.httpServer = httpServer

	return server
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting issuesync API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("initiating server shutdown", slog.Duration("shutdown_timeout", s.config.ShutdownTimeout))

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.closeDependency("API key store", s.apiKeyStore)
	s.closeDependency("rate limiter", s.rateLimiter)

	s.logger.Info("server shutdown completed successfully")

	return nil
}

// closeDependency attempts to close a server dependency that implements io.Closer.
// Logs the operation and its result. Errors are logged but don't stop shutdown (best-effort).
func (s *Server) closeDependency(name string, dep interface{}) {
	if dep == nil {
		return
	}

	s.logger.Info("closing " + name)

	closer, ok := dep.(io.Closer)
	if !ok {
		return
	}

	if err := closer.Close(); err != nil {
		s.logger.Error("failed to close "+name, slog.String("error", err.Error()))

		return
	}

	s.logger.Info(name + " closed successfully")
}
