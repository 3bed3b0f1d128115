// Package main wires the operation queue, event processor, and mapping
// service into the HTTP API: webhook ingress, the producer-facing
// enqueue/cancel/stats/mapping endpoints, and the worker pool that
// dispatches claimed operations to the issue tracker, all in one process.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qaintel/issuesync/internal/api"
	"github.com/qaintel/issuesync/internal/api/middleware"
	"github.com/qaintel/issuesync/internal/config"
	"github.com/qaintel/issuesync/internal/events"
	"github.com/qaintel/issuesync/internal/issuetracker"
	"github.com/qaintel/issuesync/internal/mapping"
	"github.com/qaintel/issuesync/internal/queue"
	"github.com/qaintel/issuesync/internal/retrypolicy"
	"github.com/qaintel/issuesync/internal/storage"
	"github.com/qaintel/issuesync/internal/store"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "issuesync"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()
	cfg := &serverConfig

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	logger.Info("starting issuesync service",
		slog.String("service", name),
		slog.String("version", version),
	)

	dbConfig := storage.LoadConfig()
	if err := dbConfig.Validate(); err != nil {
		logger.Error("invalid database configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	conn, err := storage.NewConnection(dbConfig)
	if err != nil {
		logger.Error("failed to connect to database",
			slog.String("error", err.Error()),
			slog.String("database_url", dbConfig.MaskDatabaseURL()),
		)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	apiKeyStore, err := storage.NewPersistentKeyStore(conn)
	if err != nil {
		logger.Error("failed to create API key store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rateLimiter := middleware.NewInMemoryRateLimiter(middleware.LoadConfig())

	mapper := mapping.New(store.NewMappingStore(conn))

	retryCfg, err := retrypolicy.LoadConfigFromEnv()
	if err != nil {
		logger.Warn("failed to load retry policy overrides, using queue defaults", slog.String("error", err.Error()))
	}

	policy := retrypolicy.NewPolicy(retryCfg)

	queueCfg := queue.Config{
		MaxConcurrent:   config.GetEnvInt("QUEUE_MAX_CONCURRENT", 0),
		TickInterval:    config.GetEnvDuration("QUEUE_TICK_INTERVAL", 0),
		MaxAttempts:     config.GetEnvInt("QUEUE_MAX_ATTEMPTS", 0),
		RetryBackoff:    config.GetEnvDuration("QUEUE_RETRY_BACKOFF", 0),
		RateLimitBuffer: config.GetEnvDuration("QUEUE_RATE_LIMIT_BUFFER", 0),
		LeaseDuration:   config.GetEnvDuration("QUEUE_LEASE_DURATION", 0),
		OpTimeout:       config.GetEnvDuration("QUEUE_OP_TIMEOUT", 0),
	}

	// The real issue-tracker REST client lives outside this module; this
	// process dispatches against the in-memory fake until one is wired in.
	q := queue.New(store.NewOperationStore(conn), issuetracker.NewFake(), mapper, queueCfg, logger).WithPolicy(policy)

	processor := events.New(store.NewEventStore(conn), mapper, events.Config{
		Secret:            config.GetEnvStr("WEBHOOK_SECRET", ""),
		SignatureRequired: config.GetEnvBool("WEBHOOK_SIGNATURE_REQUIRED", true),
		AllowList:         config.ParseCommaSeparatedList(config.GetEnvStr("EVENTS_ALLOW_LIST", "issue.updated,issue.created")),
	}, logger)

	server := api.NewServer(cfg, apiKeyStore, rateLimiter, q, processor, mapper)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := q.Run(ctx); err != nil {
			logger.Error("worker pool stopped with error", slog.String("error", err.Error()))
		}
	}()

	eventStore := store.NewEventStore(conn)
	retention := time.Duration(config.GetEnvInt("EVENT_RETENTION_DAYS", 30)) * 24 * time.Hour
	sweepThreshold := config.GetEnvDuration("EVENT_SWEEP_THRESHOLD", 5*time.Minute)
	sweepInterval := config.GetEnvDuration("EVENT_SWEEP_INTERVAL", time.Minute)

	// Background sweeper: re-dispatches events whose post-persistence
	// processing failed, and prunes processed events past retention.
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := processor.Sweep(ctx, sweepThreshold, 100); err != nil {
					logger.Error("event sweep failed", slog.String("error", err.Error()))
				} else if n > 0 {
					logger.Info("event sweep recovered events", slog.Int("count", n))
				}

				if n, err := eventStore.DeleteOlderThan(ctx, time.Now().UTC().Add(-retention)); err != nil {
					logger.Error("event pruning failed", slog.String("error", err.Error()))
				} else if n > 0 {
					logger.Info("pruned events past retention", slog.Int("count", n))
				}
			}
		}
	}()

	if err := server.Start(); err != nil {
		logger.Error("server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("issuesync service stopped")
}
