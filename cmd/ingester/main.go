// Package main consumes test-run completion events from Kafka and turns
// each new failure fingerprint into a create_issue operation: the
// independently-scheduled producer path that runs alongside the HTTP API's
// synchronous find_or_create_mapping endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"

	"github.com/qaintel/issuesync/internal/canonicalization"
	"github.com/qaintel/issuesync/internal/config"
	"github.com/qaintel/issuesync/internal/issuetracker"
	"github.com/qaintel/issuesync/internal/mapping"
	"github.com/qaintel/issuesync/internal/queue"
	"github.com/qaintel/issuesync/internal/store"
	"github.com/qaintel/issuesync/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingester"
)

// testRunEvent is the payload shape published to the configured topic for
// each completed test run: one message per failed test.
type testRunEvent struct {
	TestRunID    string          `json:"test_run_id"`
	TestName     string          `json:"test_name"`
	ErrorMessage string          `json:"error_message"`
	Selector     string          `json:"selector"`
	IssueFields  json.RawMessage `json:"issue_fields"`
}

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	dbConfig := storage.LoadConfig()
	if err := dbConfig.Validate(); err != nil {
		logger.Error("invalid database configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	conn, err := storage.NewConnection(dbConfig)
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	mapper := mapping.New(store.NewMappingStore(conn))

	// This binary never dispatches claimed operations (no worker pool
	// runs here), so the fake port is never invoked; Enqueue is the only
	// method it calls.
	q := queue.New(store.NewOperationStore(conn), issuetracker.NewFake(), mapper, queue.Config{}, logger)

	brokers := config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092"))
	topic := config.GetEnvStr("KAFKA_TOPIC", "test-run-completed")
	groupID := config.GetEnvStr("KAFKA_GROUP_ID", "issuesync-ingester")

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	defer func() { _ = reader.Close() }()

	logger.Info("ingester consuming test-run completion events",
		slog.String("brokers", config.GetEnvStr("KAFKA_BROKERS", "localhost:9092")),
		slog.String("topic", topic),
		slog.String("group_id", groupID),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	consumeLoop(ctx, reader, q, mapper, logger)

	logger.Info("ingester stopped")
}

// consumeLoop reads test-run events until ctx is cancelled. Read errors
// other than cancellation are logged and skipped; the consumer group
// offset only advances past messages that were actually read.
func consumeLoop(ctx context.Context, reader *kafka.Reader, q *queue.Queue, mapper *mapping.Service, logger *slog.Logger) {
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			logger.Error("failed to read message", slog.String("error", err.Error()))

			continue
		}

		handleMessage(ctx, q, mapper, logger, msg.Value)
	}
}

// handleMessage computes the failure fingerprint for a completed test and
// enqueues a create_issue operation only if no mapping already owns it —
// the scheduled-dispatch mirror of the HTTP find_or_create_mapping path.
func handleMessage(ctx context.Context, q *queue.Queue, mapper *mapping.Service, logger *slog.Logger, raw []byte) {
	var evt testRunEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		logger.Error("unreadable test-run event", slog.String("error", err.Error()))

		return
	}

	if evt.TestRunID == "" || evt.TestName == "" {
		logger.Warn("test-run event missing required fields", slog.String("test_run_id", evt.TestRunID))

		return
	}

	fingerprint := canonicalization.Fingerprint(evt.TestName, evt.ErrorMessage, evt.Selector)

	existing, err := mapper.Find(ctx, evt.TestRunID, evt.TestName, fingerprint)
	if err != nil {
		logger.Error("mapping lookup failed",
			slog.String("test_run_id", evt.TestRunID),
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)

		return
	}

	if existing != nil {
		return
	}

	payload, err := json.Marshal(queue.CreateIssuePayload{
		TestRunID:   evt.TestRunID,
		TestName:    evt.TestName,
		Fingerprint: fingerprint,
		IssueFields: evt.IssueFields,
	})
	if err != nil {
		logger.Error("failed to marshal create_issue payload", slog.String("error", err.Error()))

		return
	}

	id, err := q.Enqueue(ctx, store.KindCreateIssue, payload, queue.EnqueueOptions{})
	if err != nil {
		logger.Error("failed to enqueue create_issue",
			slog.String("test_run_id", evt.TestRunID),
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)

		return
	}

	logger.Info("enqueued create_issue",
		slog.String("operation_id", id),
		slog.String("test_run_id", evt.TestRunID),
		slog.String("fingerprint", fingerprint),
	)
}
