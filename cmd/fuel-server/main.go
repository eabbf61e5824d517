// fuel-server ingests Claude Code telemetry events, processes them into
// normalized Postgres state, parses uploaded transcripts, and serves the
// query and realtime APIs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fuel-code/fuel-code/pkg/api"
	"github.com/fuel-code/fuel-code/pkg/blob"
	"github.com/fuel-code/fuel-code/pkg/config"
	"github.com/fuel-code/fuel-code/pkg/consumer"
	"github.com/fuel-code/fuel-code/pkg/database"
	"github.com/fuel-code/fuel-code/pkg/events"
	"github.com/fuel-code/fuel-code/pkg/pipeline"
	"github.com/fuel-code/fuel-code/pkg/processor"
	"github.com/fuel-code/fuel-code/pkg/recovery"
	"github.com/fuel-code/fuel-code/pkg/store"
	"github.com/fuel-code/fuel-code/pkg/streamq"
	"github.com/fuel-code/fuel-code/pkg/summarize"
	"github.com/fuel-code/fuel-code/pkg/version"
)

// wsWriteTimeout bounds a single frame write to a websocket client; a
// client slower than this is dropped rather than allowed to stall the hub.
const wsWriteTimeout = 5 * time.Second

func main() {
	ctx := context.Background()

	// .env is a development convenience; absence is the normal case.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	slog.Info("Starting fuel-server", "version", version.Full())

	// 1. Configuration
	cfg, err := config.Load(ctx)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (runs migrations)
	dbCfg := database.DefaultConfig(cfg.DatabaseURL)
	dbCfg.MaxOpenConns = cfg.DBMaxOpenConns
	dbCfg.MaxIdleConns = cfg.DBMaxIdleConns

	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.New(dbClient)

	// 3. Stream queue
	queue, err := streamq.New(cfg.QueueURL)
	if err != nil {
		slog.Error("Failed to connect to stream queue", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			slog.Error("Error closing queue client", "error", err)
		}
	}()
	slog.Info("Connected to Redis stream queue")

	// 4. Object store. Without a bucket the server still ingests events;
	// transcript upload and parsing are disabled.
	var blobs blob.ObjectStore
	if cfg.ObjectStoreBucket != "" {
		s3Store, err := blob.NewS3Store(ctx, blob.Config{
			Bucket:   cfg.ObjectStoreBucket,
			Region:   cfg.ObjectStoreRegion,
			Endpoint: cfg.ObjectStoreEndpoint,
		})
		if err != nil {
			slog.Error("Failed to initialize object store", "error", err)
			os.Exit(1)
		}
		blobs = s3Store
		slog.Info("Object store initialized", "bucket", cfg.ObjectStoreBucket)
	} else {
		slog.Warn("OBJECT_STORE_BUCKET not set, transcript storage disabled")
	}

	// 5. WebSocket hub
	hub := events.NewHub(wsWriteTimeout)
	hub.Start(ctx)

	// 6. Summarizer
	var summarizer summarize.Summarizer
	summaryEnabled := false
	if cfg.SummaryEnabled {
		if cfg.AnthropicAPIKey == "" {
			slog.Warn("SUMMARY_ENABLED set but ANTHROPIC_API_KEY missing, summarization disabled")
		} else {
			anthropic, err := summarize.NewAnthropic(cfg.AnthropicAPIKey, summarize.Options{
				Model:     cfg.SummaryModel,
				MaxTokens: cfg.SummaryMaxTokens,
				Timeout:   cfg.SummaryTimeout,
			})
			if err != nil {
				slog.Error("Failed to initialize summarizer", "error", err)
				os.Exit(1)
			}
			summarizer = anthropic
			summaryEnabled = true
			slog.Info("Session summarization enabled", "model", cfg.SummaryModel)
		}
	}

	// 7. Transcript pipeline, only when transcripts can be fetched.
	var pipe *pipeline.Pipeline
	if blobs != nil {
		pipe = pipeline.New(st, blobs, summarizer, hub, pipeline.Options{
			PoolSize:    cfg.PipelinePoolSize,
			PendingMax:  cfg.PipelinePendingMax,
			BlobTimeout: cfg.BlobTimeout,
		})
		pipe.Start(ctx)
	}

	// A nil *Pipeline must stay an untyped nil in these interface fields;
	// the consumers guard with plain interface nil checks.
	var (
		consumerPipe consumer.Enqueuer
		apiPipe      api.Enqueuer
	)
	if pipe != nil {
		consumerPipe = pipe
		apiPipe = pipe
	}

	// 8. Queue consumer
	proc := processor.New(st)
	con := consumer.New(queue, proc, hub, consumerPipe, consumer.Options{
		MaxRetries: cfg.ConsumerMaxRetries,
		ClaimIdle:  cfg.ClaimIdle(),
		ReadBlock:  cfg.ReadBlock(),
	})
	if err := con.Start(ctx); err != nil {
		slog.Error("Failed to start queue consumer", "error", err)
		os.Exit(1)
	}

	// 9. Recovery scan for sessions stranded by a previous crash.
	if pipe != nil {
		recovery.New(st, pipe, summaryEnabled).Start(ctx)
	}

	// 10. HTTP server (non-blocking)
	srv := api.NewServer(api.Options{
		Store:    st,
		Queue:    queue,
		Blobs:    blobs,
		Hub:      hub,
		Pipeline: apiPipe,
		APIKey:   cfg.APIKey,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Addr())
		if err := srv.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("fuel-server started",
		"port", cfg.Port,
		"pipeline_enabled", pipe != nil,
		"summary_enabled", summaryEnabled)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown. Intake stops first so the drains below see a
	// fixed backlog: HTTP, then the consumer, then the pipeline, then the
	// hub. Queue and database close via the deferreds.
	httpCtx, httpCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	con.Stop()
	if pipe != nil {
		pipe.Stop()
	}
	hub.Stop()

	slog.Info("Shutdown complete")
}
