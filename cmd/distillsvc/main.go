// Distillsvc runs the IdeaBlock deduplication service: an HTTP API that
// accepts a block set, iteratively clusters and LLM-merges near-duplicates,
// and lets callers poll or cancel the resulting job.
//
// Configuration is loaded from environment variables. See internal/config
// for details.
//
// Usage:
//
//	# Start server with defaults
//	distillsvc
//
//	# Configure via environment
//	SERVER_PORT=9090 STORE_BACKEND=postgres STORE_DATABASE_URL=... distillsvc
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fyrsmithlabs/distillsvc/internal/config"
	"github.com/fyrsmithlabs/distillsvc/internal/dedupe"
	"github.com/fyrsmithlabs/distillsvc/internal/embeddings"
	"github.com/fyrsmithlabs/distillsvc/internal/jobs"
	"github.com/fyrsmithlabs/distillsvc/internal/jobs/store"
	"github.com/fyrsmithlabs/distillsvc/internal/llmmerge"
	"github.com/fyrsmithlabs/distillsvc/internal/logging"
	"github.com/fyrsmithlabs/distillsvc/internal/telemetry"
	"github.com/fyrsmithlabs/distillsvc/internal/webhook"
	"github.com/fyrsmithlabs/distillsvc/pkg/pool"
	"github.com/fyrsmithlabs/distillsvc/pkg/server"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  distillsvc           Start the distillation service\n")
			fmt.Fprintf(os.Stderr, "  distillsvc version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}

	log.Println("server shutdown complete")
}

func printVersion() {
	fmt.Printf("distillsvc\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run initializes every component and blocks until ctx is cancelled:
//  1. loads and validates configuration
//  2. initializes the structured logger
//  3. constructs the embedding and LLM merge clients (C1, C2)
//  4. builds the iteration driver (C3-C6) and job store/manager (C7, C8)
//  5. starts the HTTP server
func run(ctx context.Context) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	if cfg.Observability.EnableTelemetry {
		logCfg.Format = "json"
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Observability.EnableTelemetry {
		providers, err := telemetry.New(ctx, telemetry.Config{
			ServiceName:   cfg.Observability.ServiceName,
			Endpoint:      cfg.Observability.OTLPEndpoint,
			Protocol:      cfg.Observability.OTLPProtocol,
			Insecure:      cfg.Observability.OTLPInsecure,
			TLSSkipVerify: cfg.Observability.OTLPTLSSkipVerify,
		})
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		otel.SetTracerProvider(providers.Tracer)
		otel.SetMeterProvider(providers.Meter)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
			}
		}()
	}

	logger.Info(ctx, "starting distillsvc",
		zap.Int("port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
		zap.Duration("job_timeout", cfg.Jobs.Timeout))

	driver, err := buildDriver(cfg)
	if err != nil {
		return fmt.Errorf("building iteration driver: %w", err)
	}

	jobStore, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building job store: %w", err)
	}
	defer closeStore()

	notifier := webhook.NewNotifier(webhook.Config{
		Timeout:    cfg.Webhook.Timeout,
		MaxRetries: cfg.Webhook.MaxRetries,
	}, logger)

	manager := jobs.NewManager(jobStore, driver, notifier, logger, cfg.Jobs.WorkerPoolSize, cfg.Jobs.Timeout)

	go runCleanupLoop(ctx, jobStore, logger, cfg.Jobs.CleanupInterval, cfg.Jobs.RetentionPeriod)

	srv := server.NewServer(cfg, manager, jobStore, logger)

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("submit_endpoint", "/api/autoDistill"),
		zap.String("metrics_endpoint", "/metrics"))

	return srv.Start(ctx)
}

// buildDriver wires the embedding client, LLM merge client, and hierarchical
// merger into an iteration driver (spec.md §4.1-§4.6).
func buildDriver(cfg *config.Config) (*dedupe.Driver, error) {
	embedClient, err := embeddings.NewClient(embeddings.Config{
		BaseURL:   cfg.Embeddings.BaseURL,
		Model:     cfg.Embeddings.Model,
		APIKey:    cfg.Embeddings.APIKey.Value(),
		BatchSize: cfg.Embeddings.BatchSize,
		Parallel:  cfg.Embeddings.Parallel,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}

	mergeClient, err := llmmerge.NewClient(llmmerge.Config{
		BaseURL:             cfg.LLM.BaseURL,
		Model:               cfg.LLM.Model,
		APIKey:              cfg.LLM.APIKey.Value(),
		MaxTokens:           cfg.LLM.MaxCompletionTokens,
		Timeout:             cfg.LLM.RequestTimeout,
		MaxRetries:          cfg.LLM.MaxRetries,
		BaseBackoff:         cfg.LLM.RetryDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("creating llm merge client: %w", err)
	}

	llmSem := pool.NewSemaphore(cfg.LLM.Parallel)
	hier := dedupe.NewHierarchical(
		mergeClient,
		dedupe.UUIDGenerator{},
		embedClient,
		llmSem,
		dedupe.SimilarityConfig{
			LSHThreshold: cfg.Dedupe.LSHMinItems,
			UseLSH:       cfg.Dedupe.UseLSH,
			Tables:       cfg.Dedupe.LSHTables,
			Bits:         cfg.Dedupe.LSHBits,
			Parallel:     cfg.Dedupe.SimilarityParallel,
		},
		dedupe.HierarchicalConfig{
			MaxClusterSize: cfg.Dedupe.MaxClusterSizeForLLM,
			MaxDepth:       cfg.Dedupe.MaxRecursionDepth,
		},
	)

	return dedupe.NewDriver(embedClient, hier, llmSem), nil
}

// buildStore selects a job store backend by cfg.Store.Backend. The returned
// close func releases backend resources (a no-op for memory and filesystem).
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "filesystem":
		fs, err := store.NewFilesystem(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL.Value())
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	default:
		return store.NewMemory(), func() {}, nil
	}
}

// runCleanupLoop periodically removes terminal job records older than
// retention; it stops when ctx is cancelled (spec.md §4.8, "retention").
func runCleanupLoop(ctx context.Context, st store.Store, logger *logging.Logger, interval, retention time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.CleanupOlderThan(ctx, retention)
			if err != nil {
				logger.Warn(ctx, "job cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info(ctx, "cleaned up old jobs", zap.Int("count", n))
			}
		}
	}
}
