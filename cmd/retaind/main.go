// Retaind is a time-sharded document store and query engine for
// retrieval-augmented generation.
//
// Each day's vectors live in their own shard. Queries search the last N days
// for the calling user only, and shards older than the retention window are
// dropped by a daily purge.
//
// Usage:
//
//	# Start the server with ~/.config/retaind/config.yaml and the environment
//	retaind
//
//	# Use a specific config file
//	retaind -config /etc/retaind/config.yaml
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9191 RETENTION_DAYS=7 retaind
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/retaind/internal/chunking"
	"github.com/fyrsmithlabs/retaind/internal/config"
	"github.com/fyrsmithlabs/retaind/internal/documents"
	"github.com/fyrsmithlabs/retaind/internal/embeddings"
	"github.com/fyrsmithlabs/retaind/internal/generation"
	httpserver "github.com/fyrsmithlabs/retaind/internal/http"
	"github.com/fyrsmithlabs/retaind/internal/logging"
	"github.com/fyrsmithlabs/retaind/internal/metadata"
	"github.com/fyrsmithlabs/retaind/internal/query"
	"github.com/fyrsmithlabs/retaind/internal/reranker"
	"github.com/fyrsmithlabs/retaind/internal/retention"
	"github.com/fyrsmithlabs/retaind/internal/shard"
	"github.com/fyrsmithlabs/retaind/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/retaind/config.yaml)")
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
			fmt.Fprintf(os.Stderr, "  retaind [-config path]   Start the retaind server\n")
			fmt.Fprintf(os.Stderr, "  retaind version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("retaind by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts retaind and blocks until ctx is cancelled.
//
// Startup order:
//  1. Load configuration, telemetry and logging
//  2. Create the embedding provider, load the shard index, open metadata
//  3. Reconcile the index against metadata
//  4. Start the retention scheduler and the HTTP server
//
// On cancellation the HTTP server drains first, then the scheduler stops
// and stores are closed.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting retaind",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.String("index", cfg.Index.Provider),
		zap.Int("retention_days", cfg.Retention.Days))
	if h := tel.Health(); h.Degraded {
		logger.Warn(ctx, "telemetry degraded, continuing without export", zap.String("error", h.LastError))
	}

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	svc, err := initServices(ctx, cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	if cfg.Retention.Enabled {
		if err := svc.Retention.Start(ctx); err != nil {
			return fmt.Errorf("failed to start retention scheduler: %w", err)
		}
		defer svc.Retention.Stop()
	}

	srv, err := httpserver.NewServer(svc, logger, &httpserver.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		DefaultTopK: cfg.Query.DefaultTopK,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lp := tel.LoggerProvider()
	logCfg, err := logging.FromSettings(cfg.Logging, lp != nil)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(logCfg, lp)
}

// dependencies holds the stores and external providers.
type dependencies struct {
	embedder embeddings.Provider
	index    shard.Index
	meta     *metadata.Store
	logger   *logging.Logger
}

// Close releases all resources in reverse order of creation.
func (d *dependencies) Close() {
	ctx := context.Background()
	if d.meta != nil {
		if err := d.meta.Close(); err != nil {
			d.logger.Warn(ctx, "closing metadata store", zap.Error(err))
		}
	}
	if d.index != nil {
		if err := d.index.Close(); err != nil {
			d.logger.Warn(ctx, "closing shard index", zap.Error(err))
		}
	}
	if d.embedder != nil {
		if err := d.embedder.Close(); err != nil {
			d.logger.Warn(ctx, "closing embedding provider", zap.Error(err))
		}
	}
}

func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	deps := &dependencies{logger: logger}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	embedder, err := embeddings.New(cfg.Embeddings, logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	deps.embedder = embedder
	logger.Info(ctx, "embedding provider initialized",
		zap.String("provider", cfg.Embeddings.Provider),
		zap.String("model", cfg.Embeddings.Model),
		zap.Int("dimension", embedder.Dimension()),
		logging.Secret("api_key", cfg.Embeddings.APIKey))

	index, err := shard.NewIndex(ctx, cfg, embedder.Dimension(), logger.Underlying())
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("shard index: %w", err)
	}
	deps.index = index
	if err := index.Load(ctx); err != nil {
		deps.Close()
		return nil, fmt.Errorf("loading shards: %w", err)
	}

	meta, err := metadata.Open(filepath.Join(cfg.Storage.DataDir, "metadata.db"), logger.Underlying())
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("metadata store: %w", err)
	}
	deps.meta = meta

	return deps, nil
}

func initServices(ctx context.Context, cfg *config.Config, deps *dependencies, logger *logging.Logger) (httpserver.Services, error) {
	splitter, err := chunking.New(cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		return httpserver.Services{}, err
	}

	docs := documents.NewManager(deps.index, deps.meta, deps.embedder, splitter,
		documents.WithLogger(logger.Named("documents")))

	report, err := docs.Reconcile(ctx)
	if err != nil {
		return httpserver.Services{}, fmt.Errorf("reconciling index with metadata: %w", err)
	}
	logger.Info(ctx, "index reconciled",
		zap.Int("dates", report.DatesChecked),
		zap.Int64("orphan_rows", report.OrphanRows),
		zap.Int64("orphan_vectors", report.OrphanVectors))

	rr, err := reranker.NewRecencyReranker(cfg.Rerank.SimilarityWeight, cfg.Rerank.RecencyWeight)
	if err != nil {
		return httpserver.Services{}, err
	}

	opts := []query.Option{query.WithLogger(logger.Named("query"))}
	if cfg.Generation.Enabled {
		gen, err := generation.New(cfg.Generation)
		if err != nil {
			return httpserver.Services{}, fmt.Errorf("answer generator: %w", err)
		}
		opts = append(opts, query.WithGenerator(gen))
		logger.Info(ctx, "answer generation enabled",
			zap.String("model", cfg.Generation.Model),
			logging.Secret("api_key", cfg.Generation.APIKey))
	}
	engine := query.NewEngine(deps.index, deps.meta, deps.embedder, rr, query.Config{
		RetentionDays: cfg.Retention.Days,
		MaxTopK:       cfg.Query.MaxTopK,
		OverFetch:     cfg.Rerank.OverFetch,
	}, opts...)

	sched, err := retention.New(docs, cfg.Retention.Days, cfg.Retention.Schedule,
		retention.WithLogger(logger.Named("retention")))
	if err != nil {
		return httpserver.Services{}, err
	}

	return httpserver.Services{Documents: docs, Query: engine, Retention: sched}, nil
}
