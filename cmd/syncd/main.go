// Package main implements the sync engine entrypoint. The mode comes
// from SYNC_MODE (discover, full, incremental, status); table filters
// and all other settings come from the environment and the optional
// tables file. Richer argument parsing belongs to the calling scheduler,
// not here.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/changes"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/checkpoint"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/config"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/files"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/index"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/objectstore"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/orchestration"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/retry"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/schema"
	"github.com/eos60614/colpali-vespa-visual-retrieval-sub000/internal/source"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	mode := getEnv("SYNC_MODE", "status")

	policy := retry.Policy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		Multiplier:   2.0,
	}

	pool, err := source.Open(ctx, source.Options{
		DSN:             cfg.SourceDSN(),
		Schema:          cfg.SourceSchema,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		Retry:           policy,
	}, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if version, err := pool.ServerVersion(ctx); err == nil {
		logger.Info("source connected", zap.String("serverVersion", version))
	}

	store, err := checkpoint.Open(cfg.CheckpointPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var objStore objectstore.Store
	if cfg.StoreEndpointURL != "" {
		objStore, err = objectstore.NewS3Client(objectstore.Config{
			EndpointURL:     cfg.StoreEndpointURL,
			AccessKeyID:     cfg.StoreAccessKeyID,
			SecretAccessKey: cfg.StoreSecretAccessKey,
			Bucket:          cfg.StoreBucket,
			Region:          cfg.StoreRegion,
			UseSSL:          cfg.StoreUseSSL,
		})
		if err != nil {
			return err
		}
	}

	downloader := files.NewDownloader(objStore, files.DownloaderOptions{
		Workers:             cfg.DownloadWorkers,
		SupportedExtensions: cfg.SupportedExtensions,
		MaxSizeBytes:        cfg.MaxFileSizeBytes,
		Dir:                 cfg.DownloadDir,
		Retry:               policy,
	}, logger)

	indexer := index.NewHTTPClient(index.HTTPOptions{
		EndpointURL: cfg.IndexEndpointURL,
		Namespace:   cfg.IndexNamespace,
		RateLimit:   cfg.IndexRateLimit,
		RateBurst:   cfg.IndexRateBurst,
		Timeout:     cfg.IndexTimeout,
	})

	engine := orchestration.NewEngine(
		cfg,
		changes.NewDetector(pool),
		schema.NewEngine(pool, logger),
		store,
		indexer,
		downloader,
		logger,
	)

	opts := orchestration.RunOptions{
		Include:          cfg.Tables.Include,
		Exclude:          cfg.Tables.Exclude,
		DryRun:           getEnv("SYNC_DRY_RUN", "") == "true",
		ReconcileDeletes: getEnv("SYNC_RECONCILE_DELETES", "") == "true",
	}

	switch strings.ToLower(mode) {
	case "discover":
		m, err := engine.RunDiscovery(ctx)
		if err != nil {
			return err
		}
		if getEnv("SYNC_OUTPUT", "text") == "json" {
			data, err := m.JSON()
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		} else {
			fmt.Print(m.Render())
		}
		return nil

	case "full":
		res, err := engine.RunFull(ctx, opts)
		printResult(res)
		return err

	case "incremental":
		res, err := engine.RunIncremental(ctx, opts)
		printResult(res)
		return err

	case "status":
		cps, err := engine.Status(ctx)
		if err != nil {
			return err
		}
		for _, cp := range cps {
			fmt.Printf("%-30s %-10s processed=%d failed=%d watermark=%s\n",
				cp.Table, cp.Status, cp.RowsProcessed, cp.RowsFailed, cp.Watermark)
		}
		return nil

	default:
		return fmt.Errorf("unknown SYNC_MODE %q (want discover, full, incremental or status)", mode)
	}
}

func printResult(res *orchestration.SyncResult) {
	if res == nil {
		return
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(data))
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
