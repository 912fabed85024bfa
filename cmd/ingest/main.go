package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/grupovision/sales-ingest/internal/browser"
	"github.com/grupovision/sales-ingest/internal/config"
	"github.com/grupovision/sales-ingest/internal/domain"
	"github.com/grupovision/sales-ingest/internal/monitoring"
	"github.com/grupovision/sales-ingest/internal/pipeline"
	"github.com/grupovision/sales-ingest/internal/storage"
)

// runLockTTL bounds how long a crashed run can block the next scheduled one.
const runLockTTL = time.Hour

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("could not load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ingestion failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := monitoring.NewMetrics()
	if cfg.MetricsAddr != "" {
		srv := monitoring.NewServer(cfg.MetricsAddr, logger)
		srv.Start()
		defer srv.Shutdown()
	}

	store, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	logger.Info("postgres connection established")

	if cfg.RedisAddr != "" {
		lock := storage.NewRunLock(cfg.RedisAddr, cfg.PortalEmail, runLockTTL)
		defer lock.Close()
		release, err := lock.Acquire(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrRunInProgress) {
				logger.Warn("skipping run, another one holds the lock")
			}
			return err
		}
		defer release()
		logger.Info("run lock acquired")
	}

	manager := browser.NewManager(cfg.PortalLoginURL, cfg.PageTimeout(), cfg.Headless, logger)
	runner := pipeline.NewRunner(
		authenticator{manager},
		store,
		metrics,
		logger,
		pipeline.Options{
			SalesURL:         cfg.PortalSalesURL,
			BatchSize:        cfg.BatchSize,
			MaxAttempts:      cfg.MaxAttempts,
			MaxBatchFailures: cfg.MaxBatchFailures,
		},
	)

	summary, err := runner.Run(ctx, domain.Credentials{
		Username: cfg.PortalEmail,
		Password: cfg.PortalPassword,
	})

	// The trigger (CI job / scheduler) captures the summary from structured
	// log output; this is the pipeline's whole reporting surface.
	logger.Info("run summary",
		zap.Int("records_seen", summary.RecordsSeen),
		zap.Int("records_upserted", summary.RecordsUpserted),
		zap.Int("records_rejected", summary.RecordsRejected),
		zap.Time("started", summary.Started),
		zap.Time("finished", summary.Finished),
		zap.Any("errors", summary.Errors))

	return err
}

// authenticator adapts *browser.Manager to the pipeline's interface.
type authenticator struct {
	manager *browser.Manager
}

func (a authenticator) Authenticate(ctx context.Context, creds domain.Credentials) (pipeline.Session, error) {
	return a.manager.Authenticate(ctx, creds)
}
