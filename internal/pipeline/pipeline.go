// Package pipeline sequences authentication, extraction, normalization and
// persistence into a single run and owns the retry policy.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/grupovision/sales-ingest/internal/domain"
	"github.com/grupovision/sales-ingest/internal/monitoring"
	"github.com/grupovision/sales-ingest/internal/normalize"
	"github.com/grupovision/sales-ingest/internal/scrape"
	"github.com/grupovision/sales-ingest/internal/storage"
)

const (
	initialBackoff = time.Second
	jitterFactor   = 0.2 // +/- 20%
)

// Session is the browser surface the pipeline drives. *browser.Session
// satisfies it.
type Session interface {
	scrape.Pager
	Navigate(ctx context.Context, target, readySelector string) error
	Close()
}

// Authenticator produces authenticated sessions.
type Authenticator interface {
	Authenticate(ctx context.Context, creds domain.Credentials) (Session, error)
}

// RecordStore persists normalized batches.
type RecordStore interface {
	UpsertBatch(ctx context.Context, records []domain.SalesRecord) (storage.UpsertResult, error)
}

type stage string

const (
	stageInit           stage = "init"
	stageAuthenticating stage = "authenticating"
	stageExtracting     stage = "extracting"
	stagePersisting     stage = "persisting"
	stageDone           stage = "done"
	stageFailed         stage = "failed"
)

// Options bound the run's retries and batch sizes.
type Options struct {
	SalesURL string

	// BatchSize caps rows per persistence transaction.
	BatchSize int
	// MaxAttempts bounds authentication and navigation retries.
	MaxAttempts int
	// MaxBatchFailures is how many consecutive batches may fail to persist
	// before the run aborts.
	MaxBatchFailures int
}

// Runner executes one scraping-and-ingestion run.
type Runner struct {
	auth    Authenticator
	store   RecordStore
	metrics *monitoring.Metrics
	logger  *zap.Logger
	opts    Options

	backoff time.Duration
	stage   stage
}

func NewRunner(auth Authenticator, store RecordStore, m *monitoring.Metrics, logger *zap.Logger, opts Options) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.MaxBatchFailures <= 0 {
		opts.MaxBatchFailures = 3
	}
	return &Runner{
		auth:    auth,
		store:   store,
		metrics: m,
		logger:  logger,
		opts:    opts,
		backoff: initialBackoff,
		stage:   stageInit,
	}
}

// Run executes the full pipeline and always returns a summary, complete with
// every error encountered, even when the run fails. The browser session is
// released exactly once on every exit path, including cancellation.
func (r *Runner) Run(ctx context.Context, creds domain.Credentials) (domain.RunSummary, error) {
	summary := domain.RunSummary{Started: time.Now().UTC()}

	err := r.execute(ctx, creds, &summary)
	summary.Finished = time.Now().UTC()
	r.metrics.RunDuration.Observe(summary.Duration().Seconds())

	if err != nil {
		failedAt := r.stage
		r.setStage(stageFailed)
		r.metrics.ErrorsTotal.WithLabelValues(string(failedAt)).Inc()
		summary.Errors = append(summary.Errors, domain.Rejection{
			Ref:    "run",
			Reason: domain.ReasonFatal,
			Detail: err.Error(),
		})
		r.logger.Error("pipeline run failed",
			zap.Error(err),
			zap.Int("records_seen", summary.RecordsSeen),
			zap.Int("records_upserted", summary.RecordsUpserted),
			zap.Int("records_rejected", summary.RecordsRejected))
		return summary, err
	}

	r.setStage(stageDone)
	r.logger.Info("pipeline run complete",
		zap.Int("records_seen", summary.RecordsSeen),
		zap.Int("records_upserted", summary.RecordsUpserted),
		zap.Int("records_rejected", summary.RecordsRejected),
		zap.Duration("duration", summary.Duration()))
	return summary, nil
}

func (r *Runner) execute(ctx context.Context, creds domain.Credentials, summary *domain.RunSummary) error {
	r.setStage(stageAuthenticating)
	session, err := r.authenticateWithRetry(ctx, creds)
	if err != nil {
		return err
	}
	defer func() { session.Close() }()

	r.setStage(stageExtracting)
	if err := r.navigateWithRetry(ctx, session); err != nil {
		return err
	}

	var (
		stream        = scrape.NewStream(session, r.logger)
		batch         = make([]domain.SalesRecord, 0, r.opts.BatchSize)
		failedBatches int
		reauthed      bool
	)

	// Parser rejections count as seen rows and are drained after every Next
	// call, keeping them in encounter order next to the rows around them.
	drain := func() {
		for _, rej := range stream.Rejections() {
			summary.RecordsSeen++
			r.metrics.RecordsSeen.Inc()
			r.recordRejection(summary, rej)
		}
	}

	for {
		raw, err := stream.Next(ctx)
		drain()
		if err != nil {
			if errors.Is(err, domain.ErrEndOfData) {
				break
			}
			if errors.Is(err, domain.ErrSessionExpired) {
				if reauthed {
					return fmt.Errorf("%w: session expired again after re-authentication", domain.ErrAuthentication)
				}
				reauthed = true
				r.logger.Warn("session expired mid-extraction, re-authenticating once")
				session.Close()

				r.setStage(stageAuthenticating)
				// A single attempt: a portal that expires a fresh login is
				// not going to be talked into a third one.
				session, err = r.authenticate(ctx, creds)
				if err != nil {
					session = noopSession{}
					return err
				}
				r.setStage(stageExtracting)
				if err := session.Navigate(ctx, r.opts.SalesURL, scrape.ListingReadySelector); err != nil {
					return err
				}
				// Extraction restarts from the first page; the upsert makes
				// the replayed rows idempotent.
				stream = scrape.NewStream(session, r.logger)
				continue
			}
			return err
		}

		summary.RecordsSeen++
		r.metrics.RecordsSeen.Inc()

		rec, rej := normalize.Normalize(raw)
		if rej != nil {
			r.recordRejection(summary, *rej)
			continue
		}

		batch = append(batch, rec)
		if len(batch) >= r.opts.BatchSize {
			fatal, err := r.flush(ctx, batch, summary, &failedBatches)
			if fatal {
				return err
			}
			batch = batch[:0]
		}
	}

	r.setStage(stagePersisting)
	if fatal, err := r.flush(ctx, batch, summary, &failedBatches); fatal {
		return err
	}
	return nil
}

// flush persists one batch. A failed batch is recorded and skipped; only
// MaxBatchFailures consecutive failures turn fatal.
func (r *Runner) flush(ctx context.Context, batch []domain.SalesRecord, summary *domain.RunSummary, failedBatches *int) (fatal bool, err error) {
	if len(batch) == 0 {
		return false, nil
	}

	res, err := r.store.UpsertBatch(ctx, batch)
	if err != nil {
		*failedBatches++
		r.metrics.BatchesTotal.WithLabelValues("failed").Inc()
		summary.Errors = append(summary.Errors, domain.Rejection{
			Ref:    fmt.Sprintf("batch of %d ending at %s", len(batch), batch[len(batch)-1].ExternalID),
			Reason: domain.ReasonPersistence,
			Detail: err.Error(),
		})
		r.logger.Error("batch persistence failed",
			zap.Int("batch_size", len(batch)),
			zap.Int("consecutive_failures", *failedBatches),
			zap.Error(err))
		if *failedBatches >= r.opts.MaxBatchFailures {
			return true, fmt.Errorf("%d consecutive batch failures: %w", *failedBatches, err)
		}
		return false, nil
	}

	*failedBatches = 0
	summary.RecordsUpserted += res.Inserted + res.Updated
	r.metrics.BatchesTotal.WithLabelValues("committed").Inc()
	r.metrics.RecordsUpserted.Add(float64(res.Inserted + res.Updated))
	r.logger.Info("batch committed",
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated))
	return false, nil
}

func (r *Runner) recordRejection(summary *domain.RunSummary, rej domain.Rejection) {
	summary.RecordsRejected++
	summary.Errors = append(summary.Errors, rej)
	r.metrics.RecordsRejected.WithLabelValues(string(rej.Reason)).Inc()
	r.logger.Warn("record rejected",
		zap.String("ref", rej.Ref),
		zap.String("reason", string(rej.Reason)),
		zap.String("field", rej.Field),
		zap.String("detail", rej.Detail))
}

func (r *Runner) authenticate(ctx context.Context, creds domain.Credentials) (Session, error) {
	r.metrics.AuthAttempts.Inc()
	return r.auth.Authenticate(ctx, creds)
}

// authenticateWithRetry retries transient login failures with exponential
// backoff. A browser that cannot launch at all is not retried; the binary
// will not appear between attempts.
func (r *Runner) authenticateWithRetry(ctx context.Context, creds domain.Credentials) (Session, error) {
	var session Session
	err := r.withRetry(ctx, "authenticate", func() error {
		var err error
		session, err = r.authenticate(ctx, creds)
		return err
	}, func(err error) bool {
		return !errors.Is(err, domain.ErrSessionLaunch)
	})
	return session, err
}

func (r *Runner) navigateWithRetry(ctx context.Context, session Session) error {
	return r.withRetry(ctx, "navigate sales listing", func() error {
		return session.Navigate(ctx, r.opts.SalesURL, scrape.ListingReadySelector)
	}, func(err error) bool {
		return errors.Is(err, domain.ErrNavigationTimeout)
	})
}

// withRetry runs fn up to MaxAttempts times with jittered exponential
// backoff between attempts, honoring cancellation.
func (r *Runner) withRetry(ctx context.Context, op string, fn func() error, retryable func(error) bool) error {
	backoff := r.backoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.opts.MaxAttempts || !retryable(err) {
			return err
		}

		jitter := 1 + jitterFactor*(2*rand.Float64()-1)
		delay := time.Duration(float64(backoff) * jitter)
		r.logger.Warn("retrying after failure",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
		backoff *= 2
	}
}

func (r *Runner) setStage(s stage) {
	r.stage = s
	r.logger.Debug("pipeline stage", zap.String("stage", string(s)))
}

// noopSession keeps the deferred Close safe after a failed re-login.
type noopSession struct{}

func (noopSession) Navigate(context.Context, string, string) error   { return nil }
func (noopSession) HTML(context.Context) (string, error)             { return "", nil }
func (noopSession) Has(context.Context, string) (bool, error)        { return false, nil }
func (noopSession) Click(context.Context, string) error              { return nil }
func (noopSession) WaitReady(context.Context, string) error          { return nil }
func (noopSession) WaitChange(context.Context, string, string) error { return nil }
func (noopSession) Expired(context.Context) (bool, error)            { return false, nil }
func (noopSession) Close()                                           {}
