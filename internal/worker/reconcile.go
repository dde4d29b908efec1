package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mediajobs/internal/domain"
	"github.com/cuongbtq/mediajobs/internal/queue"
	"github.com/cuongbtq/mediajobs/internal/storage"
)

const defaultReconcileBatch = 100

// ReconcilerConfig holds reconciliation sweep configuration
type ReconcilerConfig struct {
	Logger *slog.Logger
	Jobs   storage.JobStore
	Queue  queue.WorkQueue
	// Interval between sweeps; zero disables the sweep.
	Interval time.Duration
	// After is how long a job may sit in PENDING before it is re-dispatched.
	After     time.Duration
	BatchSize int
}

// Reconciler re-dispatches PENDING jobs whose enqueue was lost
type Reconciler struct {
	logger    *slog.Logger
	jobs      storage.JobStore
	queue     queue.WorkQueue
	interval  time.Duration
	after     time.Duration
	batchSize int
	now       func() time.Time
}

// NewReconciler creates a reconciler
func NewReconciler(cfg *ReconcilerConfig) *Reconciler {
	r := &Reconciler{
		logger:    cfg.Logger,
		jobs:      cfg.Jobs,
		queue:     cfg.Queue,
		interval:  cfg.Interval,
		after:     cfg.After,
		batchSize: cfg.BatchSize,
		now:       time.Now,
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultReconcileBatch
	}
	return r
}

// Run sweeps every interval until ctx is canceled
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 {
		r.logger.Info("Reconciliation sweep disabled")
		return nil
	}

	r.logger.Info("Reconciliation sweep started",
		slog.Duration("interval", r.interval),
		slog.Duration("after", r.after),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciliation sweep stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Reconciliation sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Sweep re-enqueues one batch of stale PENDING jobs and touches each one so it
// is not re-sent before After elapses again. It returns the number dispatched.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.after)
	jobs, err := r.jobs.ListStalePending(ctx, cutoff, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	dispatched := 0
	for _, job := range jobs {
		body, err := domain.DispatchFor(job).Encode()
		if err != nil {
			return dispatched, err
		}
		if err := r.queue.Enqueue(ctx, body); err != nil {
			return dispatched, fmt.Errorf("failed to re-enqueue job %s: %w", job.JobID, err)
		}

		_, err = r.jobs.UpdateStatus(ctx, storage.Transition{
			UserID: job.UserID,
			JobID:  job.JobID,
			From:   []domain.Status{domain.JobStatusPending},
			To:     domain.JobStatusPending,
		})
		if err != nil && !errors.Is(err, domain.ErrStatusConflict) {
			return dispatched, fmt.Errorf("failed to touch job %s: %w", job.JobID, err)
		}

		dispatched++
		r.logger.Info("Re-dispatched stale pending job",
			slog.String("job_id", job.JobID),
			slog.String("user_id", job.UserID),
			slog.Time("pending_since", job.UpdatedAt),
		)
	}
	return dispatched, nil
}
