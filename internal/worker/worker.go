package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mediajobs/internal/processing"
	"github.com/cuongbtq/mediajobs/internal/queue"
	"github.com/cuongbtq/mediajobs/internal/storage"
	"golang.org/x/sync/errgroup"
)

const (
	defaultJobTimeout    = 5 * time.Minute
	defaultRetryDelay    = time.Second
	defaultCommitTimeout = 10 * time.Second
)

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Jobs      storage.JobStore
	Queue     queue.WorkQueue
	Processor processing.Processor

	WorkerID    string
	Concurrency int
	JobTimeout  time.Duration
	// MaxAttempts bounds processing attempts per job; zero means unlimited.
	MaxAttempts       int
	HeartbeatInterval time.Duration
	ReceiveWait       time.Duration
	// RetryDelay is the pause after a failed Receive.
	RetryDelay time.Duration
}

// Worker consumes dispatch messages and drives jobs through their lifecycle
type Worker struct {
	logger    *slog.Logger
	jobs      storage.JobStore
	queue     queue.WorkQueue
	processor processing.Processor

	workerID          string
	concurrency       int
	jobTimeout        time.Duration
	maxAttempts       int
	heartbeatInterval time.Duration
	receiveWait       time.Duration
	retryDelay        time.Duration
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		jobs:              cfg.Jobs,
		queue:             cfg.Queue,
		processor:         cfg.Processor,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		jobTimeout:        cfg.JobTimeout,
		maxAttempts:       cfg.MaxAttempts,
		heartbeatInterval: cfg.HeartbeatInterval,
		receiveWait:       cfg.ReceiveWait,
		retryDelay:        cfg.RetryDelay,
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = defaultJobTimeout
	}
	if w.receiveWait <= 0 || w.receiveWait > queue.DefaultReceiveWait {
		w.receiveWait = queue.DefaultReceiveWait
	}
	if w.retryDelay <= 0 {
		w.retryDelay = defaultRetryDelay
	}
	if w.workerID == "" {
		w.workerID = "worker"
	}
	return w
}

// Start runs the worker loops until ctx is canceled. It returns nil after a
// clean shutdown, or the first fatal error, which stops every loop.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Int("max_attempts", w.maxAttempts),
	)

	g, gctx := errgroup.WithContext(ctx)
	w.spawnWorkerPool(gctx, g)

	if err := g.Wait(); err != nil {
		w.logger.Error("Worker stopped on fatal error",
			slog.String("worker_id", w.workerID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("worker %s: %w", w.workerID, err)
	}

	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	return nil
}
