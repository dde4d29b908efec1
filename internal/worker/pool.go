package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// spawnWorkerPool starts N independent receive loops, each holding at most one
// lease at a time
func (w *Worker) spawnWorkerPool(ctx context.Context, g *errgroup.Group) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		workerName := fmt.Sprintf("%s-%d", w.workerID, i)
		g.Go(func() error {
			return w.workerLoop(ctx, workerName)
		})
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerName string) error {
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return nil
		}

		msg, err := w.receive(ctx, workerName)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}

		if err := w.processMessage(ctx, workerName, msg); err != nil {
			return err
		}
	}
}
