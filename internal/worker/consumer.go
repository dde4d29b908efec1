package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/mediajobs/internal/queue"
)

// receive long-polls the queue for one message. It returns (nil, nil) when
// there is no work or the poll failed transiently, and an error only when the
// queue is gone for good. It checks cancellation once the poll
// returns so that a message received during shutdown is handed back.
func (w *Worker) receive(ctx context.Context, workerName string) (*queue.Message, error) {
	msg, err := w.queue.Receive(ctx, w.receiveWait)

	if ctx.Err() != nil {
		if msg != nil {
			w.abandon(ctx, workerName, msg, "")
		}
		return nil, nil
	}

	if errors.Is(err, queue.ErrUnavailable) {
		w.logger.Error("Work queue unavailable, stopping",
			slog.String("worker_name", workerName),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if err != nil {
		w.logger.Error("Failed to receive message",
			slog.String("worker_name", workerName),
			slog.String("error", err.Error()),
			slog.Duration("retry_after", w.retryDelay),
		)
		select {
		case <-time.After(w.retryDelay):
		case <-ctx.Done():
		}
		return nil, nil
	}

	if msg == nil {
		w.logger.Debug("Running... no messages",
			slog.String("worker_name", workerName),
		)
		return nil, nil
	}

	w.logger.Debug("Message received",
		slog.String("worker_name", workerName),
		slog.String("handle", msg.Handle),
	)
	return msg, nil
}

// ack removes the message after the job reached a settled state
func (w *Worker) ack(ctx context.Context, workerName string, msg *queue.Message, jobID string) {
	cctx, cancel := w.commitContext(ctx)
	defer cancel()

	if err := w.queue.Ack(cctx, msg); err != nil {
		// The message comes back after its lease lapses and is acked as a duplicate.
		w.logger.Error("Failed to ACK message",
			slog.String("worker_name", workerName),
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Debug("Message ACKed",
		slog.String("worker_name", workerName),
		slog.String("job_id", jobID),
	)
}

// abandon gives the lease back so the message is redelivered
func (w *Worker) abandon(ctx context.Context, workerName string, msg *queue.Message, jobID string) {
	cctx, cancel := w.commitContext(ctx)
	defer cancel()

	if err := w.queue.Abandon(cctx, msg); err != nil {
		w.logger.Error("Failed to abandon message",
			slog.String("worker_name", workerName),
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// deadLetter moves the message off the work path
func (w *Worker) deadLetter(ctx context.Context, workerName string, msg *queue.Message, jobID, reason string) {
	cctx, cancel := w.commitContext(ctx)
	defer cancel()

	if err := w.queue.DeadLetter(cctx, msg, reason); err != nil {
		w.logger.Error("Failed to dead-letter message",
			slog.String("worker_name", workerName),
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Warn("Message dead-lettered",
		slog.String("worker_name", workerName),
		slog.String("job_id", jobID),
		slog.String("reason", reason),
	)
}

// commitContext detaches settlement calls from shutdown so that a finished
// job is still recorded and acknowledged
func (w *Worker) commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), defaultCommitTimeout)
}
