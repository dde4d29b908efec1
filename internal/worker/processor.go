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

// processMessage runs one work unit: claim, process, record the outcome and
// settle the message. Only a failed FAILED write is returned; it is fatal.
func (w *Worker) processMessage(ctx context.Context, workerName string, msg *queue.Message) error {
	d, err := domain.DecodeDispatch(msg.Body)
	if err != nil {
		w.logger.Error("Failed to decode message",
			slog.String("worker_name", workerName),
			slog.String("error", err.Error()),
			slog.String("body", string(msg.Body)),
		)
		w.deadLetter(ctx, workerName, msg, "", err.Error())
		return nil
	}

	w.logger.Info("Processing job",
		slog.String("worker_name", workerName),
		slog.String("job_id", d.JobID),
		slog.String("user_id", d.UserID),
		slog.String("mode", d.Mode),
	)

	// Step 1: Claim job (PENDING | PROCESSING | FAILED -> PROCESSING)
	job, err := w.jobs.UpdateStatus(ctx, storage.Transition{
		UserID: d.UserID,
		JobID:  d.JobID,
		From:   domain.ClaimableStatuses,
		To:     domain.JobStatusProcessing,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrStatusConflict):
			// Only COMPLETED rejects a claim: this is a duplicate delivery.
			w.logger.Info("Job already completed, acknowledging duplicate delivery",
				slog.String("worker_name", workerName),
				slog.String("job_id", d.JobID),
			)
			w.ack(ctx, workerName, msg, d.JobID)
			return nil

		case errors.Is(err, domain.ErrJobNotFound):
			w.logger.Warn("Job record not found",
				slog.String("worker_name", workerName),
				slog.String("job_id", d.JobID),
			)
			w.deadLetter(ctx, workerName, msg, d.JobID, domain.ErrJobNotFound.Error())
			return nil

		case ctx.Err() != nil:
			w.abandon(ctx, workerName, msg, d.JobID)
			return nil
		}

		w.logger.Error("Failed to claim job",
			slog.String("worker_name", workerName),
			slog.String("job_id", d.JobID),
			slog.String("error", err.Error()),
		)
		claimErr := &domain.StatusCommitError{JobID: d.JobID, Status: domain.JobStatusProcessing, Err: err}
		return w.fail(ctx, workerName, msg, d, 0, claimErr)
	}

	// Step 2: Enforce the attempt budget
	if w.maxAttempts > 0 && job.Attempts > w.maxAttempts {
		w.logger.Warn("Job exceeded max attempts",
			slog.String("worker_name", workerName),
			slog.String("job_id", d.JobID),
			slog.Int("attempts", job.Attempts),
			slog.Int("max_attempts", w.maxAttempts),
		)
		return w.fail(ctx, workerName, msg, d, job.Attempts, domain.ErrAttemptsExhausted)
	}

	// Step 3: Process with timeout and lease heartbeat
	stopHeartbeat := w.startHeartbeat(ctx, workerName, msg, d.JobID)
	err = w.execute(ctx, d)
	stopHeartbeat()

	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted processing; redelivery takes the job over.
		w.logger.Warn("Job interrupted by shutdown",
			slog.String("worker_name", workerName),
			slog.String("job_id", d.JobID),
		)
		w.abandon(ctx, workerName, msg, d.JobID)
		return nil
	}

	if err != nil {
		w.logger.Error("Job execution failed",
			slog.String("worker_name", workerName),
			slog.String("job_id", d.JobID),
			slog.Int("attempt", job.Attempts),
			slog.String("error", err.Error()),
		)
		return w.fail(ctx, workerName, msg, d, job.Attempts, &domain.ProcessingError{Err: err})
	}

	// Step 4: Record completion, then acknowledge
	return w.complete(ctx, workerName, msg, d, job.Attempts)
}

// execute invokes the processor under the job timeout
func (w *Worker) execute(ctx context.Context, d domain.Dispatch) error {
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	if err := w.processor.Process(jobCtx, d); err != nil {
		return err
	}
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("job timed out after %s", w.jobTimeout)
	}
	return nil
}

// complete writes COMPLETED fenced to this attempt and acks the message
func (w *Worker) complete(ctx context.Context, workerName string, msg *queue.Message, d domain.Dispatch, attempt int) error {
	cctx, cancel := w.commitContext(ctx)
	_, err := w.jobs.UpdateStatus(cctx, storage.Transition{
		UserID:  d.UserID,
		JobID:   d.JobID,
		From:    []domain.Status{domain.JobStatusProcessing},
		To:      domain.JobStatusCompleted,
		Attempt: attempt,
	})
	cancel()

	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			w.logger.Warn("Completion fenced out by a newer attempt",
				slog.String("worker_name", workerName),
				slog.String("job_id", d.JobID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			w.abandon(ctx, workerName, msg, d.JobID)
			return nil
		}

		w.logger.Error("Failed to update job status to COMPLETED",
			slog.String("worker_name", workerName),
			slog.String("job_id", d.JobID),
			slog.String("error", err.Error()),
		)
		commitErr := &domain.StatusCommitError{JobID: d.JobID, Status: domain.JobStatusCompleted, Err: err}
		return w.fail(ctx, workerName, msg, d, attempt, commitErr)
	}

	w.logger.Info("Job completed successfully",
		slog.String("worker_name", workerName),
		slog.String("job_id", d.JobID),
		slog.Int("attempt", attempt),
	)
	w.ack(ctx, workerName, msg, d.JobID)
	return nil
}

// fail records FAILED with cause and hands the message back for redelivery,
// or dead-letters it once the attempt budget is spent. A FAILED write that
// cannot be committed is returned as a fatal StatusCommitError.
func (w *Worker) fail(ctx context.Context, workerName string, msg *queue.Message, d domain.Dispatch, attempt int, cause error) error {
	cctx, cancel := w.commitContext(ctx)
	_, err := w.jobs.UpdateStatus(cctx, storage.Transition{
		UserID:  d.UserID,
		JobID:   d.JobID,
		From:    domain.FailableStatuses,
		To:      domain.JobStatusFailed,
		Attempt: attempt,
		Error:   cause.Error(),
	})
	cancel()

	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			w.logger.Warn("FAILED write rejected, job moved on",
				slog.String("worker_name", workerName),
				slog.String("job_id", d.JobID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			w.abandon(ctx, workerName, msg, d.JobID)
			return nil
		}

		w.logger.Error("Failed to update job status to FAILED",
			slog.String("worker_name", workerName),
			slog.String("job_id", d.JobID),
			slog.String("error", err.Error()),
		)
		return &domain.StatusCommitError{JobID: d.JobID, Status: domain.JobStatusFailed, Err: err}
	}

	w.logger.Info("Job marked FAILED",
		slog.String("worker_name", workerName),
		slog.String("job_id", d.JobID),
		slog.Int("attempt", attempt),
		slog.String("reason", cause.Error()),
	)

	if w.maxAttempts > 0 && attempt >= w.maxAttempts {
		w.deadLetter(ctx, workerName, msg, d.JobID, cause.Error())
		return nil
	}

	// Not acknowledged: the queue redelivers the message.
	w.abandon(ctx, workerName, msg, d.JobID)
	return nil
}

// startHeartbeat extends the message lease while the job runs, when the queue
// supports it. The returned func stops the heartbeat and waits for it.
func (w *Worker) startHeartbeat(ctx context.Context, workerName string, msg *queue.Message, jobID string) func() {
	extender, ok := w.queue.(queue.LeaseExtender)
	if !ok || w.heartbeatInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := extender.Extend(ctx, msg); err != nil {
					w.logger.Warn("Failed to extend message lease",
						slog.String("worker_name", workerName),
						slog.String("job_id", jobID),
						slog.String("error", err.Error()),
					)
				} else {
					w.logger.Debug("Message lease extended",
						slog.String("worker_name", workerName),
						slog.String("job_id", jobID),
					)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}
