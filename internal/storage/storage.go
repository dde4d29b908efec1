// Package storage defines the Job Store contract shared by the API and worker
// services. Implementations live in the postgres, redis and memory subpackages.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/mediajobs/internal/domain"
)

// DefaultPageSize and MaxPageSize bound ListJobs pages.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// JobStore is a durable keyed record store for jobs. It holds no business
// logic beyond enforcing conditional status writes.
type JobStore interface {
	// CreateJob inserts a new job record.
	CreateJob(ctx context.Context, job *domain.Job) error

	// GetJob returns the job or domain.ErrJobNotFound.
	GetJob(ctx context.Context, userID, jobID string) (*domain.Job, error)

	// ListJobs returns up to filter.PageSize+1 jobs of one user, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error)

	// UpdateStatus applies t only if the job's current status is one of t.From
	// (and, when t.Attempt > 0, its attempts equal t.Attempt). A mismatch
	// returns an error wrapping domain.ErrStatusConflict.
	UpdateStatus(ctx context.Context, t Transition) (*domain.Job, error)

	// ListStalePending returns PENDING jobs last updated before the cutoff.
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error)
}

// Transition is one conditional status write.
type Transition struct {
	UserID string
	JobID  string
	From   []domain.Status
	To     domain.Status
	// Attempt fences the write to one claim; zero disables the check.
	Attempt int
	// Error is stored when To is FAILED and cleared otherwise.
	Error string
}

// StartsAttempt reports whether the write opens a new processing attempt.
func (t Transition) StartsAttempt() bool {
	return t.To == domain.JobStatusProcessing
}

// StoredError returns the error text persisted by the write.
func (t Transition) StoredError() string {
	if t.To != domain.JobStatusFailed {
		return ""
	}
	return t.Error
}

// Allowed reports whether a job at current with attempts may take t.
func (t Transition) Allowed(current domain.Status, attempts int) bool {
	if !domain.Contains(t.From, current) || !domain.CanTransition(current, t.To) {
		return false
	}
	return t.Attempt == 0 || t.Attempt == attempts
}

// Conflict builds the error returned when t is rejected.
func (t Transition) Conflict(current domain.Status) error {
	return &domain.ConflictError{
		UserID:  t.UserID,
		JobID:   t.JobID,
		Current: current,
		Wanted:  t.To,
		Attempt: t.Attempt,
	}
}

// JobFilter selects a page of one user's jobs.
type JobFilter struct {
	UserID   string
	Status   domain.Status
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the (created_at, job_id) position after which a page starts.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// Before reports whether job sorts after the cursor in newest-first order.
func (c *JobCursor) Before(job *domain.Job) bool {
	if c == nil {
		return true
	}
	ts, cts := job.CreatedAt.Unix(), c.CreatedAt.Unix()
	if ts != cts {
		return ts < cts
	}
	return job.JobID < c.JobID
}

// NormalizePageSize clamps a requested page size.
func NormalizePageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}
