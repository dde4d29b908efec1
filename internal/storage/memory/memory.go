// Package memory is an in-process JobStore used by tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/mediajobs/internal/domain"
	"github.com/cuongbtq/mediajobs/internal/storage"
)

type key struct {
	userID string
	jobID  string
}

// Store keeps jobs in a map guarded by a mutex.
type Store struct {
	mu   sync.Mutex
	jobs map[key]domain.Job
	now  func() time.Time

	// failNext holds errors returned by the next mutating calls.
	failNext []error
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[key]domain.Job),
		now:  time.Now,
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNext queues errors returned by the next mutating calls, in order.
func (s *Store) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, errs...)
}

func (s *Store) popFailure() error {
	if len(s.failNext) == 0 {
		return nil
	}
	err := s.failNext[0]
	s.failNext = s.failNext[1:]
	return err
}

// CreateJob inserts a job, rejecting duplicate keys.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.popFailure(); err != nil {
		return err
	}
	k := key{job.UserID, job.JobID}
	if _, ok := s.jobs[k]; ok {
		return domain.ErrStatusConflict
	}
	stored := *job
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.jobs[k] = stored
	return nil
}

// GetJob returns a copy of the stored job.
func (s *Store) GetJob(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key{userID, jobID}]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &job, nil
}

// ListJobs returns one user's jobs newest first.
func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for k, job := range s.jobs {
		if k.userID != filter.UserID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if !filter.Cursor.Before(&job) {
			continue
		}
		j := job
		out = append(out, &j)
	}
	sortNewestFirst(out)

	limit := storage.NormalizePageSize(filter.PageSize) + 1
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateStatus applies a conditional status write.
func (s *Store) UpdateStatus(ctx context.Context, t storage.Transition) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.popFailure(); err != nil {
		return nil, err
	}
	k := key{t.UserID, t.JobID}
	job, ok := s.jobs[k]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if !t.Allowed(job.Status, job.Attempts) {
		return nil, t.Conflict(job.Status)
	}

	job.Status = t.To
	job.Error = t.StoredError()
	job.UpdatedAt = s.now()
	if t.StartsAttempt() {
		job.Attempts++
	}
	s.jobs[k] = job

	out := job
	return &out, nil
}

// ListStalePending returns PENDING jobs not updated since before, oldest first.
func (s *Store) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusPending || !job.UpdatedAt.Before(before) {
			continue
		}
		j := job
		out = append(out, &j)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].UpdatedAt.Before(out[b].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func sortNewestFirst(jobs []*domain.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		ta, tb := jobs[a].CreatedAt.Unix(), jobs[b].CreatedAt.Unix()
		if ta != tb {
			return ta > tb
		}
		return jobs[a].JobID > jobs[b].JobID
	})
}
