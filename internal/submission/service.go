// Package submission accepts new jobs: it allocates the upload target, writes
// the PENDING record and dispatches the job to the work queue.
package submission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/mediajobs/internal/domain"
	"github.com/cuongbtq/mediajobs/internal/objectstore"
	"github.com/cuongbtq/mediajobs/internal/queue"
	"github.com/cuongbtq/mediajobs/internal/storage"
	"github.com/google/uuid"
)

// Submission steps reported by domain.PersistenceError.
const (
	StepPresign   = "presign"
	StepCreateJob = "create_job"
	StepEnqueue   = "enqueue"
)

// Result is returned to the caller of Submit.
type Result struct {
	UploadURL string
	JobID     string
}

// Dependencies holds the capabilities used by the service.
type Dependencies struct {
	Logger  *slog.Logger
	Jobs    storage.JobStore
	Queue   queue.WorkQueue
	Objects objectstore.ObjectStore
}

// Service handles job submission and lookups.
type Service struct {
	logger  *slog.Logger
	jobs    storage.JobStore
	queue   queue.WorkQueue
	objects objectstore.ObjectStore
	now     func() time.Time
	newID   func() string
}

// NewService creates a Service.
func NewService(deps *Dependencies) *Service {
	return &Service{
		logger:  deps.Logger,
		jobs:    deps.Jobs,
		queue:   deps.Queue,
		objects: deps.Objects,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// Submit creates a job for filename owned by userID. The steps are not
// transactional: if the enqueue fails the PENDING record stays behind for the
// reconciliation sweep to dispatch.
func (s *Service) Submit(ctx context.Context, userID, filename, mode string) (*Result, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(filename) == "" {
		return nil, fmt.Errorf("%w: filename is required", domain.ErrInvalidRequest)
	}
	if err := domain.ValidateFilename(filename); err != nil {
		return nil, err
	}

	jobID := s.newID()
	key := domain.ObjectKey(userID, jobID, filename)

	uploadURL, err := s.objects.PresignPut(ctx, key, domain.UploadURLTTL)
	if err != nil {
		s.logger.Error("Failed to presign upload",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return nil, &domain.PersistenceError{Step: StepPresign, Err: err}
	}

	now := s.now().UTC().Truncate(time.Second)
	job := &domain.Job{
		UserID:    userID,
		JobID:     jobID,
		Status:    domain.JobStatusPending,
		Mode:      mode,
		ObjectKey: key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		s.logger.Error("Failed to create job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return nil, &domain.PersistenceError{Step: StepCreateJob, Err: err}
	}

	body, err := domain.DispatchFor(job).Encode()
	if err == nil {
		err = s.queue.Enqueue(ctx, body)
	}
	if err != nil {
		s.logger.Error("Failed to enqueue job, record left PENDING",
			slog.String("job_id", jobID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, &domain.PersistenceError{Step: StepEnqueue, Err: err}
	}

	s.logger.Info("Job submitted",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
		slog.String("mode", mode),
		slog.String("object_key", key),
	)

	return &Result{UploadURL: uploadURL, JobID: jobID}, nil
}

// Get returns one of userID's jobs.
func (s *Service) Get(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	job, err := s.jobs.GetJob(ctx, userID, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// Page is one page of a user's jobs.
type Page struct {
	Jobs []*domain.Job
	// Next is nil on the last page.
	Next *storage.JobCursor
}

// List returns a page of the user's jobs, newest first.
func (s *Service) List(ctx context.Context, filter storage.JobFilter) (*Page, error) {
	if filter.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	}
	filter.PageSize = storage.NormalizePageSize(filter.PageSize)

	jobs, err := s.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	page := &Page{Jobs: jobs}
	if len(jobs) > filter.PageSize {
		page.Jobs = jobs[:filter.PageSize]
		last := page.Jobs[len(page.Jobs)-1]
		page.Next = &storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.JobID}
	}
	return page, nil
}

// DownloadURL presigns a read of the job's uploaded object.
func (s *Service) DownloadURL(ctx context.Context, job *domain.Job) (string, error) {
	url, err := s.objects.PresignGet(ctx, job.ObjectKey, domain.UploadURLTTL)
	if err != nil {
		return "", fmt.Errorf("failed to presign download: %w", err)
	}
	return url, nil
}
