// Package postgres implements storage.JobStore on PostgreSQL through sqlx.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mediajobs/internal/domain"
	"github.com/cuongbtq/mediajobs/internal/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

const jobColumns = `user_id, job_id, status, mode, object_key, created_at, updated_at, attempts, error`

// jobRow is the database shape of a job.
type jobRow struct {
	UserID    string         `db:"user_id"`
	JobID     string         `db:"job_id"`
	Status    string         `db:"status"`
	Mode      string         `db:"mode"`
	ObjectKey string         `db:"object_key"`
	CreatedAt int64          `db:"created_at"`
	UpdatedAt int64          `db:"updated_at"`
	Attempts  int            `db:"attempts"`
	Error     sql.NullString `db:"error"`
}

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		UserID:    r.UserID,
		JobID:     r.JobID,
		Status:    domain.Status(r.Status),
		Mode:      r.Mode,
		ObjectKey: r.ObjectKey,
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt: time.Unix(r.UpdatedAt, 0).UTC(),
		Attempts:  r.Attempts,
	}
	if r.Error.Valid {
		job.Error = r.Error.String
	}
	return job
}

// Storage handles all job table operations
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureSchema creates the jobs table and indexes if they are missing.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// CreateJob inserts the initial job record
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			user_id, job_id, status, mode,
			object_key, created_at, updated_at, attempts
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8
		)
	`

	updatedAt := job.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = job.CreatedAt
	}

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.UserID,
		job.JobID,
		string(job.Status),
		job.Mode,
		job.ObjectKey,
		job.CreatedAt.Unix(),
		updatedAt.Unix(),
		job.Attempts,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves one job by its key
func (s *Storage) GetJob(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1 AND job_id = $2`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, userID, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toDomain(), nil
}

// ListJobs returns one page of a user's jobs, newest first, plus one extra row
// so callers can tell whether another page exists
func (s *Storage) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1`
	args := []interface{}{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt.Unix(), filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, storage.NormalizePageSize(filter.PageSize)+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return toDomainSlice(rows), nil
}

// UpdateStatus performs a compare-and-swap on the job status. The WHERE clause
// carries the expected prior statuses and, when fenced, the attempt number.
func (s *Storage) UpdateStatus(ctx context.Context, t storage.Transition) (*domain.Job, error) {
	from := make([]string, 0, len(t.From))
	for _, st := range t.From {
		if domain.CanTransition(st, t.To) {
			from = append(from, string(st))
		}
	}

	increment := 0
	if t.StartsAttempt() {
		increment = 1
	}

	var errText sql.NullString
	if msg := t.StoredError(); msg != "" {
		errText = sql.NullString{String: msg, Valid: true}
	}

	query := `
		UPDATE jobs
		SET status = $1,
		    error = $2,
		    attempts = attempts + $3,
		    updated_at = $4
		WHERE user_id = $5
		  AND job_id = $6
		  AND status = ANY($7)
		  AND ($8 = 0 OR attempts = $8)
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query,
		string(t.To),
		errText,
		increment,
		s.now().Unix(),
		t.UserID,
		t.JobID,
		pq.Array(from),
		t.Attempt,
	)
	if err == nil {
		s.logger.Debug("Job status updated",
			slog.String("user_id", t.UserID),
			slog.String("job_id", t.JobID),
			slog.String("status", string(t.To)),
			slog.Int("attempts", row.Attempts),
		)
		return row.toDomain(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}

	// No row matched: tell a missing job apart from a rejected transition.
	current, getErr := s.GetJob(ctx, t.UserID, t.JobID)
	if getErr != nil {
		return nil, getErr
	}

	s.logger.Warn("Job status update rejected",
		slog.String("user_id", t.UserID),
		slog.String("job_id", t.JobID),
		slog.String("current_status", string(current.Status)),
		slog.String("wanted_status", string(t.To)),
		slog.Int("attempt", t.Attempt),
		slog.Int("current_attempts", current.Attempts),
	)
	return nil, t.Conflict(current.Status)
}

// ListStalePending returns PENDING jobs whose last write is older than before
func (s *Storage) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, string(domain.JobStatusPending), before.Unix(), limit); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	return toDomainSlice(rows), nil
}

func toDomainSlice(rows []jobRow) []*domain.Job {
	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs
}
