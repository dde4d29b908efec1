package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/mediajobs/internal/domain"
	"github.com/cuongbtq/mediajobs/internal/storage"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rowColumns = []string{"user_id", "job_id", "status", "mode", "object_key", "created_at", "updated_at", "attempts", "error"}

const (
	created = int64(1_700_000_000)
	nowUnix = int64(1_700_000_600)
)

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStorage(sqlx.NewDb(db, "postgres"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Unix(nowUnix, 0) }
	return s, mock
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows(rowColumns)
}

func TestStorage_EnsureSchema(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_CreateJob(t *testing.T) {
	s, mock := newMockStorage(t)
	job := &domain.Job{
		UserID:    "user-1",
		JobID:     "job-1",
		Status:    domain.JobStatusPending,
		Mode:      "text",
		ObjectKey: "raw/user-1/job-1/a.txt",
		CreatedAt: time.Unix(created, 0),
	}

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("user-1", "job-1", "PENDING", "text", "raw/user-1/job-1/a.txt", created, created, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.CreateJob(context.Background(), job))

	mock.ExpectExec("INSERT INTO jobs").WillReturnError(errors.New("duplicate key value"))
	err := s.CreateJob(context.Background(), job)
	assert.ErrorContains(t, err, "failed to create job")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_GetJob(t *testing.T) {
	s, mock := newMockStorage(t)
	query := regexp.QuoteMeta("FROM jobs WHERE user_id = $1 AND job_id = $2")

	mock.ExpectQuery(query).WithArgs("user-1", "job-1").WillReturnRows(
		jobRows().AddRow("user-1", "job-1", "FAILED", "text", "raw/user-1/job-1/a.txt", created, nowUnix, 2, "boom"),
	)
	job, err := s.GetJob(context.Background(), "user-1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "boom", job.Error)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, time.Unix(created, 0).UTC(), job.CreatedAt)
	assert.Equal(t, time.Unix(nowUnix, 0).UTC(), job.UpdatedAt)

	mock.ExpectQuery(query).WithArgs("user-2", "job-1").WillReturnRows(jobRows())
	_, err = s.GetJob(context.Background(), "user-2", "job-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_ListJobs(t *testing.T) {
	s, mock := newMockStorage(t)

	t.Run("first page", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1 ORDER BY created_at DESC, job_id DESC LIMIT $2")).
			WithArgs("user-1", storage.DefaultPageSize+1).
			WillReturnRows(jobRows().
				AddRow("user-1", "job-b", "PENDING", "text", "k2", created+1, created+1, 0, nil).
				AddRow("user-1", "job-a", "COMPLETED", "text", "k1", created, created, 1, nil))

		jobs, err := s.ListJobs(context.Background(), storage.JobFilter{UserID: "user-1"})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "job-b", jobs[0].JobID)
		assert.Empty(t, jobs[1].Error)
	})

	t.Run("status and cursor", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1 AND status = $2 AND (created_at, job_id) < ($3, $4) ORDER BY created_at DESC, job_id DESC LIMIT $5")).
			WithArgs("user-1", "PENDING", created, "job-b", 3).
			WillReturnRows(jobRows())

		jobs, err := s.ListJobs(context.Background(), storage.JobFilter{
			UserID:   "user-1",
			Status:   domain.JobStatusPending,
			PageSize: 2,
			Cursor:   &storage.JobCursor{CreatedAt: time.Unix(created, 0), JobID: "job-b"},
		})
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_UpdateStatus(t *testing.T) {
	update := regexp.QuoteMeta("UPDATE jobs")
	get := regexp.QuoteMeta("FROM jobs WHERE user_id = $1 AND job_id = $2")

	t.Run("claim increments attempts", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery(update).
			WithArgs("PROCESSING", nil, 1, nowUnix, "user-1", "job-1", sqlmock.AnyArg(), 0).
			WillReturnRows(jobRows().AddRow("user-1", "job-1", "PROCESSING", "text", "k", created, nowUnix, 1, nil))

		job, err := s.UpdateStatus(context.Background(), storage.Transition{
			UserID: "user-1",
			JobID:  "job-1",
			From:   domain.ClaimableStatuses,
			To:     domain.JobStatusProcessing,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusProcessing, job.Status)
		assert.Equal(t, 1, job.Attempts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure stores error text", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery(update).
			WithArgs("FAILED", "unsupported mode", 0, nowUnix, "user-1", "job-1", sqlmock.AnyArg(), 1).
			WillReturnRows(jobRows().AddRow("user-1", "job-1", "FAILED", "text", "k", created, nowUnix, 1, "unsupported mode"))

		job, err := s.UpdateStatus(context.Background(), storage.Transition{
			UserID:  "user-1",
			JobID:   "job-1",
			From:    domain.FailableStatuses,
			To:      domain.JobStatusFailed,
			Attempt: 1,
			Error:   "unsupported mode",
		})
		require.NoError(t, err)
		assert.Equal(t, "unsupported mode", job.Error)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejected transition", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery(update).WillReturnRows(jobRows())
		mock.ExpectQuery(get).WithArgs("user-1", "job-1").
			WillReturnRows(jobRows().AddRow("user-1", "job-1", "COMPLETED", "text", "k", created, nowUnix, 1, nil))

		_, err := s.UpdateStatus(context.Background(), storage.Transition{
			UserID: "user-1",
			JobID:  "job-1",
			From:   domain.ClaimableStatuses,
			To:     domain.JobStatusProcessing,
		})
		assert.ErrorIs(t, err, domain.ErrStatusConflict)

		var conflict *domain.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, domain.JobStatusCompleted, conflict.Current)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing job", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery(update).WillReturnRows(jobRows())
		mock.ExpectQuery(get).WillReturnRows(jobRows())

		_, err := s.UpdateStatus(context.Background(), storage.Transition{
			UserID: "user-1",
			JobID:  "job-1",
			From:   domain.ClaimableStatuses,
			To:     domain.JobStatusProcessing,
		})
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database error", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery(update).WillReturnError(errors.New("connection reset"))

		_, err := s.UpdateStatus(context.Background(), storage.Transition{
			UserID: "user-1",
			JobID:  "job-1",
			From:   []domain.Status{domain.JobStatusProcessing},
			To:     domain.JobStatusCompleted,
		})
		assert.ErrorContains(t, err, "failed to update job status")
		assert.NotErrorIs(t, err, domain.ErrStatusConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStorage_ListStalePending(t *testing.T) {
	s, mock := newMockStorage(t)
	before := time.Unix(nowUnix-300, 0)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 AND updated_at < $2")).
		WithArgs("PENDING", before.Unix(), 50).
		WillReturnRows(jobRows().AddRow("user-1", "job-1", "PENDING", "text", "k", created, created, 0, nil))

	jobs, err := s.ListStalePending(context.Background(), before, 50)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].JobID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
