// Package redis implements storage.JobStore on Redis hashes. Conditional
// status writes use WATCH/MULTI so concurrent workers cannot overwrite each
// other's transitions.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cuongbtq/mediajobs/internal/domain"
	"github.com/cuongbtq/mediajobs/internal/storage"
	goredis "github.com/redis/go-redis/v9"
)

const maxTxRetries = 10

// Storage keeps one Hash per job plus two Sorted Set indexes.
type Storage struct {
	client *goredis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewStorage creates a Redis-backed job store.
func NewStorage(client *goredis.Client, logger *slog.Logger) *Storage {
	return &Storage{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// CreateJob stores the job hash and indexes it. An existing key is a conflict.
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	key := jobKey(job.UserID, job.JobID)

	updatedAt := job.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = job.CreatedAt
	}
	stored := *job
	stored.UpdatedAt = updatedAt

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("job %s already exists: %w", job.JobID, domain.ErrStatusConflict)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, jobToMap(&stored))
			pipe.ZAdd(ctx, userJobsKey(job.UserID), goredis.Z{
				Score:  float64(job.CreatedAt.Unix()),
				Member: job.JobID,
			})
			if job.Status == domain.JobStatusPending {
				pipe.ZAdd(ctx, pendingKey, goredis.Z{
					Score:  float64(updatedAt.Unix()),
					Member: pendingMember(job.UserID, job.JobID),
				})
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return err
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob loads one job hash.
func (s *Storage) GetJob(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(userID, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrJobNotFound
	}
	return jobFromMap(fields)
}

// ListJobs walks the user's index newest first, applying the cursor and status
// filter, until PageSize+1 jobs are collected.
func (s *Storage) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	limit := storage.NormalizePageSize(filter.PageSize) + 1
	batch := int64(limit * 2)

	max := "+inf"
	if filter.Cursor != nil {
		max = strconv.FormatInt(filter.Cursor.CreatedAt.Unix(), 10)
	}

	var out []*domain.Job
	var offset int64
	for len(out) < limit {
		ids, err := s.client.ZRevRangeByScore(ctx, userJobsKey(filter.UserID), &goredis.ZRangeBy{
			Min:    "-inf",
			Max:    max,
			Offset: offset,
			Count:  batch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		offset += int64(len(ids))

		jobs, err := s.loadJobs(ctx, filter.UserID, ids)
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			if !filter.Cursor.Before(job) {
				continue
			}
			if filter.Status != "" && job.Status != filter.Status {
				continue
			}
			out = append(out, job)
			if len(out) == limit {
				break
			}
		}
		if int64(len(ids)) < batch {
			break
		}
	}
	return out, nil
}

// UpdateStatus applies a conditional status write inside WATCH/MULTI and
// retries when another client touched the job concurrently.
func (s *Storage) UpdateStatus(ctx context.Context, t storage.Transition) (*domain.Job, error) {
	key := jobKey(t.UserID, t.JobID)

	var updated *domain.Job
	txf := func(tx *goredis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return domain.ErrJobNotFound
		}
		job, err := jobFromMap(fields)
		if err != nil {
			return err
		}
		if !t.Allowed(job.Status, job.Attempts) {
			s.logger.Warn("Job status update rejected",
				slog.String("user_id", t.UserID),
				slog.String("job_id", t.JobID),
				slog.String("current_status", string(job.Status)),
				slog.String("wanted_status", string(t.To)),
				slog.Int("attempt", t.Attempt),
				slog.Int("current_attempts", job.Attempts),
			)
			return t.Conflict(job.Status)
		}

		job.Status = t.To
		job.Error = t.StoredError()
		job.UpdatedAt = s.now()
		if t.StartsAttempt() {
			job.Attempts++
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, jobToMap(job))
			member := pendingMember(t.UserID, t.JobID)
			if job.Status == domain.JobStatusPending {
				pipe.ZAdd(ctx, pendingKey, goredis.Z{Score: float64(job.UpdatedAt.Unix()), Member: member})
			} else {
				pipe.ZRem(ctx, pendingKey, member)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = job
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if errors.Is(err, domain.ErrJobNotFound) || errors.Is(err, domain.ErrStatusConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	return nil, fmt.Errorf("failed to update job status: %w", goredis.TxFailedErr)
}

// ListStalePending reads the pending index up to the cutoff.
func (s *Storage) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	members, err := s.client.ZRangeByScore(ctx, pendingKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(members))
	for _, member := range members {
		userID, jobID, ok := splitPendingMember(member)
		if !ok {
			continue
		}
		job, err := s.GetJob(ctx, userID, jobID)
		if errors.Is(err, domain.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status == domain.JobStatusPending {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *Storage) loadJobs(ctx context.Context, userID string, ids []string) ([]*domain.Job, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(userID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue // index entry without a hash
		}
		job, err := jobFromMap(fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func jobToMap(j *domain.Job) map[string]interface{} {
	return map[string]interface{}{
		"user_id":    j.UserID,
		"job_id":     j.JobID,
		"status":     string(j.Status),
		"mode":       j.Mode,
		"object_key": j.ObjectKey,
		"created_at": j.CreatedAt.Unix(),
		"updated_at": j.UpdatedAt.Unix(),
		"attempts":   j.Attempts,
		"error":      j.Error,
	}
}

func jobFromMap(m map[string]string) (*domain.Job, error) {
	createdAt, err := strconv.ParseInt(m["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at for job %s: %w", m["job_id"], err)
	}
	updatedAt, err := strconv.ParseInt(m["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at for job %s: %w", m["job_id"], err)
	}
	attempts, err := strconv.Atoi(m["attempts"])
	if err != nil {
		return nil, fmt.Errorf("invalid attempts for job %s: %w", m["job_id"], err)
	}
	return &domain.Job{
		UserID:    m["user_id"],
		JobID:     m["job_id"],
		Status:    domain.Status(m["status"]),
		Mode:      m["mode"],
		ObjectKey: m["object_key"],
		CreatedAt: time.Unix(createdAt, 0).UTC(),
		UpdatedAt: time.Unix(updatedAt, 0).UTC(),
		Attempts:  attempts,
		Error:     m["error"],
	}, nil
}
