package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/mediajobs/internal/config"
	"github.com/cuongbtq/mediajobs/internal/domain"
	redisqueue "github.com/cuongbtq/mediajobs/internal/queue/redis"
	redisstore "github.com/cuongbtq/mediajobs/internal/storage/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localRedisConfig(t *testing.T, mr *miniredis.Miniredis) *config.Config {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := &config.Config{
		Redis:     config.RedisConfig{Host: mr.Host(), Port: port},
		JobStore:  config.JobStoreConfig{Backend: config.BackendRedis},
		WorkQueue: config.WorkQueueConfig{Backend: config.BackendRedis},
		Storage: config.StorageConfig{
			Backend: config.BackendLocal,
			Local: config.LocalStorageConfig{
				Root:       t.TempDir(),
				BaseURL:    "http://localhost:8080",
				SigningKey: "k",
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestOpen_RedisAndLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b, err := Open(context.Background(), localRedisConfig(t, mr), "test-consumer", logger)
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &redisstore.Storage{}, b.Jobs)
	assert.IsType(t, &redisqueue.Queue{}, b.Queue)
	require.NotNil(t, b.LocalObjects)
	assert.Same(t, b.LocalObjects, b.Objects)

	require.Contains(t, b.HealthChecks, "redis")
	assert.Len(t, b.HealthChecks, 1, "store and queue share one redis client")
	assert.NoError(t, b.HealthChecks["redis"](context.Background()))

	// The opened capabilities work end to end.
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	job := &domain.Job{
		UserID:    "user-1",
		JobID:     "job-1",
		Status:    domain.JobStatusPending,
		Mode:      "text",
		ObjectKey: domain.ObjectKey("user-1", "job-1", "a.txt"),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, b.Jobs.CreateJob(ctx, job))
	body, err := domain.DispatchFor(job).Encode()
	require.NoError(t, err)
	require.NoError(t, b.Queue.Enqueue(ctx, body))

	msg, err := b.Queue.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.JSONEq(t, string(body), string(msg.Body))
}

func TestOpen_UnsupportedBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := localRedisConfig(t, mr)
	cfg.Storage.Backend = "gcs"

	_, err := Open(context.Background(), cfg, "test-consumer", logger)
	assert.ErrorContains(t, err, `unsupported storage backend "gcs"`)
}

func TestOpen_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := localRedisConfig(t, mr)
	mr.Close()

	_, err := Open(context.Background(), cfg, "test-consumer", logger)
	assert.ErrorContains(t, err, "failed to initialize Redis")
}

func TestRabbitConfig_RetryQueueWaitsForVisibility(t *testing.T) {
	cfg := &config.Config{}
	cfg.RabbitMQ.Queue.Name = "media.jobs"
	cfg.WorkQueue.Visibility = 90 * time.Second
	cfg.ApplyDefaults()

	got := rabbitConfig(&cfg.RabbitMQ, cfg.WorkQueue.Visibility)
	assert.Equal(t, "media.jobs", got.QueueName)
	assert.Equal(t, "media.jobs.retry", got.RetryQueue)
	assert.Equal(t, 90*time.Second, got.RetryDelay)
}
