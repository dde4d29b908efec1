// Package bootstrap opens the job store, work queue and object store selected
// by configuration. Both services build their dependencies through it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mediajobs/internal/config"
	"github.com/cuongbtq/mediajobs/internal/objectstore"
	"github.com/cuongbtq/mediajobs/internal/objectstore/local"
	s3store "github.com/cuongbtq/mediajobs/internal/objectstore/s3"
	"github.com/cuongbtq/mediajobs/internal/queue"
	rabbitqueue "github.com/cuongbtq/mediajobs/internal/queue/rabbitmq"
	redisqueue "github.com/cuongbtq/mediajobs/internal/queue/redis"
	"github.com/cuongbtq/mediajobs/internal/storage"
	pgstore "github.com/cuongbtq/mediajobs/internal/storage/postgres"
	redisstore "github.com/cuongbtq/mediajobs/internal/storage/redis"
	"github.com/cuongbtq/mediajobs/shared/postgresql"
	"github.com/cuongbtq/mediajobs/shared/rabbitmq"
	sharedredis "github.com/cuongbtq/mediajobs/shared/redis"
	goredis "github.com/redis/go-redis/v9"
)

// Backends holds the opened capabilities and the clients behind them.
type Backends struct {
	Jobs    storage.JobStore
	Queue   queue.WorkQueue
	Objects objectstore.ObjectStore
	// LocalObjects is set when the filesystem object store is selected.
	LocalObjects *local.Store
	HealthChecks map[string]func(ctx context.Context) error

	logger  *slog.Logger
	redis   *goredis.Client
	closers []func() error
}

// Open connects every configured backend. consumer names this process on the
// queue (rabbitmq consumer tag or redis group consumer). On error, whatever was
// already opened is closed.
func Open(ctx context.Context, cfg *config.Config, consumer string, logger *slog.Logger) (*Backends, error) {
	b := &Backends{
		logger:       logger,
		HealthChecks: make(map[string]func(ctx context.Context) error),
	}

	if err := b.openJobStore(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openWorkQueue(ctx, cfg, consumer); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openObjectStore(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backends) openJobStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.JobStore.Backend {
	case config.BackendPostgres:
		client, err := postgresql.NewClient(ctx, postgresConfig(&cfg.Database), b.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		b.closers = append(b.closers, func() error {
			b.logger.Info("PostgreSQL pool stats", client.StatsAttrs()...)
			return client.Close()
		})
		b.HealthChecks["database"] = client.HealthCheck

		store := pgstore.NewStorage(client.GetDB(), b.logger)
		if cfg.JobStore.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}
			b.logger.Info("Job store schema applied")
		}
		b.Jobs = store

	case config.BackendRedis:
		client, err := b.redisClient(cfg)
		if err != nil {
			return err
		}
		b.Jobs = redisstore.NewStorage(client, b.logger)

	default:
		return fmt.Errorf("unsupported job_store backend %q", cfg.JobStore.Backend)
	}
	return nil
}

func (b *Backends) openWorkQueue(ctx context.Context, cfg *config.Config, consumer string) error {
	switch cfg.WorkQueue.Backend {
	case config.BackendRabbitMQ:
		client, err := rabbitmq.NewClient(rabbitConfig(&cfg.RabbitMQ, cfg.WorkQueue.Visibility), b.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		b.HealthChecks["rabbitmq"] = func(ctx context.Context) error {
			if client.IsClosed() {
				return errors.New("rabbitmq client gave up reconnecting")
			}
			if !client.IsConnected() {
				return errors.New("rabbitmq connection is closed")
			}
			return nil
		}
		b.Queue = rabbitqueue.New(client, consumer, b.logger)

	case config.BackendRedis:
		client, err := b.redisClient(cfg)
		if err != nil {
			return err
		}
		q, err := redisqueue.New(ctx, client, redisqueue.Config{
			Stream:           cfg.WorkQueue.Stream,
			Group:            cfg.WorkQueue.Group,
			Consumer:         consumer,
			DeadLetterStream: cfg.WorkQueue.DeadLetterStream,
			Visibility:       cfg.WorkQueue.Visibility,
		}, b.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize redis queue: %w", err)
		}
		b.Queue = q

	default:
		return fmt.Errorf("unsupported work_queue backend %q", cfg.WorkQueue.Backend)
	}
	return nil
}

func (b *Backends) openObjectStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Storage.Backend {
	case config.BackendS3:
		s3cfg := cfg.Storage.S3
		store, err := s3store.New(ctx, s3store.Config{
			Region:          s3cfg.Region,
			Bucket:          s3cfg.Bucket,
			Endpoint:        s3cfg.Endpoint,
			UsePathStyle:    s3cfg.UsePathStyle,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
		}, b.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize S3: %w", err)
		}
		b.Objects = store

	case config.BackendLocal:
		store, err := local.New(local.Config{
			Root:       cfg.Storage.Local.Root,
			BaseURL:    cfg.Storage.Local.BaseURL,
			SigningKey: cfg.Storage.Local.SigningKey,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize local storage: %w", err)
		}
		b.logger.Info("Local object store configured", slog.String("root", cfg.Storage.Local.Root))
		b.Objects = store
		b.LocalObjects = store

	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
	return nil
}

// redisClient returns the process-wide Redis client, connecting on first use.
func (b *Backends) redisClient(cfg *config.Config) (*goredis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}

	client, err := sharedredis.NewClient(&sharedredis.Config{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
	}, b.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	b.redis = client
	b.closers = append(b.closers, client.Close)
	b.HealthChecks["redis"] = func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	return client, nil
}

// Close releases every opened client in reverse order.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			b.logger.Warn("Failed to close backend", slog.String("error", err.Error()))
		}
	}
	b.closers = nil
}

func postgresConfig(cfg *config.DatabaseConfig) *postgresql.Config {
	return &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

// rabbitConfig maps the YAML section onto the client. Abandoned deliveries
// wait retryDelay on the retry queue before they are redelivered.
func rabbitConfig(cfg *config.RabbitMQConfig, retryDelay time.Duration) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.DeadLetter.Exchange,
		DeadLetterQueue:    cfg.DeadLetter.Queue,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		RetryQueue:         cfg.RetryQueue,
		RetryDelay:         retryDelay,
	}
}
