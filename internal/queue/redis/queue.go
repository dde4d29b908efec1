// Package redis implements queue.WorkQueue on a Redis Stream consumer group.
// Entries delivered to a consumer stay in the group's pending list until
// acknowledged; entries idle for longer than the visibility window are
// reclaimed by the next Receive, which gives SQS-style lease expiry.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/mediajobs/internal/queue"
	goredis "github.com/redis/go-redis/v9"
)

const bodyField = "body"

// Config holds stream and consumer group names.
type Config struct {
	Stream           string
	Group            string
	Consumer         string
	DeadLetterStream string
	Visibility       time.Duration
}

// Queue is a WorkQueue backed by XADD / XREADGROUP / XAUTOCLAIM / XACK.
type Queue struct {
	client *goredis.Client
	config Config
	logger *slog.Logger
}

// New creates the consumer group if it does not exist yet.
func New(ctx context.Context, client *goredis.Client, config Config, logger *slog.Logger) (*Queue, error) {
	err := client.XGroupCreateMkStream(ctx, config.Stream, config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger.Info("Redis stream queue ready",
		slog.String("stream", config.Stream),
		slog.String("group", config.Group),
		slog.String("consumer", config.Consumer),
		slog.Duration("visibility", config.Visibility),
	)

	return &Queue{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// Enqueue appends the body to the stream.
func (q *Queue) Enqueue(ctx context.Context, body []byte) error {
	id, err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.config.Stream,
		Values: map[string]interface{}{bodyField: string(body)},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	q.logger.Debug("Message enqueued",
		slog.String("stream", q.config.Stream),
		slog.String("message_id", id),
	)
	return nil
}

// Receive first reclaims one expired lease, then blocks on new entries.
func (q *Queue) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.config.Stream,
		Group:    q.config.Group,
		Consumer: q.config.Consumer,
		MinIdle:  q.config.Visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to reclaim expired messages: %w", err)
	}
	if len(claimed) > 0 {
		q.logger.Info("Reclaimed message after lease expiry",
			slog.String("message_id", claimed[0].ID),
		)
		return toMessage(claimed[0]), nil
	}

	streams, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.config.Group,
		Consumer: q.config.Consumer,
		Streams:  []string{q.config.Stream, ">"},
		Count:    1,
		Block:    wait,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, stream := range streams {
		for _, m := range stream.Messages {
			return toMessage(m), nil
		}
	}
	return nil, nil
}

// Ack acknowledges and deletes the entry.
func (q *Queue) Ack(ctx context.Context, msg *queue.Message) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.config.Stream, q.config.Group, msg.Handle)
	pipe.XDel(ctx, q.config.Stream, msg.Handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", msg.Handle, err)
	}
	return nil
}

// Abandon leaves the entry pending; it is reclaimed once idle past the
// visibility window.
func (q *Queue) Abandon(ctx context.Context, msg *queue.Message) error {
	return nil
}

// Extend resets the entry's idle time by claiming it again for this consumer.
func (q *Queue) Extend(ctx context.Context, msg *queue.Message) error {
	err := q.client.XClaimJustID(ctx, &goredis.XClaimArgs{
		Stream:   q.config.Stream,
		Group:    q.config.Group,
		Consumer: q.config.Consumer,
		MinIdle:  0,
		Messages: []string{msg.Handle},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to extend lease of %s: %w", msg.Handle, err)
	}
	return nil
}

// DeadLetter copies the entry to the dead-letter stream and removes it.
func (q *Queue) DeadLetter(ctx context.Context, msg *queue.Message, reason string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.config.DeadLetterStream,
		Values: map[string]interface{}{
			bodyField:   string(msg.Body),
			"reason":    reason,
			"source_id": msg.Handle,
			"failed_at": time.Now().UTC().Unix(),
		},
	})
	pipe.XAck(ctx, q.config.Stream, q.config.Group, msg.Handle)
	pipe.XDel(ctx, q.config.Stream, msg.Handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter message %s: %w", msg.Handle, err)
	}

	q.logger.Warn("Message dead-lettered",
		slog.String("message_id", msg.Handle),
		slog.String("reason", reason),
	)
	return nil
}

func toMessage(m goredis.XMessage) *queue.Message {
	body, _ := m.Values[bodyField].(string)
	return &queue.Message{
		Handle:     m.ID,
		Body:       []byte(body),
		ReceivedAt: time.Now(),
	}
}
