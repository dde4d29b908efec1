// Package rabbitmq implements queue.WorkQueue on an AMQP queue. A delivery is
// leased until it is acked or nacked; an unacknowledged delivery is requeued
// by the broker when the consumer's channel closes. Abandoned deliveries wait
// on a TTL retry queue before they return to the work queue.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/mediajobs/internal/queue"
	"github.com/cuongbtq/mediajobs/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

const contentTypeJSON = "application/json"

// broker is the subset of *rabbitmq.Client used by the queue.
type broker interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
	PublishRetry(ctx context.Context, body []byte, headers amqp.Table) error
	PublishDeadLetter(ctx context.Context, body []byte, headers amqp.Table) error
	Consume(consumerTag string) (<-chan amqp.Delivery, uint64, error)
	Ack(generation, deliveryTag uint64) error
	Nack(generation, deliveryTag uint64, requeue bool) error
	IsStale(generation uint64) bool
}

// Queue adapts a RabbitMQ client to queue.WorkQueue.
type Queue struct {
	client      broker
	consumerTag string
	logger      *slog.Logger

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
	generation uint64
}

// New returns a queue; consuming starts on the first Receive.
func New(client broker, consumerTag string, logger *slog.Logger) *Queue {
	return &Queue{
		client:      client,
		consumerTag: consumerTag,
		logger:      logger,
	}
}

// unavailable marks errors of a permanently closed client
func unavailable(err error) error {
	if errors.Is(err, rabbitmq.ErrClosed) {
		return fmt.Errorf("%w: %w", queue.ErrUnavailable, err)
	}
	return err
}

// Enqueue publishes the body to the work exchange.
func (q *Queue) Enqueue(ctx context.Context, body []byte) error {
	if err := q.client.PublishWithRetry(ctx, body, contentTypeJSON); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", unavailable(err))
	}
	return nil
}

func (q *Queue) consume() (<-chan amqp.Delivery, uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deliveries != nil {
		return q.deliveries, q.generation, nil
	}
	deliveries, generation, err := q.client.Consume(q.consumerTag)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to start consuming: %w", unavailable(err))
	}
	q.deliveries = deliveries
	q.generation = generation
	return deliveries, generation, nil
}

// Receive waits up to wait for one delivery.
func (q *Queue) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	deliveries, generation, err := q.consume()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case delivery, ok := <-deliveries:
		if !ok {
			// The channel closed; the next Receive consumes on its replacement.
			q.mu.Lock()
			q.deliveries = nil
			q.mu.Unlock()
			return nil, fmt.Errorf("rabbitmq delivery channel closed")
		}
		return &queue.Message{
			Handle:     formatHandle(generation, delivery.DeliveryTag),
			Body:       delivery.Body,
			ReceivedAt: time.Now(),
		}, nil
	}
}

// formatHandle encodes the channel generation with the delivery tag, since
// tags are only meaningful on the channel that issued them
func formatHandle(generation, tag uint64) string {
	return strconv.FormatUint(generation, 10) + "." + strconv.FormatUint(tag, 10)
}

func parseHandle(msg *queue.Message) (uint64, uint64, error) {
	genStr, tagStr, ok := strings.Cut(msg.Handle, ".")
	if !ok {
		return 0, 0, fmt.Errorf("invalid delivery tag %q", msg.Handle)
	}
	generation, err := strconv.ParseUint(genStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid delivery tag %q: %w", msg.Handle, err)
	}
	tag, err := strconv.ParseUint(tagStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid delivery tag %q: %w", msg.Handle, err)
	}
	return generation, tag, nil
}

// Ack acknowledges the delivery.
func (q *Queue) Ack(ctx context.Context, msg *queue.Message) error {
	generation, tag, err := parseHandle(msg)
	if err != nil {
		return err
	}
	if err := q.client.Ack(generation, tag); err != nil {
		return fmt.Errorf("failed to ack delivery %s: %w", msg.Handle, unavailable(err))
	}
	return nil
}

// Abandon parks the delivery on the retry queue and acks the original, so it
// is redelivered once the retry delay has passed. When the retry publish
// fails it falls back to an immediate requeue.
func (q *Queue) Abandon(ctx context.Context, msg *queue.Message) error {
	generation, tag, err := parseHandle(msg)
	if err != nil {
		return err
	}
	if q.client.IsStale(generation) {
		// The broker requeued it when the old channel closed.
		return nil
	}

	headers := amqp.Table{"x-abandoned-at": time.Now().UTC().Unix()}
	if err := q.client.PublishRetry(ctx, msg.Body, headers); err != nil {
		q.logger.Warn("Failed to park delivery on retry queue, requeueing instead",
			slog.String("handle", msg.Handle),
			slog.Any("error", err),
		)
		if err := q.client.Nack(generation, tag, true); err != nil {
			return fmt.Errorf("failed to requeue delivery %s: %w", msg.Handle, unavailable(err))
		}
		return nil
	}

	if err := q.client.Ack(generation, tag); err != nil {
		return fmt.Errorf("failed to ack retried delivery %s: %w", msg.Handle, unavailable(err))
	}
	return nil
}

// DeadLetter publishes the body with the reason to the dead-letter exchange,
// then acks the original delivery.
func (q *Queue) DeadLetter(ctx context.Context, msg *queue.Message, reason string) error {
	generation, tag, err := parseHandle(msg)
	if err != nil {
		return err
	}

	headers := amqp.Table{
		"x-failure-reason": reason,
		"x-failed-at":      time.Now().UTC().Unix(),
	}
	if err := q.client.PublishDeadLetter(ctx, msg.Body, headers); err != nil {
		// Fall back to the queue's x-dead-letter-exchange binding.
		q.logger.Warn("Failed to publish dead letter, rejecting delivery instead",
			slog.String("handle", msg.Handle),
			slog.Any("error", err),
		)
		if nackErr := q.client.Nack(generation, tag, false); nackErr != nil {
			return fmt.Errorf("failed to dead-letter delivery %s: %w", msg.Handle, unavailable(nackErr))
		}
		return nil
	}

	if err := q.client.Ack(generation, tag); err != nil {
		return fmt.Errorf("failed to ack dead-lettered delivery %s: %w", msg.Handle, unavailable(err))
	}

	q.logger.Warn("Message dead-lettered",
		slog.String("handle", msg.Handle),
		slog.String("reason", reason),
	)
	return nil
}
