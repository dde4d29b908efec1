// Package queue defines the at-least-once Work Queue contract. A received
// message is leased, not removed: it stays invisible to other consumers for a
// bounded window and is redelivered unless acknowledged.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by a queue whose broker connection is gone for
// good. Workers treat it as fatal and leave recovery to process supervision.
var ErrUnavailable = errors.New("work queue unavailable")

// DefaultReceiveWait is the long-poll bound of one Receive call.
const DefaultReceiveWait = 20 * time.Second

// Message is one leased delivery.
type Message struct {
	// Handle identifies the lease; it is assigned by the queue on delivery.
	Handle     string
	Body       []byte
	ReceivedAt time.Time
}

// WorkQueue carries dispatch messages between the submission service and
// workers. Implementations must be safe for concurrent use.
type WorkQueue interface {
	// Enqueue publishes one message body.
	Enqueue(ctx context.Context, body []byte) error

	// Receive waits up to wait for at most one message. It returns (nil, nil)
	// when the wait elapsed without work.
	Receive(ctx context.Context, wait time.Duration) (*Message, error)

	// Ack removes the message for good.
	Ack(ctx context.Context, msg *Message) error

	// Abandon gives up the lease without acknowledging. The message becomes
	// deliverable again no later than lease expiry.
	Abandon(ctx context.Context, msg *Message) error

	// DeadLetter moves the message off the work path.
	DeadLetter(ctx context.Context, msg *Message, reason string) error
}

// LeaseExtender is implemented by queues whose leases can be renewed while a
// message is being processed.
type LeaseExtender interface {
	Extend(ctx context.Context, msg *Message) error
}
