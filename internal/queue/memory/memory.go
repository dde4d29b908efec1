// Package memory is an in-process WorkQueue with visibility windows, used by
// tests and single-process runs.
package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cuongbtq/mediajobs/internal/queue"
)

// ErrUnknownHandle is returned when a handle does not match a live lease.
var ErrUnknownHandle = errors.New("unknown or expired lease handle")

type entry struct {
	id             uint64
	body           []byte
	invisibleUntil time.Time
	handle         string
}

// DeadLetter is a message moved off the work path.
type DeadLetter struct {
	Body   []byte
	Reason string
}

// Queue is a FIFO with per-message leases.
type Queue struct {
	mu         sync.Mutex
	visibility time.Duration
	seq        uint64
	leaseSeq   uint64
	entries    []*entry
	dead       []DeadLetter
	notify     chan struct{}
	now        func() time.Time

	failEnqueue error
}

// New creates a queue whose leases last visibility.
func New(visibility time.Duration) *Queue {
	return &Queue{
		visibility: visibility,
		notify:     make(chan struct{}),
		now:        time.Now,
	}
}

// FailEnqueue makes every Enqueue return err until cleared with nil.
func (q *Queue) FailEnqueue(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failEnqueue = err
}

// Enqueue appends a message and wakes waiting receivers.
func (q *Queue) Enqueue(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.failEnqueue != nil {
		return q.failEnqueue
	}
	q.seq++
	q.entries = append(q.entries, &entry{id: q.seq, body: append([]byte(nil), body...)})
	q.broadcast()
	return nil
}

// Receive leases the oldest visible message, waiting up to wait.
func (q *Queue) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		msg, next := q.leaseLocked()
		notify := q.notify
		q.mu.Unlock()
		if msg != nil {
			return msg, nil
		}

		// Wake up when a lease expires even without new enqueues.
		var expiry <-chan time.Time
		var timer *time.Timer
		if next > 0 {
			timer = time.NewTimer(next)
			expiry = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-deadline.C:
			stopTimer(timer)
			return nil, nil
		case <-notify:
		case <-expiry:
		}
		stopTimer(timer)
	}
}

// leaseLocked returns a leased message, or the time until the next lease
// expires when nothing is visible.
func (q *Queue) leaseLocked() (*queue.Message, time.Duration) {
	now := q.now()
	var next time.Duration
	for _, e := range q.entries {
		if !e.invisibleUntil.After(now) {
			q.leaseSeq++
			e.handle = strconv.FormatUint(e.id, 10) + "-" + strconv.FormatUint(q.leaseSeq, 10)
			e.invisibleUntil = now.Add(q.visibility)
			return &queue.Message{
				Handle:     e.handle,
				Body:       append([]byte(nil), e.body...),
				ReceivedAt: now,
			}, 0
		}
		if d := e.invisibleUntil.Sub(now); next == 0 || d < next {
			next = d
		}
	}
	return nil, next
}

// Ack deletes the message if the lease is still current.
func (q *Queue) Ack(ctx context.Context, msg *queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.findLocked(msg.Handle)
	if i < 0 {
		return ErrUnknownHandle
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return nil
}

// Abandon keeps the message leased until its visibility window lapses.
func (q *Queue) Abandon(ctx context.Context, msg *queue.Message) error {
	return nil
}

// Extend restarts the visibility window of a live lease.
func (q *Queue) Extend(ctx context.Context, msg *queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.findLocked(msg.Handle)
	if i < 0 {
		return ErrUnknownHandle
	}
	q.entries[i].invisibleUntil = q.now().Add(q.visibility)
	return nil
}

// DeadLetter removes the message and records it with reason.
func (q *Queue) DeadLetter(ctx context.Context, msg *queue.Message, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.findLocked(msg.Handle)
	if i < 0 {
		return ErrUnknownHandle
	}
	q.dead = append(q.dead, DeadLetter{Body: q.entries[i].body, Reason: reason})
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return nil
}

// ExpireLeases makes every leased message visible again immediately.
func (q *Queue) ExpireLeases() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		e.invisibleUntil = time.Time{}
		e.handle = ""
	}
	q.broadcast()
}

// Len returns the number of messages not yet acknowledged.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DeadLetters returns the dead-lettered messages.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

func (q *Queue) findLocked(handle string) int {
	for i, e := range q.entries {
		if e.handle != "" && e.handle == handle && e.invisibleUntil.After(q.now()) {
			return i
		}
	}
	return -1
}

func (q *Queue) broadcast() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
