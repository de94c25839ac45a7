// Package jobs runs report generation asynchronously: a Service accepts
// requests and records them in a StatusStore, a Queue carries them to a Pool
// of workers, and the workers render and store the documents.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"forwarding-audit-go/internal/model"
)

// ErrQueueClosed is returned once a queue has been closed
var ErrQueueClosed = errors.New("queue closed")

// Message is the payload carried from Submit to a worker
type Message struct {
	JobID      string           `json:"job_id"`
	Kind       model.ReportKind `json:"kind"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}

// Delivery is a dequeued message that must be acknowledged once the job has
// reached a terminal state. Unacknowledged deliveries may be redelivered.
type Delivery struct {
	Message Message
	ack     func(ctx context.Context) error
}

// Ack removes the message from the queue for good
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Queue carries job messages to workers
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Dequeue blocks until a message is available or ctx is done
	Dequeue(ctx context.Context) (*Delivery, error)
	Close() error
}

// MemoryQueue is a buffered channel queue. Messages are lost on restart.
type MemoryQueue struct {
	ch        chan Message
	done      chan struct{}
	closeOnce sync.Once
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue holding up to buffer pending messages
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer < 1 {
		buffer = 1
	}
	return &MemoryQueue{
		ch:   make(chan Message, buffer),
		done: make(chan struct{}),
	}
}

// Enqueue blocks while the buffer is full
func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case msg := <-q.ch:
		return &Delivery{Message: msg}, nil
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of pending messages
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
