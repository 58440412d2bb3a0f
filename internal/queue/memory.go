package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process queue for single-binary deployments and
// tests. Messages are lost on restart.
type MemoryQueue struct {
	ch     chan Message
	done   chan struct{}
	closed sync.Once
}

// NewMemory creates a MemoryQueue holding up to buffer messages.
func NewMemory(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 100
	}
	return &MemoryQueue{
		ch:   make(chan Message, buffer),
		done: make(chan struct{}),
	}
}

// Enqueue blocks while the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Message, error) {
	select {
	case msg := <-q.ch:
		msg.Attempts = 1
		return &msg, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(context.Context, *Message) error { return nil }

func (q *MemoryQueue) Ping(context.Context) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
		return nil
	}
}

// Len reports the number of buffered messages.
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Depth is Len in the shape the monitor expects.
func (q *MemoryQueue) Depth(context.Context) (int, error) { return q.Len(), nil }

func (q *MemoryQueue) Close() error {
	q.closed.Do(func() { close(q.done) })
	return nil
}
