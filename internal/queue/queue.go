// Package queue carries batch dispatch messages from the HTTP front end to
// workers. Delivery is at-least-once for the postgres backend and
// at-most-once for memory and redis; the batch claim makes a duplicate
// delivery a no-op either way.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// ErrClosed is returned by Dequeue and Enqueue after Close.
var ErrClosed = eris.New("queue: closed")

// Message asks a worker to run one batch.
type Message struct {
	JobID       string    `json:"job_id"`
	BatchID     string    `json:"batch_id"`
	BatchNumber int       `json:"batch_number"`
	EnqueuedAt  time.Time `json:"enqueued_at"`

	// Receipt identifies the delivery to Ack; set by the backend.
	Receipt  string `json:"-"`
	Attempts int    `json:"-"`
}

// Queue is a dispatch queue backend.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Dequeue blocks until a message is available, ctx is done or the queue
	// is closed.
	Dequeue(ctx context.Context) (*Message, error)
	Ack(ctx context.Context, msg *Message) error
	Ping(ctx context.Context) error
	Close() error
}

func encode(msg Message) ([]byte, error) {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(msg)
	return raw, eris.Wrap(err, "queue: encode message")
}

func decode(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, eris.Wrap(err, "queue: decode message")
	}
	return &msg, nil
}
