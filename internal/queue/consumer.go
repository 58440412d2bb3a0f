package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one message. Its error is logged; the message is acked
// regardless, since the batch row records the outcome.
type Handler func(ctx context.Context, msg Message) error

// Consumer pulls messages and runs the handler on up to Concurrency of them
// at a time.
type Consumer struct {
	queue       Queue
	handler     Handler
	concurrency int
	errBackoff  time.Duration
}

// NewConsumer creates a Consumer.
func NewConsumer(q Queue, h Handler, concurrency int) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Consumer{queue: q, handler: h, concurrency: concurrency, errBackoff: time.Second}
}

// Run consumes until ctx is cancelled or the queue is closed, then waits for
// in-flight handlers. It returns nil on a clean shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	log := zap.L().With(zap.Int("concurrency", c.concurrency))
	log.Info("queue: consumer started")

	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)

	for {
		msg, err := c.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				break
			}
			log.Warn("queue: dequeue failed", zap.Error(err))
			if !sleepCtx(ctx, c.errBackoff) {
				break
			}
			continue
		}

		// Blocks while Concurrency handlers are running.
		g.Go(func() error {
			c.handle(ctx, msg)
			return nil
		})
	}

	_ = g.Wait()
	log.Info("queue: consumer stopped")
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg *Message) {
	log := zap.L().With(
		zap.String("job_id", msg.JobID),
		zap.String("batch_id", msg.BatchID),
		zap.Int("batch_number", msg.BatchNumber),
		zap.Int("attempts", msg.Attempts),
	)
	defer func() {
		if p := recover(); p != nil {
			log.Error("queue: handler panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
		if err := c.queue.Ack(context.WithoutCancel(ctx), msg); err != nil {
			log.Warn("queue: ack failed", zap.Error(err))
		}
	}()

	if err := c.handler(ctx, *msg); err != nil {
		log.Error("queue: handler failed", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
