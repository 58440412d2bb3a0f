package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-enricher/internal/db"
)

// PostgresQueue stores messages in the dispatch_queue table. A dequeued row
// is leased for Lease; if it is not acked in time another worker receives
// it again.
type PostgresQueue struct {
	pool         db.Pool
	name         string
	pollInterval time.Duration
	lease        time.Duration
}

// PostgresOptions tunes a PostgresQueue.
type PostgresOptions struct {
	Name         string
	PollInterval time.Duration
	Lease        time.Duration
}

// NewPostgres creates a PostgresQueue. The table is created by the store
// migration.
func NewPostgres(pool db.Pool, opts PostgresOptions) *PostgresQueue {
	if opts.Name == "" {
		opts.Name = "enricher:dispatch"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Minute
	}
	return &PostgresQueue{
		pool:         pool,
		name:         opts.Name,
		pollInterval: opts.PollInterval,
		lease:        opts.Lease,
	}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, msg Message) error {
	raw, err := encode(msg)
	if err != nil {
		return err
	}
	_, err = q.pool.Exec(ctx,
		`INSERT INTO dispatch_queue (queue, payload) VALUES ($1, $2)`,
		q.name, raw,
	)
	return eris.Wrap(err, "postgres queue: enqueue")
}

// Dequeue polls until a row is available.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Message, error) {
	for {
		msg, err := q.tryDequeue(ctx)
		if err != nil || msg != nil {
			return msg, err
		}
		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryDequeue leases the oldest visible row, skipping rows another worker
// has locked.
func (q *PostgresQueue) tryDequeue(ctx context.Context) (*Message, error) {
	var (
		id       int64
		payload  []byte
		attempts int
	)
	err := q.pool.QueryRow(ctx, `
		UPDATE dispatch_queue
		SET locked_until = now() + make_interval(secs => $2), attempts = attempts + 1
		WHERE id = (
			SELECT id FROM dispatch_queue
			WHERE queue = $1 AND (locked_until IS NULL OR locked_until < now())
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload, attempts`,
		q.name, q.lease.Seconds(),
	).Scan(&id, &payload, &attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres queue: dequeue")
	}

	msg, err := decode(payload)
	if err != nil {
		// Poison row: drop it so it cannot wedge the queue.
		_, _ = q.pool.Exec(ctx, `DELETE FROM dispatch_queue WHERE id = $1`, id)
		return nil, eris.Wrapf(err, "postgres queue: row %d", id)
	}
	msg.Receipt = strconv.FormatInt(id, 10)
	msg.Attempts = attempts
	return msg, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, msg *Message) error {
	id, err := strconv.ParseInt(msg.Receipt, 10, 64)
	if err != nil {
		return eris.Wrapf(err, "postgres queue: bad receipt %q", msg.Receipt)
	}
	_, err = q.pool.Exec(ctx, `DELETE FROM dispatch_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres queue: ack")
}

// Depth returns the number of queued rows, leased or not.
func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, `SELECT count(*) FROM dispatch_queue WHERE queue = $1`, q.name).Scan(&n)
	return n, eris.Wrap(err, "postgres queue: depth")
}

func (q *PostgresQueue) Ping(ctx context.Context) error {
	return eris.Wrap(q.pool.Ping(ctx), "postgres queue: ping")
}

// Close is a no-op; the pool belongs to the store.
func (q *PostgresQueue) Close() error { return nil }
