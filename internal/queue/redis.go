package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// redisClient is the part of *goredis.Client the queue uses.
type redisClient interface {
	LPush(ctx context.Context, key string, values ...any) *goredis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *goredis.StringSliceCmd
	LLen(ctx context.Context, key string) *goredis.IntCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// RedisQueue is a list-backed queue: LPUSH to enqueue, BRPOP to dequeue.
// A popped message is gone, so Ack is a no-op.
type RedisQueue struct {
	rdb     redisClient
	key     string
	block   time.Duration
	closed  atomic.Bool
	closeFn func() error
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
	// Block bounds each BRPOP so Dequeue notices Close.
	Block time.Duration
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*RedisQueue, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrapf(err, "redis queue: ping %s", opts.Addr)
	}
	return newRedisQueue(rdb, opts.Key, opts.Block), nil
}

func newRedisQueue(rdb redisClient, key string, block time.Duration) *RedisQueue {
	if key == "" {
		key = "enricher:dispatch"
	}
	if block <= 0 {
		block = 5 * time.Second
	}
	return &RedisQueue{rdb: rdb, key: key, block: block, closeFn: rdb.Close}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	if q.closed.Load() {
		return ErrClosed
	}
	raw, err := encode(msg)
	if err != nil {
		return err
	}
	return eris.Wrap(q.rdb.LPush(ctx, q.key, raw).Err(), "redis queue: lpush")
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Message, error) {
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := q.rdb.BRPop(ctx, q.block, q.key).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, eris.Wrap(err, "redis queue: brpop")
		}
		if len(res) != 2 {
			return nil, eris.Errorf("redis queue: unexpected brpop reply of %d elements", len(res))
		}

		msg, err := decode([]byte(res[1]))
		if err != nil {
			return nil, err
		}
		msg.Receipt = res[1]
		msg.Attempts = 1
		return msg, nil
	}
}

func (q *RedisQueue) Ack(context.Context, *Message) error { return nil }

// Depth returns the list length.
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	return int(n), eris.Wrap(err, "redis queue: llen")
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return eris.Wrap(q.rdb.Ping(ctx).Err(), "redis queue: ping")
}

func (q *RedisQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.closeFn()
}
