package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"nooble.dev/core/envelope"
)

type (
	// Options configures the Redis broker.
	Options struct {
		// Client is the go-redis client to use. Required. The broker
		// takes ownership: Close closes it.
		Client *redis.Client

		// OpTimeout bounds non-blocking operations (push, delete, expire,
		// get, set, ping). Optional; zero leaves the caller's context in
		// charge.
		OpTimeout time.Duration
	}

	// Redis implements Broker over Redis lists and keys. Queues are lists
	// written with LPUSH and drained with BRPOP, so receipt order within
	// one queue is FIFO.
	Redis struct {
		rdb       *redis.Client
		opTimeout time.Duration
	}
)

// NewRedis validates the options and returns a Redis broker.
func NewRedis(opts Options) (*Redis, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Redis{rdb: opts.Client, opTimeout: opts.OpTimeout}, nil
}

// Push appends the payload with LPUSH.
func (r *Redis) Push(ctx context.Context, queue string, payload []byte) error {
	ctx, cancel := r.handle(ctx)
	defer cancel()
	if err := r.rdb.LPush(ctx, queue, payload).Err(); err != nil {
		return transportErr(err, "push %s", queue)
	}
	return nil
}

// Pop blocks on BRPOP across the given queues. The timeout must be
// positive: the worker loop depends on pops returning promptly so stop
// signals are observed.
func (r *Redis) Pop(ctx context.Context, timeout time.Duration, queues ...string) (string, []byte, error) {
	if len(queues) == 0 {
		return "", nil, fmt.Errorf("no queues to pop from")
	}
	if timeout <= 0 {
		return "", nil, fmt.Errorf("pop timeout must be positive")
	}
	res, err := r.rdb.BRPop(ctx, timeout, queues...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, ErrEmpty
		}
		return "", nil, transportErr(err, "pop %d queue(s)", len(queues))
	}
	if len(res) != 2 {
		return "", nil, transportErr(fmt.Errorf("unexpected reply of %d elements", len(res)), "pop")
	}
	return res[0], []byte(res[1]), nil
}

// Delete removes the key with DEL.
func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.handle(ctx)
	defer cancel()
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return transportErr(err, "delete %s", key)
	}
	return nil
}

// Expire sets the key's TTL.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := r.handle(ctx)
	defer cancel()
	if err := r.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return transportErr(err, "expire %s", key)
	}
	return nil
}

// Get reads the value stored under key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := r.handle(ctx)
	defer cancel()
	b, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, transportErr(err, "get %s", key)
	}
	return b, nil
}

// Set stores the value under key; zero ttl persists without expiry.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := r.handle(ctx)
	defer cancel()
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return transportErr(err, "set %s", key)
	}
	return nil
}

// Ping verifies the connection.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.handle(ctx)
	defer cancel()
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return transportErr(err, "ping")
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// handle bounds non-blocking operations with the configured timeout.
func (r *Redis) handle(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

// transportErr classifies a broker failure so callers can branch on the
// Transport category with envelope.IsType.
func transportErr(err error, format string, args ...any) error {
	return envelope.WrapError(envelope.ErrorTransport, err, fmt.Sprintf(format, args...))
}

var _ Broker = (*Redis)(nil)
