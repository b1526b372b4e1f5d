// Package broker defines the transport substrate of the communication
// core: atomic list push, blocking multi-queue pop, per-key TTL and a
// small key/value surface for handler state. Any broker offering these
// primitives is a valid substrate; the Redis implementation in this
// package is the production one.
//
// Connections are injected through this interface, never acquired from
// globals. One broker handle per process is the norm; operations are
// atomic at the broker level and safe for concurrent use.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmpty is returned by Pop when no message arrived within the
	// timeout.
	ErrEmpty = errors.New("no message available")

	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("key not found")
)

// Broker is the transport handle shared by producer clients and consumer
// workers.
type Broker interface {
	// Push appends the payload to the queue. The push is atomic and
	// non-blocking.
	Push(ctx context.Context, queue string, payload []byte) error

	// Pop blocks up to timeout for one message from any of the given
	// queues and returns the queue it came from and the payload. Each
	// message is delivered to exactly one caller, which is what gives
	// multiple workers on one queue competing-consumer semantics. Returns
	// ErrEmpty when the timeout elapses with no message.
	Pop(ctx context.Context, timeout time.Duration, queues ...string) (string, []byte, error)

	// Delete removes a key (queue or value) entirely.
	Delete(ctx context.Context, key string) error

	// Expire sets the time-to-live of a key. Responders use it to bound
	// the life of orphaned response queues.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Get reads the value stored under key. Returns ErrNotFound when the
	// key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value under key. A zero ttl persists the key without
	// expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Ping verifies the connection.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
