package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nooble.dev/core/envelope"
)

func newTestBroker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b, err := NewRedis(Options{Client: rdb})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestNewRedisRequiresClient(t *testing.T) {
	_, err := NewRedis(Options{})
	require.Error(t, err)
}

func TestPushPopFIFO(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, "q1", []byte("first")))
	require.NoError(t, b.Push(ctx, "q1", []byte("second")))
	require.NoError(t, b.Push(ctx, "q1", []byte("third")))

	for _, want := range []string{"first", "second", "third"} {
		queue, payload, err := b.Pop(ctx, time.Second, "q1")
		require.NoError(t, err)
		assert.Equal(t, "q1", queue)
		assert.Equal(t, want, string(payload))
	}
}

func TestPopTimeout(t *testing.T) {
	b, _ := newTestBroker(t)

	start := time.Now()
	_, _, err := b.Pop(context.Background(), time.Second, "empty")
	assert.ErrorIs(t, err, ErrEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestPopMultiQueue(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, "q2", []byte("from-q2")))

	queue, payload, err := b.Pop(ctx, time.Second, "q1", "q2")
	require.NoError(t, err)
	assert.Equal(t, "q2", queue)
	assert.Equal(t, "from-q2", string(payload))
}

func TestPopValidatesArguments(t *testing.T) {
	b, _ := newTestBroker(t)

	_, _, err := b.Pop(context.Background(), time.Second)
	require.Error(t, err)
	_, _, err = b.Pop(context.Background(), 0, "q1")
	require.Error(t, err)
}

func TestGetSetDelete(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Set(ctx, "k", []byte(`{"count":1}`), 0))
	v, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"count":1}`, string(v))

	require.NoError(t, b.Delete(ctx, "k"))
	_, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpireReclaimsKey(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, "orphan", []byte("response")))
	require.NoError(t, b.Expire(ctx, "orphan", 5*time.Minute))
	assert.Equal(t, 5*time.Minute, mr.TTL("orphan"))

	mr.FastForward(5 * time.Minute)
	assert.False(t, mr.Exists("orphan"))
}

func TestSetWithTTL(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(time.Minute)
	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransportClassification(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b, err := NewRedis(Options{Client: rdb})
	require.NoError(t, err)
	mr.Close()

	err = b.Push(context.Background(), "q", []byte("x"))
	require.Error(t, err)
	assert.True(t, envelope.IsType(err, envelope.ErrorTransport))

	_, _, err = b.Pop(context.Background(), time.Second, "q")
	require.Error(t, err)
	assert.True(t, envelope.IsType(err, envelope.ErrorTransport))
}
