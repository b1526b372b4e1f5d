package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nooble.dev/core/broker"
	"nooble.dev/core/envelope"
	"nooble.dev/core/naming"
)

// fakeBroker records pushes and serves scripted pops.
type fakeBroker struct {
	mu      sync.Mutex
	pushes  map[string][][]byte
	pushErr error
	popFn   func(queues ...string) (string, []byte, error)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{pushes: make(map[string][][]byte)}
}

func (f *fakeBroker) Push(_ context.Context, queue string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes[queue] = append(f.pushes[queue], payload)
	return nil
}

func (f *fakeBroker) Pop(_ context.Context, _ time.Duration, queues ...string) (string, []byte, error) {
	if f.popFn != nil {
		return f.popFn(queues...)
	}
	return "", nil, broker.ErrEmpty
}

func (f *fakeBroker) Delete(context.Context, string) error { return nil }
func (f *fakeBroker) Expire(context.Context, string, time.Duration) error {
	return nil
}
func (f *fakeBroker) Get(context.Context, string) ([]byte, error) {
	return nil, broker.ErrNotFound
}
func (f *fakeBroker) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}
func (f *fakeBroker) Ping(context.Context) error { return nil }
func (f *fakeBroker) Close() error               { return nil }

func (f *fakeBroker) pushed(queue string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes[queue]
}

func newTestClient(t *testing.T, b broker.Broker, opts ...Option) *Client {
	t.Helper()
	n, err := naming.New("nooble", "test")
	require.NoError(t, err)
	c, err := New(b, n, "orchestrator", opts...)
	require.NoError(t, err)
	return c
}

func TestNewValidation(t *testing.T) {
	n, err := naming.New("nooble", "test")
	require.NoError(t, err)

	_, err = New(nil, n, "orchestrator")
	require.Error(t, err)
	_, err = New(newFakeBroker(), nil, "orchestrator")
	require.Error(t, err)
	_, err = New(newFakeBroker(), n, "Orchestrator")
	require.Error(t, err)
}

func TestSendRoutesAndStamps(t *testing.T) {
	fb := newFakeBroker()
	c := newTestClient(t, fb)

	action, err := envelope.NewAction("management.agent.get_config", map[string]any{"agent_id": "a1"})
	require.NoError(t, err)
	require.NoError(t, c.Send(context.Background(), action))

	assert.Equal(t, "orchestrator", action.OriginService)
	pushed := fb.pushed("nooble:test:management:actions:main")
	require.Len(t, pushed, 1)

	got, err := envelope.UnmarshalAction(pushed[0])
	require.NoError(t, err)
	assert.Equal(t, action.ID, got.ID)
	assert.Equal(t, envelope.IntentFireAndForget, got.Intent())
}

func TestSendTransportFailure(t *testing.T) {
	fb := newFakeBroker()
	fb.pushErr = envelope.WrapError(envelope.ErrorTransport, errors.New("connection refused"), "push")
	c := newTestClient(t, fb)

	action, err := envelope.NewAction("management.agent.get_config", nil)
	require.NoError(t, err)
	err = c.Send(context.Background(), action)
	require.Error(t, err)
	assert.True(t, envelope.IsType(err, envelope.ErrorTransport))
}

func TestSendRejectsForeignOrigin(t *testing.T) {
	c := newTestClient(t, newFakeBroker())

	action, err := envelope.NewAction("management.agent.get_config", nil)
	require.NoError(t, err)
	require.NoError(t, action.SetOrigin("conversation"))

	err = c.Send(context.Background(), action)
	require.Error(t, err)
	assert.True(t, envelope.IsType(err, envelope.ErrorValidation))
}

func TestCallSetsPseudoSyncSignal(t *testing.T) {
	fb := newFakeBroker()
	c := newTestClient(t, fb)

	action, err := envelope.NewAction("management.agent.get_config", nil)
	require.NoError(t, err)
	resp, err := c.Call(context.Background(), action, 10*time.Millisecond)
	require.NoError(t, err)

	// No responder: the pop times out and a Timeout response is
	// synthesized.
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, envelope.ErrorTimeout, resp.Error.Type)
	assert.Equal(t, action.CorrelationID, resp.CorrelationID)

	// The envelope on the wire carries the response queue alone: the
	// pseudo-sync wire signal.
	require.NoError(t, uuidErr(action.CorrelationID))
	wantQueue := "nooble:test:orchestrator:responses:management_agent_get_config:" + action.CorrelationID
	assert.Equal(t, wantQueue, action.CallbackQueue)
	assert.Empty(t, action.CallbackType)

	pushed := fb.pushed("nooble:test:management:actions:main")
	require.Len(t, pushed, 1)
	got, err := envelope.UnmarshalAction(pushed[0])
	require.NoError(t, err)
	assert.Equal(t, envelope.IntentPseudoSync, got.Intent())
}

func TestCallCorrelationMismatchRejected(t *testing.T) {
	fb := newFakeBroker()
	fb.popFn = func(queues ...string) (string, []byte, error) {
		stray := &envelope.ActionResponse{
			ActionID:      uuid.New().String(),
			CorrelationID: uuid.New().String(),
			TraceID:       uuid.New().String(),
			Success:       true,
			Timestamp:     envelope.Now(),
		}
		payload, err := envelope.MarshalResponse(stray)
		if err != nil {
			return "", nil, err
		}
		return queues[0], payload, nil
	}
	c := newTestClient(t, fb)

	action, err := envelope.NewAction("management.agent.get_config", nil)
	require.NoError(t, err)
	resp, err := c.Call(context.Background(), action, time.Second)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, envelope.ErrorValidation, resp.Error.Type)
}

func TestCallMalformedResponseSynthesized(t *testing.T) {
	fb := newFakeBroker()
	fb.popFn = func(queues ...string) (string, []byte, error) {
		return queues[0], []byte("not json"), nil
	}
	c := newTestClient(t, fb)

	action, err := envelope.NewAction("management.agent.get_config", nil)
	require.NoError(t, err)
	resp, err := c.Call(context.Background(), action, time.Second)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, envelope.ErrorValidation, resp.Error.Type)
}

func TestCallTransportFailureSynthesized(t *testing.T) {
	fb := newFakeBroker()
	fb.popFn = func(...string) (string, []byte, error) {
		return "", nil, envelope.WrapError(envelope.ErrorTransport, errors.New("broken pipe"), "pop")
	}
	c := newTestClient(t, fb)

	action, err := envelope.NewAction("management.agent.get_config", nil)
	require.NoError(t, err)
	resp, err := c.Call(context.Background(), action, time.Second)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, envelope.ErrorTransport, resp.Error.Type)
}

func TestCallKeepsCallerCorrelationID(t *testing.T) {
	fb := newFakeBroker()
	c := newTestClient(t, fb)
	corr := uuid.New().String()

	action, err := envelope.NewAction("management.agent.get_config", nil,
		envelope.WithCorrelationID(corr))
	require.NoError(t, err)
	resp, err := c.Call(context.Background(), action, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, corr, action.CorrelationID)
	assert.Equal(t, corr, resp.CorrelationID)
	assert.True(t, strings.HasSuffix(action.CallbackQueue, ":"+corr))
}

func TestSendWithCallbackSetsBothFields(t *testing.T) {
	fb := newFakeBroker()
	c := newTestClient(t, fb)

	action, err := envelope.NewAction("embed.generate", map[string]any{"texts": []string{"hi"}})
	require.NoError(t, err)
	require.NoError(t, c.SendWithCallback(context.Background(), action,
		"embed-done", "ingest.embeddings.ready", "task-7"))

	assert.Equal(t, "nooble:test:orchestrator:callbacks:embed-done:task-7", action.CallbackQueue)
	assert.Equal(t, "ingest.embeddings.ready", action.CallbackType)
	assert.NotEmpty(t, action.CorrelationID)

	pushed := fb.pushed("nooble:test:embed:actions:main")
	require.Len(t, pushed, 1)
	got, err := envelope.UnmarshalAction(pushed[0])
	require.NoError(t, err)
	assert.Equal(t, envelope.IntentCallback, got.Intent())
}

func TestSendWithCallbackRejectsBadCallbackType(t *testing.T) {
	c := newTestClient(t, newFakeBroker())

	action, err := envelope.NewAction("embed.generate", nil)
	require.NoError(t, err)
	err = c.SendWithCallback(context.Background(), action, "embed-done", "not-dotted", "task-7")
	require.Error(t, err)
	assert.True(t, envelope.IsType(err, envelope.ErrorValidation))
}

// TestCallEndToEnd runs a full pseudo-sync exchange against an in-process
// Redis: a responder goroutine plays the worker's part.
func TestCallEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b, err := broker.NewRedis(broker.Options{Client: rdb})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	n, err := naming.New("nooble", "test")
	require.NoError(t, err)
	c, err := New(b, n, "orchestrator")
	require.NoError(t, err)

	actionQueue, err := n.ActionQueue("management")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		ctx := context.Background()
		_, payload, err := b.Pop(ctx, 5*time.Second, actionQueue)
		if err != nil {
			done <- err
			return
		}
		req, err := envelope.UnmarshalAction(payload)
		if err != nil {
			done <- err
			return
		}
		resp, err := envelope.NewResponse(req, map[string]any{"name": "bot", "model": "m"})
		if err != nil {
			done <- err
			return
		}
		out, err := envelope.MarshalResponse(resp)
		if err != nil {
			done <- err
			return
		}
		done <- b.Push(ctx, req.CallbackQueue, out)
	}()

	action, err := envelope.NewAction("management.agent.get_config",
		map[string]any{"agent_id": "a1"}, envelope.WithTenant("t1"))
	require.NoError(t, err)
	resp, err := c.Call(context.Background(), action, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.True(t, resp.Success)
	assert.Equal(t, action.CorrelationID, resp.CorrelationID)
	assert.Equal(t, action.TraceID, resp.TraceID)
	assert.JSONEq(t, `{"name":"bot","model":"m"}`, string(resp.Data))
}

func uuidErr(id string) error {
	_, err := uuid.Parse(id)
	return err
}
