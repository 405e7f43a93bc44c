package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/chat-relay/backend/connection"
	"github.com/adwski/chat-relay/backend/fabric/memory"
	"github.com/adwski/chat-relay/backend/model"
	"github.com/adwski/chat-relay/backend/registry"
)

var idSeq atomic.Int64

type mockConn struct {
	id        string
	room      model.RoomID
	acceptErr error

	mx       sync.Mutex
	received []string
	closed   int
	reason   error
	hooks    []func()
}

func newMockConn() *mockConn {
	return &mockConn{id: fmt.Sprintf("conn-%d", idSeq.Add(1))}
}

func (m *mockConn) ID() string { return m.id }
func (m *mockConn) Room() model.RoomID { return m.room }

func (m *mockConn) Accept(_ http.ResponseWriter, _ *http.Request, room model.RoomID) error {
	if m.acceptErr != nil {
		return errors.Join(model.ErrHandshake, m.acceptErr)
	}
	m.room = room
	return nil
}

func (m *mockConn) Send(payload []byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.closed > 0 {
		return connection.ErrClosed
	}
	m.received = append(m.received, string(payload))
	return nil
}

func (m *mockConn) OnClose(fn func()) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.hooks = append(m.hooks, fn)
}

func (m *mockConn) Close(reason error) {
	m.mx.Lock()
	m.closed++
	if m.closed > 1 {
		m.mx.Unlock()
		return
	}
	m.reason = reason
	hooks := m.hooks
	m.mx.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (m *mockConn) getReceived() []string {
	m.mx.Lock()
	defer m.mx.Unlock()
	return append([]string(nil), m.received...)
}

func (m *mockConn) isClosed() bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.closed > 0
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, model.Envelope) error {
	return errors.Join(model.ErrPublish, errors.New("broker unavailable"))
}

type countingMetrics struct {
	opened, closed, published, failed, malformed atomic.Int32
}

func (m *countingMetrics) ConnectionOpened() { m.opened.Add(1) }
func (m *countingMetrics) ConnectionClosed() { m.closed.Add(1) }
func (m *countingMetrics) Malformed() { m.malformed.Add(1) }
func (m *countingMetrics) Published(err error) {
	if err != nil {
		m.failed.Add(1)
		return
	}
	m.published.Add(1)
}

type testEnv struct {
	svc     *Service
	reg     *registry.Registry
	metrics *countingMetrics
}

func newTestEnv(t *testing.T, pub Publisher) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	f := memory.New(&logger)
	if pub == nil {
		pub = f
	}
	reg := registry.New(registry.Config{Logger: &logger, Fabric: f})
	m := &countingMetrics{}
	return &testEnv{
		svc: NewService(Config{
			Registry:   reg,
			Publisher:  pub,
			Metrics:    m,
			Logger:     &logger,
			InstanceID: "test",
		}),
		reg:     reg,
		metrics: m,
	}
}

func (env *testEnv) connect(t *testing.T, room string) *mockConn {
	t.Helper()
	c := newMockConn()
	require.NoError(t, env.svc.OnConnect(room, c, nil, nil))
	return c
}

func TestService_OnConnect(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("invalid room", func(t *testing.T) {
		err := env.svc.OnConnect("bad/room", newMockConn(), nil, nil)
		require.ErrorIs(t, err, model.ErrHandshake)
		require.ErrorIs(t, err, model.ErrInvalidRoomID)
	})

	t.Run("rejected handshake", func(t *testing.T) {
		c := newMockConn()
		c.acceptErr = errors.New("origin not allowed")
		err := env.svc.OnConnect("lobby", c, nil, nil)
		require.ErrorIs(t, err, model.ErrHandshake)
		assert.Empty(t, env.reg.Members("lobby"))
	})

	t.Run("joins room", func(t *testing.T) {
		c := env.connect(t, "lobby")
		require.Len(t, env.reg.Members("lobby"), 1)
		assert.Equal(t, c.ID(), env.reg.Members("lobby")[0].ID())
		assert.Equal(t, int32(1), env.metrics.opened.Load())
	})

	t.Run("already joined", func(t *testing.T) {
		c := env.connect(t, "first")
		err := env.svc.OnConnect("second", c, nil, nil)
		require.ErrorIs(t, err, model.ErrAlreadyJoined)
		assert.True(t, c.isClosed())
	})
}

// client X connects to "lobby" and receives its own message back
func TestService_SelfEcho(t *testing.T) {
	env := newTestEnv(t, nil)
	x := env.connect(t, "lobby")

	require.NoError(t, env.svc.OnMessage(context.Background(), x, []byte(`{"message":"hi"}`)))

	require.Len(t, x.getReceived(), 1)
	assert.JSONEq(t, `{"message":"hi"}`, x.getReceived()[0])
}

// X and Y in "lobby", X sends, Y receives
func TestService_SameRoomDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	x := env.connect(t, "lobby")
	y := env.connect(t, "lobby")

	require.NoError(t, env.svc.OnMessage(context.Background(), x, []byte(`{"message":"hello","extra":true}`)))

	require.Len(t, y.getReceived(), 1)
	assert.JSONEq(t, `{"message":"hello"}`, y.getReceived()[0])
	assert.Equal(t, int32(1), env.metrics.published.Load())
}

// X in "a", Y in "b", Y receives nothing
func TestService_RoomIsolation(t *testing.T) {
	env := newTestEnv(t, nil)
	x := env.connect(t, "a")
	y := env.connect(t, "b")

	require.NoError(t, env.svc.OnMessage(context.Background(), x, []byte(`{"message":"psst"}`)))

	assert.Len(t, x.getReceived(), 1)
	assert.Empty(t, y.getReceived())
}

// X disconnects, Y still delivers to the rest of the room
func TestService_StaleMember(t *testing.T) {
	env := newTestEnv(t, nil)
	x := env.connect(t, "lobby")
	y := env.connect(t, "lobby")
	z := env.connect(t, "lobby")

	env.svc.OnDisconnect(x, 1000)
	env.svc.OnDisconnect(x, 1000)

	require.NoError(t, env.svc.OnMessage(context.Background(), y, []byte(`{"message":"still here"}`)))

	assert.Empty(t, x.getReceived())
	assert.Len(t, y.getReceived(), 1)
	assert.Len(t, z.getReceived(), 1)
	assert.Len(t, env.reg.Members("lobby"), 2)
	assert.Equal(t, int32(1), env.metrics.closed.Load())
}

func TestService_MalformedPayload(t *testing.T) {
	env := newTestEnv(t, nil)
	x := env.connect(t, "lobby")
	y := env.connect(t, "lobby")

	err := env.svc.OnMessage(context.Background(), x, []byte(`{"text":"no message field"}`))
	require.ErrorIs(t, err, model.ErrMalformedPayload)

	assert.False(t, x.isClosed())
	require.Len(t, x.getReceived(), 1)
	assert.Contains(t, x.getReceived()[0], `"error"`)
	assert.Empty(t, y.getReceived())
	assert.Equal(t, int32(1), env.metrics.malformed.Load())
}

func TestService_PublishFailure(t *testing.T) {
	env := newTestEnv(t, failingPublisher{})
	x := env.connect(t, "lobby")

	err := env.svc.OnMessage(context.Background(), x, []byte(`{"message":"hi"}`))
	require.ErrorIs(t, err, model.ErrPublish)

	assert.False(t, x.isClosed())
	require.Len(t, x.getReceived(), 1)
	assert.JSONEq(t, `{"error":"unable to publish"}`, x.getReceived()[0])
	assert.Len(t, env.reg.Members("lobby"), 1)
	assert.Equal(t, int32(1), env.metrics.failed.Load())
}

func TestService_CloseHookCleansRegistry(t *testing.T) {
	env := newTestEnv(t, nil)
	x := env.connect(t, "lobby")

	// closed without OnDisconnect, e.g. outbound overflow
	x.Close(connection.ErrOverflow)

	assert.Empty(t, env.reg.Members("lobby"))
	assert.Equal(t, int32(1), env.metrics.closed.Load())
}

func TestService_PublishExternally(t *testing.T) {
	env := newTestEnv(t, nil)
	x := env.connect(t, "lobby")

	require.NoError(t, env.svc.PublishExternally(context.Background(), "lobby", model.Message{Message: "from http"}))
	require.Len(t, x.getReceived(), 1)
	assert.JSONEq(t, `{"message":"from http"}`, x.getReceived()[0])

	err := env.svc.PublishExternally(context.Background(), "", model.Message{Message: "x"})
	require.ErrorIs(t, err, model.ErrInvalidRoomID)

	n, err := env.svc.RoomMembers("lobby")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestService_Shutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	conns := []*mockConn{env.connect(t, "a"), env.connect(t, "a"), env.connect(t, "b")}

	env.svc.Shutdown()

	for _, c := range conns {
		assert.True(t, c.isClosed())
		assert.ErrorIs(t, c.reason, connection.ErrShutdown)
	}
	rooms, members := env.reg.Stats()
	assert.Zero(t, rooms)
	assert.Zero(t, members)
}
