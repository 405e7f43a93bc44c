package connection

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/chat-relay/backend/model"
)

const (
	defaultQueueSize      = 256
	defaultMaxMessageSize = 4096

	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 15 * time.Second
	defaultPongWait     = 20 * time.Second
)

var (
	ErrClosed      = errors.New("connection is closed")
	ErrOverflow    = errors.New("outbound queue is full")
	ErrShutdown    = errors.New("server is shutting down")
	ErrNotAccepted = errors.New("connection is not in connecting state")
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type (
	// Transport is the part of *websocket.Conn a Connection relies on.
	Transport interface {
		ReadMessage() (int, []byte, error)
		WriteMessage(messageType int, data []byte) error
		WriteControl(messageType int, data []byte, deadline time.Time) error
		SetReadLimit(limit int64)
		SetReadDeadline(t time.Time) error
		SetWriteDeadline(t time.Time) error
		SetPongHandler(h func(appData string) error)
		Close() error
	}

	Upgrader interface {
		Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error)
	}

	Config struct {
		Logger         *zerolog.Logger
		Upgrader       Upgrader
		QueueSize      int
		MaxMessageSize int64
		PingInterval   time.Duration
		PongWait       time.Duration
		WriteDeadline  time.Duration
	}

	// Connection is one client's live link. Outbound frames go through a
	// bounded queue drained by WriteLoop; a full queue closes the connection.
	Connection struct {
		upgrader  Upgrader
		transport Transport
		room      model.RoomID
		out       chan []byte
		done      chan struct{}
		closeOnce *sync.Once
		mx        *sync.Mutex
		onClose   []func()
		hooksRun  bool
		logger    zerolog.Logger
		id        string
		state     atomic.Int32

		maxMessageSize int64
		pingInterval   time.Duration
		pongWait       time.Duration
		writeDeadline  time.Duration
	}
)

func New(cfg Config) *Connection {
	c := &Connection{
		id:             uuid.NewString(),
		upgrader:       cfg.Upgrader,
		out:            make(chan []byte, withDefault(cfg.QueueSize, defaultQueueSize)),
		done:           make(chan struct{}),
		closeOnce:      &sync.Once{},
		mx:             &sync.Mutex{},
		maxMessageSize: withDefault(cfg.MaxMessageSize, defaultMaxMessageSize),
		pingInterval:   withDefault(cfg.PingInterval, defaultPingInterval),
		pongWait:       withDefault(cfg.PongWait, defaultPongWait),
		writeDeadline:  withDefault(cfg.WriteDeadline, defaultWriteDeadline),
	}
	c.logger = cfg.Logger.With().Str("connID", c.id).Logger()
	return c
}

func withDefault[T int | int64 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func (c *Connection) ID() string { return c.id }

// Room is set once by Accept.
func (c *Connection) Room() model.RoomID { return c.room }

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) Logger() *zerolog.Logger { return &c.logger }

// Accept completes the websocket handshake for room. On failure the
// upgrader has already answered the HTTP request.
func (c *Connection) Accept(w http.ResponseWriter, r *http.Request, room model.RoomID) error {
	if c.State() != StateConnecting {
		return errors.Join(model.ErrHandshake, ErrNotAccepted)
	}
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.Close(err)
		return errors.Join(model.ErrHandshake, err)
	}
	if !c.attach(room, conn) {
		_ = conn.Close()
		return errors.Join(model.ErrHandshake, ErrClosed)
	}
	return nil
}

func (c *Connection) attach(room model.RoomID, t Transport) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.room = room
	c.transport = t
	c.logger = c.logger.With().Str("roomID", room.String()).Logger()
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// Send enqueues payload without blocking. Sending to a connection that is
// no longer open is refused with ErrClosed.
func (c *Connection) Send(payload []byte) error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	select {
	case c.out <- payload:
		return nil
	default:
		c.logger.Warn().Int("queueSize", cap(c.out)).Msg("outbound queue overflow, closing connection")
		go c.Close(ErrOverflow)
		return ErrOverflow
	}
}

// Receive yields inbound frames. The sequence ends cleanly when the peer
// closes normally or the connection is closed locally, and ends with an
// ErrTransport error on abnormal closure. Only one Receive may run at a time.
func (c *Connection) Receive() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if c.State() != StateOpen {
			return
		}
		c.transport.SetReadLimit(c.maxMessageSize)
		readDeadLineFunc := func() error {
			return c.transport.SetReadDeadline(time.Now().Add(c.pongWait))
		}
		c.transport.SetPongHandler(func(string) error {
			c.logger.Trace().Msg("got pong")
			return readDeadLineFunc()
		})
		if err := readDeadLineFunc(); err != nil {
			yield(nil, errors.Join(model.ErrTransport, err))
			return
		}

		for {
			typ, msg, err := c.transport.ReadMessage()
			if err != nil {
				if c.State() >= StateClosing || websocket.IsCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseNoStatusReceived) {
					c.logger.Debug().Err(err).Msg("connection closed")
					return
				}
				yield(nil, errors.Join(model.ErrTransport, err))
				return
			}
			if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// WriteLoop drains the outbound queue and keeps the link alive with pings.
// It returns when the connection closes or ctx is done, closing the
// connection in the latter case.
func (c *Connection) WriteLoop(ctx context.Context) {
	if c.State() != StateOpen {
		return
	}
	pingTicker := time.NewTicker(c.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			c.Close(errors.Join(ErrShutdown, ctx.Err()))
			return
		case <-pingTicker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				c.logger.Error().Err(err).Msg("failed to send ping")
				c.Close(errors.Join(model.ErrTransport, err))
				return
			}
			c.logger.Trace().Msg("ping sent")
		case msg := <-c.out:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Error().Err(err).Msg("failed to write outgoing message")
				c.Close(errors.Join(model.ErrTransport, err))
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	if err := c.transport.SetWriteDeadline(time.Now().Add(c.writeDeadline)); err != nil {
		return err
	}
	return c.transport.WriteMessage(messageType, data)
}

// OnClose registers fn to run when the connection closes, before it
// reports Closed. If hooks already ran, fn runs immediately.
func (c *Connection) OnClose(fn func()) {
	c.mx.Lock()
	if !c.hooksRun {
		c.onClose = append(c.onClose, fn)
		c.mx.Unlock()
		return
	}
	c.mx.Unlock()
	fn()
}

// Close tears the connection down. It is idempotent and safe to call
// concurrently with Send. A nil reason is a normal closure.
func (c *Connection) Close(reason error) {
	c.closeOnce.Do(func() {
		c.mx.Lock()
		prev := State(c.state.Swap(int32(StateClosing)))
		transport, logger := c.transport, c.logger
		c.mx.Unlock()
		close(c.done)

		if transport != nil {
			closeTransport(transport, reason, &logger)
		}

		c.mx.Lock()
		hooks := c.onClose
		c.onClose = nil
		c.hooksRun = true
		c.mx.Unlock()
		// hooks run while Closing, Closed means cleanup is done
		for _, fn := range hooks {
			fn()
		}
		c.state.Store(int32(StateClosed))

		ev := logger.Debug()
		if reason != nil {
			ev = ev.Err(reason)
		}
		ev.Stringer("from", prev).Msg("connection closed")
	})
}

func closeTransport(t Transport, reason error, logger *zerolog.Logger) {
	if !errors.Is(reason, model.ErrTransport) {
		msg := websocket.FormatCloseMessage(CloseCode(reason), closeText(reason))
		err := t.WriteControl(websocket.CloseMessage, msg, time.Now().Add(defaultCloseWriteDeadline))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			logger.Debug().Err(err).Msg("failed to send close frame")
		}
	}
	if err := t.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}

// CloseCode maps a close reason to the websocket status sent to the peer.
func CloseCode(reason error) int {
	switch {
	case reason == nil:
		return websocket.CloseNormalClosure
	case errors.Is(reason, ErrOverflow):
		return websocket.CloseTryAgainLater
	case errors.Is(reason, ErrShutdown),
		errors.Is(reason, context.Canceled),
		errors.Is(reason, context.DeadlineExceeded):
		return websocket.CloseGoingAway
	case errors.Is(reason, model.ErrTransport):
		return websocket.CloseAbnormalClosure
	}
	return websocket.CloseInternalServerErr
}

func closeText(reason error) string {
	switch {
	case reason == nil:
		return ""
	case errors.Is(reason, ErrOverflow):
		return ErrOverflow.Error()
	case errors.Is(reason, ErrShutdown):
		return ErrShutdown.Error()
	}
	return "internal error"
}
