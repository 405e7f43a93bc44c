package service

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adwski/chat-relay/backend/connection"
	"github.com/adwski/chat-relay/backend/model"
	"github.com/adwski/chat-relay/backend/registry"
)

var (
	ErrJoin = errors.New("unable to join room")
)

type (
	Registry interface {
		Join(room model.RoomID, m registry.Member) error
		Leave(room model.RoomID, m registry.Member)
		Members(room model.RoomID) []registry.Member
	}

	Publisher interface {
		Publish(ctx context.Context, env model.Envelope) error
	}

	// Conn is a client connection as driven by the service.
	Conn interface {
		registry.Member
		Room() model.RoomID
		Accept(w http.ResponseWriter, r *http.Request, room model.RoomID) error
		OnClose(fn func())
		Close(reason error)
	}

	Metrics interface {
		ConnectionOpened()
		ConnectionClosed()
		Published(err error)
		Malformed()
	}

	Service struct {
		registry   Registry
		publisher  Publisher
		metrics    Metrics
		conns      *sync.Map // conn id -> Conn
		instanceID string
		logger     zerolog.Logger
	}

	Config struct {
		Registry   Registry
		Publisher  Publisher
		Metrics    Metrics
		Logger     *zerolog.Logger
		InstanceID string
	}
)

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = noopMetrics{}
	}
	return &Service{
		registry:   cfg.Registry,
		publisher:  cfg.Publisher,
		metrics:    m,
		conns:      &sync.Map{},
		instanceID: cfg.InstanceID,
		logger:     cfg.Logger.With().Str("component", "relay").Logger(),
	}
}

// OnConnect validates the room, completes the handshake and joins the room.
// An invalid room is rejected before the handshake, so the caller still
// owns the HTTP response in that case.
func (svc *Service) OnConnect(rawRoom string, c Conn, w http.ResponseWriter, r *http.Request) error {
	room, err := model.ParseRoomID(rawRoom)
	if err != nil {
		return errors.Join(model.ErrHandshake, err)
	}
	if err = c.Accept(w, r, room); err != nil {
		return err
	}

	if err = svc.registry.Join(room, c); err != nil {
		svc.logger.Error().Err(err).
			Str("roomID", room.String()).
			Str("connID", c.ID()).
			Msg("failed to join room")
		c.Close(err)
		return errors.Join(ErrJoin, err)
	}

	svc.conns.Store(c.ID(), c)
	svc.metrics.ConnectionOpened()
	// cleanup must happen on every path to Closed, not only OnDisconnect
	c.OnClose(func() {
		svc.registry.Leave(room, c)
		if _, ok := svc.conns.LoadAndDelete(c.ID()); ok {
			svc.metrics.ConnectionClosed()
		}
	})

	svc.logger.Debug().
		Str("roomID", room.String()).
		Str("connID", c.ID()).
		Msg("connection joined room")
	return nil
}

// OnMessage relays a raw client frame to the sender's room. Malformed frames
// and publish failures are reported to the sender only, the connection
// stays open in both cases.
func (svc *Service) OnMessage(ctx context.Context, c Conn, raw []byte) error {
	msg, err := model.ParseMessage(raw)
	if err != nil {
		svc.metrics.Malformed()
		svc.logger.Warn().Err(err).
			Str("roomID", c.Room().String()).
			Str("connID", c.ID()).
			Msg("malformed payload")
		svc.notify(c, err)
		return err
	}

	env := model.NewEnvelope(c.Room(), msg, svc.instanceID)
	err = svc.publisher.Publish(ctx, env)
	svc.metrics.Published(err)
	if err != nil {
		svc.logger.Error().Err(err).
			Str("roomID", c.Room().String()).
			Str("connID", c.ID()).
			Msg("failed to publish message")
		svc.notify(c, model.ErrPublish)
		return err
	}

	svc.logger.Trace().
		Str("roomID", c.Room().String()).
		Str("connID", c.ID()).
		Msg("message published")
	return nil
}

// OnDisconnect removes c from its room and closes it. Safe to call
// more than once.
func (svc *Service) OnDisconnect(c Conn, code int) {
	svc.registry.Leave(c.Room(), c)
	c.Close(nil)
	svc.logger.Debug().
		Str("roomID", c.Room().String()).
		Str("connID", c.ID()).
		Int("code", code).
		Msg("connection disconnected")
}

// PublishExternally injects a message into a room on behalf of a
// collaborating layer, e.g. the HTTP chat-send endpoint.
func (svc *Service) PublishExternally(ctx context.Context, rawRoom string, msg model.Message) error {
	room, err := model.ParseRoomID(rawRoom)
	if err != nil {
		return err
	}
	err = svc.publisher.Publish(ctx, model.NewEnvelope(room, msg, svc.instanceID))
	svc.metrics.Published(err)
	if err != nil {
		svc.logger.Error().Err(err).Str("roomID", room.String()).Msg("failed to publish external message")
		return err
	}
	return nil
}

// RoomMembers returns the number of members of a room held by this process.
func (svc *Service) RoomMembers(rawRoom string) (int, error) {
	room, err := model.ParseRoomID(rawRoom)
	if err != nil {
		return 0, err
	}
	return len(svc.registry.Members(room)), nil
}

// Shutdown closes every live connection. Close hooks take care of
// registry cleanup.
func (svc *Service) Shutdown() {
	var n int
	svc.conns.Range(func(_, v any) bool {
		v.(Conn).Close(connection.ErrShutdown)
		n++
		return true
	})
	svc.logger.Debug().Int("connections", n).Msg("connections closed")
}

func (svc *Service) notify(c Conn, err error) {
	if errS := c.Send(model.NewErrorFrame(err)); errS != nil {
		svc.logger.Debug().Err(errS).Str("connID", c.ID()).Msg("failed to notify sender")
	}
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened() {}
func (noopMetrics) ConnectionClosed() {}
func (noopMetrics) Published(error) {}
func (noopMetrics) Malformed() {}
