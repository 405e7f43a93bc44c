package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adwski/chat-relay/backend/fabric"
	"github.com/adwski/chat-relay/backend/model"
)

const (
	defaultPrefix = "relay:room:"
)

var (
	ErrConnect = errors.New("unable to connect to redis")
)

type (
	Config struct {
		Logger   *zerolog.Logger
		Addr     string
		Password string
		DB       int
		Prefix   string
	}

	// Bus spans processes through Redis pub/sub. Every process holds one
	// pattern subscription for all rooms and routes messages to the rooms
	// it has active locally.
	Bus struct {
		*fabric.Router
		rdb    *redis.Client
		ps     *redis.PubSub
		prefix string
		logger zerolog.Logger
	}
)

// New connects to redis and confirms the pattern subscription, so nothing
// published after New returns is missed.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Join(ErrConnect, err)
	}

	ps := rdb.PSubscribe(ctx, prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		_ = rdb.Close()
		return nil, errors.Join(ErrConnect, err)
	}

	return &Bus{
		Router: fabric.NewRouter(),
		rdb:    rdb,
		ps:     ps,
		prefix: prefix,
		logger: cfg.Logger.With().Str("component", "fabric-redis").Logger(),
	}, nil
}

func (b *Bus) Publish(ctx context.Context, env model.Envelope) error {
	raw, err := json.Marshal(&env)
	if err != nil {
		return errors.Join(model.ErrPublish, err)
	}
	if err = b.rdb.Publish(ctx, b.channel(env.Room), raw).Err(); err != nil {
		return errors.Join(model.ErrPublish, err)
	}
	return nil
}

// Run forwards messages from redis to local subscribers until ctx is done.
func (b *Bus) Run(ctx context.Context, wg *sync.WaitGroup, _ chan<- error) {
	defer func() {
		b.logger.Debug().Msg("fabric stopped")
		wg.Done()
	}()

	ch := b.ps.Channel()
	b.logger.Info().Str("pattern", b.prefix+"*").Msg("fabric started")

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		case msg, ok := <-ch:
			if !ok {
				break RecvLoop
			}
			var env model.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Error().Err(err).
					Str("channel", msg.Channel).
					Msg("failed to unmarshal envelope")
				continue
			}
			if env.Room == "" || b.channel(env.Room) != msg.Channel {
				b.logger.Error().
					Str("channel", msg.Channel).
					Str("roomID", env.Room.String()).
					Msg("envelope room does not match channel")
				continue
			}
			if !b.Dispatch(env) {
				b.logger.Trace().Str("roomID", env.Room.String()).Msg("room is not active here")
			}
		}
	}
}

func (b *Bus) Close() error {
	return errors.Join(b.ps.Close(), b.rdb.Close())
}

func (b *Bus) channel(room model.RoomID) string {
	return b.prefix + string(room)
}
