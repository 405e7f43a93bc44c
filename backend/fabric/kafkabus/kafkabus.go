package kafkabus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/adwski/chat-relay/backend/fabric"
	"github.com/adwski/chat-relay/backend/model"
)

const (
	defaultTopic       = "chat-relay"
	defaultGroupPrefix = "chat-relay"

	defaultWriteTimeout = 5 * time.Second
	defaultBatchTimeout = 5 * time.Millisecond
)

var (
	ErrNoBrokers  = errors.New("no kafka brokers configured")
	ErrNoInstance = errors.New("instance id is required")
)

type (
	Config struct {
		Logger      *zerolog.Logger
		Brokers     []string
		Topic       string
		GroupPrefix string
		InstanceID  string
	}

	// Bus spans processes through a single Kafka topic. Envelopes are keyed
	// by room, so one room always lands on one partition and keeps its order.
	// Every process reads the topic in a consumer group of its own, starting
	// at the newest offset, which gives broadcast without replay.
	Bus struct {
		*fabric.Router
		writer *kafka.Writer
		reader *kafka.Reader
		logger zerolog.Logger
	}
)

func New(cfg Config) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if cfg.InstanceID == "" {
		return nil, ErrNoInstance
	}
	topic := cfg.Topic
	if topic == "" {
		topic = defaultTopic
	}
	groupPrefix := cfg.GroupPrefix
	if groupPrefix == "" {
		groupPrefix = defaultGroupPrefix
	}

	return &Bus{
		Router: fabric.NewRouter(),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: defaultBatchTimeout,
			WriteTimeout: defaultWriteTimeout,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     groupPrefix + "-" + cfg.InstanceID,
			StartOffset: kafka.LastOffset,
		}),
		logger: cfg.Logger.With().Str("component", "fabric-kafka").Logger(),
	}, nil
}

func (b *Bus) Publish(ctx context.Context, env model.Envelope) error {
	raw, err := json.Marshal(&env)
	if err != nil {
		return errors.Join(model.ErrPublish, err)
	}
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.Room),
		Value: raw,
	})
	if err != nil {
		return errors.Join(model.ErrPublish, err)
	}
	return nil
}

// Run consumes the topic and forwards envelopes to local subscribers.
// A reader failure other than cancellation is reported to errc.
func (b *Bus) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		b.logger.Debug().Msg("fabric stopped")
		wg.Done()
	}()

	b.logger.Info().
		Str("topic", b.reader.Config().Topic).
		Str("group", b.reader.Config().GroupID).
		Msg("fabric started")

	for {
		m, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				b.logger.Error().Err(err).Msg("kafka reader failed")
				errc <- errors.Join(fabric.ErrUnexpected, err)
			}
			return
		}

		var env model.Envelope
		if err = json.Unmarshal(m.Value, &env); err != nil {
			b.logger.Error().Err(err).
				Int64("offset", m.Offset).
				Msg("failed to unmarshal envelope")
			continue
		}
		if env.Room == "" || string(m.Key) != string(env.Room) {
			b.logger.Error().
				Int64("offset", m.Offset).
				Str("roomID", env.Room.String()).
				Msg("envelope room does not match message key")
			continue
		}
		if !b.Dispatch(env) {
			b.logger.Trace().Str("roomID", env.Room.String()).Msg("room is not active here")
		}
	}
}

func (b *Bus) Close() error {
	return errors.Join(b.writer.Close(), b.reader.Close())
}
