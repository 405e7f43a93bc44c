package kafkabus

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/chat-relay/backend/model"
)

func TestNew(t *testing.T) {
	logger := zerolog.Nop()

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name:    "no brokers",
			cfg:     Config{Logger: &logger, InstanceID: "i1"},
			wantErr: ErrNoBrokers,
		},
		{
			name:    "no instance",
			cfg:     Config{Logger: &logger, Brokers: []string{"localhost:9092"}},
			wantErr: ErrNoInstance,
		},
		{
			name: "defaults",
			cfg:  Config{Logger: &logger, Brokers: []string{"localhost:9092"}, InstanceID: "i1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, err := New(tt.cfg)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = bus.Close() })

			assert.Equal(t, defaultTopic, bus.writer.Topic)
			assert.Equal(t, defaultTopic, bus.reader.Config().Topic)
			assert.Equal(t, defaultGroupPrefix+"-i1", bus.reader.Config().GroupID)
		})
	}
}

func TestBus_PublishOnClosedWriter(t *testing.T) {
	logger := zerolog.Nop()
	bus, err := New(Config{Logger: &logger, Brokers: []string{"localhost:9092"}, InstanceID: "i1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.reader.Close() })
	require.NoError(t, bus.writer.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = bus.Publish(ctx, model.NewEnvelope("lobby", model.Message{Message: "hi"}, "i1"))
	require.ErrorIs(t, err, model.ErrPublish)
}
