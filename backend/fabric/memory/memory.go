package memory

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adwski/chat-relay/backend/fabric"
	"github.com/adwski/chat-relay/backend/model"
)

// Fabric is the single-process fabric: Publish dispatches directly
// to local subscribers on the caller's goroutine.
type Fabric struct {
	*fabric.Router
	logger zerolog.Logger
}

func New(logger *zerolog.Logger) *Fabric {
	return &Fabric{
		Router: fabric.NewRouter(),
		logger: logger.With().Str("component", "fabric-memory").Logger(),
	}
}

func (f *Fabric) Publish(_ context.Context, env model.Envelope) error {
	if !f.Dispatch(env) {
		f.logger.Debug().
			Str("roomID", env.Room.String()).
			Msg("envelope did not reach anyone")
	}
	return nil
}

func (f *Fabric) Run(ctx context.Context, wg *sync.WaitGroup, _ chan<- error) {
	defer func() {
		f.logger.Debug().Msg("fabric stopped")
		wg.Done()
	}()
	f.logger.Info().Msg("fabric started")
	<-ctx.Done()
}

func (f *Fabric) Close() error {
	return nil
}
