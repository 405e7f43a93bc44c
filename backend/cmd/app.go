package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/adwski/chat-relay/backend/config"
	"github.com/adwski/chat-relay/backend/connection"
	"github.com/adwski/chat-relay/backend/fabric"
	"github.com/adwski/chat-relay/backend/fabric/kafkabus"
	"github.com/adwski/chat-relay/backend/fabric/memory"
	"github.com/adwski/chat-relay/backend/fabric/redisbus"
	"github.com/adwski/chat-relay/backend/metrics"
	"github.com/adwski/chat-relay/backend/registry"
	httpServer "github.com/adwski/chat-relay/backend/server/http"
	websocketServer "github.com/adwski/chat-relay/backend/server/websocket"
	"github.com/adwski/chat-relay/backend/service"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Msg("failed to load .env")
	}

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	if cfg.LogFormat == "console" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	logger = logger.Level(lvl)

	instanceID := uuid.NewString()
	logger = logger.With().Str("instance", instanceID).Logger()
	logger.Trace().Msg("effective configuration\n" + spew.Sdump(cfg.Redacted()))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fab, err := newFabric(ctx, cfg, instanceID, &logger)
	if err != nil {
		logger.Fatal().Err(err).Str("fabric", cfg.Fabric).Msg("failed to set up fabric")
	}

	reg := registry.New(registry.Config{
		Logger: &logger,
		Fabric: fab,
	})
	relayMetrics := metrics.New(reg)
	svc := service.NewService(service.Config{
		Registry:   reg,
		Publisher:  fab,
		Metrics:    relayMetrics,
		Logger:     &logger,
		InstanceID: instanceID,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		RelayService:   svc,
		Metrics:        relayMetrics.Handler(),
		ListenAddr:     cfg.APIListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		RelayService:   svc,
		ListenAddr:     cfg.WSListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		Connection: connection.Config{
			QueueSize:      cfg.SendQueueSize,
			MaxMessageSize: cfg.MaxMessageSize,
			PingInterval:   cfg.PingInterval,
			PongWait:       cfg.PongWait,
			WriteDeadline:  cfg.WriteTimeout,
		},
	})

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 3)
	)
	wg.Add(3)
	go fab.Run(ctx, wg, errc)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	svc.Shutdown()
	wg.Wait()

	if err = fab.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close fabric")
	}
}

func newFabric(ctx context.Context, cfg *config.Config, instanceID string, logger *zerolog.Logger) (fabric.Fabric, error) {
	switch cfg.Fabric {
	case config.FabricMemory:
		return memory.New(logger), nil
	case config.FabricRedis:
		return redisbus.New(ctx, redisbus.Config{
			Logger:   logger,
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	case config.FabricKafka:
		return kafkabus.New(kafkabus.Config{
			Logger:      logger,
			Brokers:     cfg.KafkaBrokers,
			Topic:       cfg.KafkaTopic,
			GroupPrefix: cfg.KafkaGroupPrefix,
			InstanceID:  instanceID,
		})
	}
	return nil, fmt.Errorf("unknown fabric %q", cfg.Fabric)
}
