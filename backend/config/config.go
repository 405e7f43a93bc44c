package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	FabricMemory = "memory"
	FabricRedis  = "redis"
	FabricKafka  = "kafka"

	redacted = "<redacted>"
)

var (
	ErrInvalid = errors.New("invalid configuration")
)

type Config struct {
	APIListenAddr string
	WSListenAddr  string
	LogLevel      string
	LogFormat     string

	Fabric string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaGroupPrefix string

	AllowedOrigins []string

	SendQueueSize  int
	MaxMessageSize int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteTimeout   time.Duration
}

// Parse reads flags from args. Every flag defaults from its environment
// variable, so env only applies where the flag is not given.
func Parse(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("chat-relay", pflag.ContinueOnError)
	cfg := &Config{}

	fs.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a",
		getEnv("RELAY_API_ADDR", ":8080"), "api listen address")
	fs.StringVarP(&cfg.WSListenAddr, "ws-listen-addr", "w",
		getEnv("RELAY_WS_ADDR", ":8888"), "websocket listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l",
		getEnv("RELAY_LOG_LEVEL", "debug"), "log level")
	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("RELAY_LOG_FORMAT", "json"), "log format: json or console")

	fs.StringVar(&cfg.Fabric, "fabric",
		getEnv("RELAY_FABRIC", FabricMemory), "broadcast fabric: memory, redis or kafka")

	fs.StringVar(&cfg.RedisAddr, "redis-addr",
		getEnv("RELAY_REDIS_ADDR", "localhost:6379"), "redis address")
	fs.StringVar(&cfg.RedisPassword, "redis-password",
		getEnv("RELAY_REDIS_PASSWORD", ""), "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db",
		getEnvInt("RELAY_REDIS_DB", 0), "redis database")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix",
		getEnv("RELAY_REDIS_PREFIX", "relay:room:"), "redis channel prefix")

	fs.StringSliceVar(&cfg.KafkaBrokers, "kafka-brokers",
		splitCSV(getEnv("RELAY_KAFKA_BROKERS", "localhost:9092")), "kafka brokers")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic",
		getEnv("RELAY_KAFKA_TOPIC", "chat-relay"), "kafka topic")
	fs.StringVar(&cfg.KafkaGroupPrefix, "kafka-group-prefix",
		getEnv("RELAY_KAFKA_GROUP_PREFIX", "chat-relay"), "kafka consumer group prefix")

	fs.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins",
		splitCSV(getEnv("RELAY_ALLOWED_ORIGINS", "http://localhost:3000")), "allowed origins, * allows all")

	fs.IntVar(&cfg.SendQueueSize, "send-queue-size",
		getEnvInt("RELAY_SEND_QUEUE_SIZE", 256), "per connection outbound queue size")
	fs.Int64Var(&cfg.MaxMessageSize, "max-message-size",
		int64(getEnvInt("RELAY_MAX_MESSAGE_SIZE", 4096)), "max inbound frame size in bytes")
	fs.DurationVar(&cfg.PingInterval, "ping-interval",
		getEnvDuration("RELAY_PING_INTERVAL", 15*time.Second), "websocket ping interval")
	fs.DurationVar(&cfg.PongWait, "pong-wait",
		getEnvDuration("RELAY_PONG_WAIT", 20*time.Second), "websocket pong wait")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout",
		getEnvDuration("RELAY_WRITE_TIMEOUT", 5*time.Second), "websocket write timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Redacted returns a copy of cfg that is safe to log.
func (cfg *Config) Redacted() Config {
	out := *cfg
	if out.RedisPassword != "" {
		out.RedisPassword = redacted
	}
	return out
}

func (cfg *Config) validate() error {
	var errs []error
	switch cfg.Fabric {
	case FabricMemory, FabricRedis:
	case FabricKafka:
		if len(cfg.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("kafka fabric requires at least one broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown fabric %q", cfg.Fabric))
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("unknown log format %q", cfg.LogFormat))
	}
	if cfg.SendQueueSize <= 0 {
		errs = append(errs, errors.New("send queue size must be positive"))
	}
	if cfg.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max message size must be positive"))
	}
	if cfg.PingInterval <= 0 || cfg.PongWait <= cfg.PingInterval {
		errs = append(errs, errors.New("pong wait must be longer than a positive ping interval"))
	}
	if cfg.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write timeout must be positive"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalid}, errs...)...)
	}
	return nil
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
