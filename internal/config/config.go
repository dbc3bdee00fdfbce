package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

type Config struct {
	APIAddr    string `env:"API_ADDR"    envDefault:":8080"`
	AdminAddr  string `env:"ADMIN_ADDR"  envDefault:"localhost:8081"`
	InstanceID string `env:"INSTANCE_ID"`

	JWTSecret    string `env:"JWT_SECRET"`
	JWTAlgorithm string `env:"JWT_ALGORITHM" envDefault:"HS256"`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"bolt"`
	BoltPath      string `env:"BOLT_PATH"      envDefault:"palsrelay.db"`
	DatabaseURL   string `env:"DATABASE_URL"`

	PresenceDriver string `env:"PRESENCE_DRIVER" envDefault:"memory"`
	BridgeDriver   string `env:"BRIDGE_DRIVER"   envDefault:"local"`
	RedisURL       string `env:"REDIS_URL"       envDefault:"redis://localhost:6379/0"`
	NATSURL        string `env:"NATS_URL"        envDefault:"nats://localhost:4222"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	PresenceTTL       time.Duration `env:"PRESENCE_TTL"`
	TypingTTL         time.Duration `env:"TYPING_TTL"         envDefault:"3s"`
	SendQueueSize     int           `env:"SEND_QUEUE_SIZE"    envDefault:"64"`
	EchoToSender      bool          `env:"ECHO_TO_SENDER"     envDefault:"false"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
}

// Load reads the configuration from the environment and fills derived
// defaults. Validation is skipped in CLI mode, where only the admin
// address and the token settings are used.
func Load(cliMode bool) (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.PresenceTTL == 0 {
		cfg.PresenceTTL = 5 * cfg.HeartbeatInterval
	}

	if cliMode {
		return &cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	switch c.StorageDriver {
	case "bolt":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres storage driver")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q (use bolt or postgres)", c.StorageDriver)
	}

	switch c.PresenceDriver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown PRESENCE_DRIVER %q (use memory or redis)", c.PresenceDriver)
	}

	switch c.BridgeDriver {
	case "local", "redis", "nats":
	default:
		return fmt.Errorf("unknown BRIDGE_DRIVER %q (use local, redis or nats)", c.BridgeDriver)
	}

	if c.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be greater than 0")
	}
	if c.PresenceTTL <= c.HeartbeatInterval {
		return errors.New("PRESENCE_TTL must exceed HEARTBEAT_INTERVAL")
	}
	if c.TypingTTL <= 0 {
		return errors.New("TYPING_TTL must be greater than 0")
	}
	if c.SendQueueSize <= 0 {
		return errors.New("SEND_QUEUE_SIZE must be greater than 0")
	}

	return nil
}

// NeedsRedis reports whether any driver talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.PresenceDriver == "redis" || c.BridgeDriver == "redis"
}
