// Package config loads server settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	RelayNone  = "none"
	RelayRedis = "redis"
	RelayNATS  = "nats"
)

type Config struct {
	Addr        string `env:"ADDR" envDefault:":8080"`
	JWTSecret   string `env:"JWT_SECRET,required"`
	JWTIssuer   string `env:"JWT_ISSUER"`
	DatabaseURL string `env:"DATABASE_URL"`

	Relay    string `env:"RELAY" envDefault:"none"`
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	NATSURL  string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	RoomIdleGrace     time.Duration `env:"ROOM_IDLE_GRACE" envDefault:"5m"`
	DraftArchiveGrace time.Duration `env:"DRAFT_ARCHIVE_GRACE" envDefault:"10m"`
	TickInterval      time.Duration `env:"TICK_INTERVAL" envDefault:"1s"`
	DraftLeaseTTL     time.Duration `env:"DRAFT_LEASE_TTL" envDefault:"15s"`
	ChatCapacity      int           `env:"CHAT_CAPACITY" envDefault:"100"`

	RateLimit  int           `env:"RATE_LIMIT" envDefault:"30"`
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"10s"`

	NotifyWebhookURL string `env:"NOTIFY_WEBHOOK_URL"`
	NotifyWorkers    int    `env:"NOTIFY_WORKERS" envDefault:"4"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogDev       bool   `env:"LOG_DEV"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

const Prefix = "LEAGUE_LIVE_"

// Load reads envFile when it is set (a missing default .env is fine), then
// parses LEAGUE_LIVE_* variables. Variables already set in the environment
// win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("ADDR must not be empty"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must not be empty"))
	}
	switch c.Relay {
	case RelayNone, RelayRedis, RelayNATS:
	default:
		errs = append(errs, fmt.Errorf("RELAY must be one of none, redis, nats; got %q", c.Relay))
	}
	for name, d := range map[string]time.Duration{
		"HEARTBEAT_INTERVAL":  c.HeartbeatInterval,
		"ROOM_IDLE_GRACE":     c.RoomIdleGrace,
		"DRAFT_ARCHIVE_GRACE": c.DraftArchiveGrace,
		"TICK_INTERVAL":       c.TickInterval,
		"DRAFT_LEASE_TTL":     c.DraftLeaseTTL,
		"RATE_WINDOW":         c.RateWindow,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.ChatCapacity <= 0 {
		errs = append(errs, errors.New("CHAT_CAPACITY must be positive"))
	}
	if c.NotifyWorkers <= 0 {
		errs = append(errs, errors.New("NOTIFY_WORKERS must be positive"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("RATE_LIMIT must not be negative"))
	}
	return errors.Join(errs...)
}
