// Package config binds the server's environment variables to a typed struct.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	DefaultPointTarget int           `env:"PONG_DEFAULT_POINT_TARGET" envDefault:"11"`
	RoomIdleTimeout    time.Duration `env:"PONG_ROOM_IDLE_TIMEOUT" envDefault:"30m"`
	ReapInterval       time.Duration `env:"PONG_REAP_INTERVAL" envDefault:"1m"`
	GatewayTimeout     time.Duration `env:"PONG_GATEWAY_TIMEOUT" envDefault:"5s"`
	PointCacheTTL      time.Duration `env:"PONG_POINT_CACHE_TTL" envDefault:"10m"`

	SendBuffer        int           `env:"PONG_SEND_BUFFER" envDefault:"64"`
	RateLimit         int           `env:"PONG_RATE_LIMIT" envDefault:"240"`
	RateWindow        time.Duration `env:"PONG_RATE_WINDOW" envDefault:"1s"`
	ConnectionTimeout time.Duration `env:"PONG_CONNECTION_TIMEOUT" envDefault:"10m"`
	AllowedOrigins    []string      `env:"PONG_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`
}

// Load reads the given dotenv files (".env" when none are named) into the
// process environment and parses it. Missing files are skipped.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}

	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid PORT %d", c.Port)
	case c.DefaultPointTarget < 1:
		return fmt.Errorf("PONG_DEFAULT_POINT_TARGET must be at least 1, got %d", c.DefaultPointTarget)
	case c.SendBuffer < 1:
		return fmt.Errorf("PONG_SEND_BUFFER must be at least 1, got %d", c.SendBuffer)
	case c.RateLimit < 1 || c.RateWindow <= 0:
		return errors.New("PONG_RATE_LIMIT and PONG_RATE_WINDOW must be positive")
	case c.ReapInterval <= 0 || c.RoomIdleTimeout <= 0:
		return errors.New("PONG_REAP_INTERVAL and PONG_ROOM_IDLE_TIMEOUT must be positive")
	}
	return nil
}
