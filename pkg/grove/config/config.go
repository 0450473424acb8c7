// Package config loads server configuration from the environment and wires
// the matching repository implementation.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grovecms/grove/pkg/grove"
	"github.com/grovecms/grove/pkg/grove/repo/memory"
	"github.com/grovecms/grove/pkg/grove/repo/postgres"
)

// ServerConfig is the environment-driven configuration of the server and
// the background processor.
//
//	PORT                  - HTTP port (default: 8080)
//	ENVIRONMENT           - Runtime environment (default: development)
//	DATABASE_URL          - postgres:// connection string; empty uses the
//	                        in-memory repository
//	PROCESSOR_INTERVAL    - dirty-entity sweep interval (default: 10s)
//	PROCESSOR_BATCH_SIZE  - entities per sweep batch (default: 100)
type ServerConfig struct {
	Port               string        `env:"PORT" env-default:"8080"`
	Environment        string        `env:"ENVIRONMENT" env-default:"development"`
	DatabaseURL        string        `env:"DATABASE_URL" env-default:""`
	ProcessorInterval  time.Duration `env:"PROCESSOR_INTERVAL" env-default:"10s"`
	ProcessorBatchSize int           `env:"PROCESSOR_BATCH_SIZE" env-default:"100"`
}

// Load reads the configuration from the environment.
func Load() (*ServerConfig, error) {
	var cfg ServerConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port must not be empty")
	}
	if c.DatabaseURL != "" &&
		!strings.HasPrefix(c.DatabaseURL, "postgres://") &&
		!strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return fmt.Errorf("unsupported database url %q", c.DatabaseURL)
	}
	return nil
}

// BuildRepository constructs the repository the configuration names: a
// pgx-backed PostgreSQL repository when DATABASE_URL is set, the in-memory
// repository otherwise.
func (c *ServerConfig) BuildRepository(ctx context.Context) (grove.Repository, error) {
	if c.DatabaseURL == "" {
		return memory.New(), nil
	}
	pool, err := pgxpool.New(ctx, c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return postgres.New(pool), nil
}
