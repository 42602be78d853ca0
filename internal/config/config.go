// Package config loads keeper settings from KEEPER_* environment
// variables. Command-line flags override them in the cli package.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the settings shared by the client commands and serve.
type Config struct {
	// LogURL is the base URL of the log service replicas sync against.
	LogURL string `env:"KEEPER_LOG_URL" envDefault:"http://localhost:8081"`

	// ReplicaDB is the SQLite file holding the local replica and keypair.
	ReplicaDB string `env:"KEEPER_REPLICA_DB" envDefault:"keeper.db"`

	// ListenAddr is where serve listens.
	ListenAddr string `env:"KEEPER_LISTEN_ADDR" envDefault:":8081"`

	// ServiceDB is the SQLite file of the log service.
	ServiceDB string `env:"KEEPER_SERVICE_DB" envDefault:"thekeeper.db"`

	ReadTTL  time.Duration `env:"KEEPER_READ_TTL" envDefault:"5s"`
	WriteTTL time.Duration `env:"KEEPER_WRITE_TTL" envDefault:"30s"`

	// RetryTries bounds pull attempts on transport errors. 1 disables
	// retries.
	RetryTries uint `env:"KEEPER_RETRY_TRIES" envDefault:"1"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no command can run with.
func (c Config) Validate() error {
	if c.ReadTTL <= 0 || c.WriteTTL <= 0 {
		return fmt.Errorf("config: token TTLs must be positive")
	}
	if c.RetryTries == 0 {
		return fmt.Errorf("config: KEEPER_RETRY_TRIES must be at least 1")
	}
	return nil
}
