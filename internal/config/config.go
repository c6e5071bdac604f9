package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all server configuration.
type Config struct {
	Server  ServerConfig
	Render  RenderConfig
	Logging LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"3000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// RenderConfig holds render coordinator configuration.
type RenderConfig struct {
	DistPath   string `envconfig:"FASTBOOT_DIST_PATH"`
	Resilient  bool   `envconfig:"FASTBOOT_RESILIENT" default:"false"`
	PoolSize   int    `envconfig:"FASTBOOT_POOL_SIZE" default:"1"`
	DeadlineMs int    `envconfig:"FASTBOOT_DEADLINE_MS" default:"0"`
	ChromeURL  string `envconfig:"CHROME_CONTROL_URL"`
	Embedded   bool   `envconfig:"FASTBOOT_EMBEDDED_ENGINE" default:"false"`
	Watch      bool   `envconfig:"FASTBOOT_WATCH" default:"false"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "3000",
			Host: "0.0.0.0",
		},
		Render: RenderConfig{
			PoolSize: 1,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
