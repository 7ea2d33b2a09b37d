// Package config loads process configuration for fabric agents.
// Priority: environment variables > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds process-wide fabric configuration.
type Config struct {
	// Ledger
	LedgerNetwork    string `env:"LEDGER_NETWORK" envDefault:"testnet"` // testnet | mainnet
	LedgerGatewayURL string `env:"LEDGER_GATEWAY_URL"`                  // topic submission gateway

	// Bus
	BusURL               string `env:"BUS_URL" envDefault:"nats://localhost:4222"`
	UseOffChainMessaging bool   `env:"USE_OFFCHAIN_MESSAGING" envDefault:"true"`

	// Agent card
	AgentName        string   `env:"AGENT_NAME"`
	AgentDescription string   `env:"AGENT_DESCRIPTION"`
	Capabilities     []string `env:"AGENT_CAPABILITIES" envSeparator:","`

	// Peer table
	PeersFile string `env:"PEERS_FILE" envDefault:"peers.yaml"`

	// Extra ledger topics monitored at the slower connection cadence
	// (legacy connection topics, shared channels).
	ConnectionTopics []string `env:"CONNECTION_TOPICS" envSeparator:","`

	// Polling cadence. The defaults stay comfortably under the mirror
	// node's rate ceiling; raising them is at your own risk.
	InboundPollInterval    time.Duration `env:"INBOUND_POLL_INTERVAL" envDefault:"10s"`
	ConnectionPollInterval time.Duration `env:"CONNECTION_POLL_INTERVAL" envDefault:"15s"`

	// Message store policy
	StoreRetention     time.Duration `env:"STORE_RETENTION" envDefault:"1h"`
	StoreSweepInterval time.Duration `env:"STORE_SWEEP_INTERVAL" envDefault:"5m"`

	// Operational surface
	StatusAddr string `env:"STATUS_ADDR" envDefault:":3002"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the optional .env file and the environment.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.LedgerNetwork {
	case "testnet", "mainnet":
	default:
		return fmt.Errorf("LEDGER_NETWORK must be testnet or mainnet (got %q)", c.LedgerNetwork)
	}
	if c.InboundPollInterval < time.Second {
		return fmt.Errorf("INBOUND_POLL_INTERVAL must be >= 1s, got %s", c.InboundPollInterval)
	}
	if c.ConnectionPollInterval < time.Second {
		return fmt.Errorf("CONNECTION_POLL_INTERVAL must be >= 1s, got %s", c.ConnectionPollInterval)
	}
	if c.StoreRetention <= 0 {
		return fmt.Errorf("STORE_RETENTION must be positive, got %s", c.StoreRetention)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be json or pretty (got %q)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the loaded configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("ledger_network", c.LedgerNetwork).
		Str("bus_url", c.BusURL).
		Bool("use_offchain_messaging", c.UseOffChainMessaging).
		Str("agent_name", c.AgentName).
		Str("peers_file", c.PeersFile).
		Dur("inbound_poll_interval", c.InboundPollInterval).
		Dur("connection_poll_interval", c.ConnectionPollInterval).
		Dur("store_retention", c.StoreRetention).
		Str("status_addr", c.StatusAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Fabric configuration loaded")
}
