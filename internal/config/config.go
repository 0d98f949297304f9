// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config aggregates all service configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Chain    ChainConfig
	Pool     PoolConfig
	Rates    RatesConfig
	Logging  LoggingConfig
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST,default=0.0.0.0"`
	Port            int           `env:"SERVER_PORT,default=8080"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=10s"`
	RateLimitRPS    int           `env:"SERVER_RATE_LIMIT_RPS,default=20"`
	RateLimitBurst  int           `env:"SERVER_RATE_LIMIT_BURST,default=40"`
}

// DatabaseConfig controls the relational store. An empty DSN selects the
// in-memory store (local development and tests).
type DatabaseConfig struct {
	Driver          string `env:"DATABASE_DRIVER,default=postgres"`
	DSN             string `env:"DATABASE_URL"`
	MaxOpenConns    int    `env:"DATABASE_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int    `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime int    `env:"DATABASE_CONN_MAX_LIFETIME_SECONDS,default=300"`
}

// ChainConfig controls ledger RPC access.
type ChainConfig struct {
	RPCURL           string        `env:"CHAIN_RPC_URL,default=http://127.0.0.1:7545"`
	RegistryContract string        `env:"CHAIN_REGISTRY_CONTRACT"`
	CharityAddress   string        `env:"CHAIN_CHARITY_ADDRESS"`
	RequestTimeout   time.Duration `env:"CHAIN_REQUEST_TIMEOUT,default=15s"`
	ReceiptTimeout   time.Duration `env:"CHAIN_RECEIPT_TIMEOUT,default=30s"`
	ReceiptInterval  time.Duration `env:"CHAIN_RECEIPT_INTERVAL,default=2s"`
	MaxReceiptPolls  int           `env:"CHAIN_MAX_RECEIPT_POLLS,default=10"`
}

// PoolConfig describes the pre-provisioned identity pool used for onboarding.
// Addresses and credentials are parallel semicolon-separated lists.
type PoolConfig struct {
	Addresses       []string `env:"POOL_ADDRESSES"`
	Credentials     []string `env:"POOL_CREDENTIALS"`
	ExpectedBalance string   `env:"POOL_EXPECTED_BALANCE_WEI,default=100000000000000000000"`
	DriftTolerance  string   `env:"POOL_DRIFT_TOLERANCE_WEI,default=1000000000000000000"`
	StatePath       string   `env:"POOL_STATE_PATH,default=./data/allocation_state.json"`
}

// RatesConfig controls the advisory fiat rate provider.
type RatesConfig struct {
	Endpoint string        `env:"RATES_ENDPOINT,default=https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=brl"`
	JSONPath string        `env:"RATES_JSON_PATH,default=ethereum.brl"`
	MaxAge   time.Duration `env:"RATES_MAX_AGE,default=2m"`
	Timeout  time.Duration `env:"RATES_TIMEOUT,default=5s"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=text"`
	Output string `env:"LOG_OUTPUT,default=stdout"`
}

// Load reads configuration from the environment, honouring a local .env file
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Pool.Addresses) != len(c.Pool.Credentials) {
		return fmt.Errorf("pool misconfigured: %d addresses but %d credentials",
			len(c.Pool.Addresses), len(c.Pool.Credentials))
	}
	for i, addr := range c.Pool.Addresses {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("pool address at slot %d is empty", i)
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}
