// Package config defines the node configuration and provides validation
// helpers.
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by CDPD_* environment variables.
type Config struct {
	Server      ServerConfig `toml:"server"`
	Store       StoreConfig  `toml:"store"`
	Oracle      OracleConfig `toml:"oracle"`
	Risk        RiskConfig   `toml:"risk"`
	LogLevel    string       `toml:"log_level"`
	StartHeight int          `toml:"start_height"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// StoreConfig selects and parameterizes the durable backend.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "postgres".
	Backend string `toml:"backend"`
	// Path is the database file for the sqlite backend.
	Path string `toml:"path"`
	// DSN is the connection string for the postgres backend.
	DSN string `toml:"dsn"`
}

// OracleConfig selects and parameterizes the price feed.
type OracleConfig struct {
	// Source is one of "static", "redis".
	Source string `toml:"source"`
	// StaticPrice is the fixed bcoin price for the static feed, scaled
	// by 10^8.
	StaticPrice uint64 `toml:"static_price"`
	// PriceKey is the Redis key the median price is published under.
	PriceKey      string `toml:"price_key"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// RiskConfig holds the governance risk parameters, ratios in basis points.
type RiskConfig struct {
	LiquidationRatioBps uint64 `toml:"liquidation_ratio_bps"`
	GlobalFloorBps      uint64 `toml:"global_floor_bps"`
	CollateralCeiling   uint64 `toml:"collateral_ceiling"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Store: StoreConfig{
			Backend: "memory",
			Path:    "cdpd.db",
		},
		Oracle: OracleConfig{
			Source:      "static",
			StaticPrice: 100_000_000,
			PriceKey:    "cdp:price:bcoin",
			RedisAddr:   "localhost:6379",
		},
		Risk: RiskConfig{
			LiquidationRatioBps: 15000,
			GlobalFloorBps:      8000,
			CollateralCeiling:   5_250_000_000_000_000,
		},
		LogLevel:    "info",
		StartHeight: 0,
	}
}

// validBackends enumerates the accepted values for StoreConfig.Backend.
var validBackends = map[string]bool{
	"memory":   true,
	"sqlite":   true,
	"postgres": true,
}

// validOracleSources enumerates the accepted values for OracleConfig.Source.
var validOracleSources = map[string]bool{
	"static": true,
	"redis":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server: addr must not be empty")
	}

	backend := strings.ToLower(c.Store.Backend)
	if !validBackends[backend] {
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: memory, sqlite, postgres)", c.Store.Backend))
	}
	if backend == "sqlite" && c.Store.Path == "" {
		errs = append(errs, "store: path must be set for the sqlite backend")
	}
	if backend == "postgres" && c.Store.DSN == "" {
		errs = append(errs, "store: dsn must be set for the postgres backend")
	}

	source := strings.ToLower(c.Oracle.Source)
	if !validOracleSources[source] {
		errs = append(errs, fmt.Sprintf("oracle: unknown source %q (valid: static, redis)", c.Oracle.Source))
	}
	if source == "static" && c.Oracle.StaticPrice == 0 {
		errs = append(errs, "oracle: static_price must be > 0 for the static source")
	}
	if source == "redis" {
		if c.Oracle.RedisAddr == "" {
			errs = append(errs, "oracle: redis_addr must not be empty for the redis source")
		}
		if c.Oracle.PriceKey == "" {
			errs = append(errs, "oracle: price_key must not be empty for the redis source")
		}
	}

	if c.Risk.LiquidationRatioBps == 0 {
		errs = append(errs, "risk: liquidation_ratio_bps must be > 0")
	}
	if c.Risk.CollateralCeiling == 0 {
		errs = append(errs, "risk: collateral_ceiling must be > 0")
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.StartHeight < 0 {
		errs = append(errs, "start_height must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
