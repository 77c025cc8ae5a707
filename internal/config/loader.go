package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CDPD_* environment variable overrides, and
// returns the final Config. An empty path skips the file and uses defaults
// plus environment only. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CDPD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject settings at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setStr(&cfg.Server.Addr, "CDPD_SERVER_ADDR")

	// ── Store ──
	setStr(&cfg.Store.Backend, "CDPD_STORE_BACKEND")
	setStr(&cfg.Store.Path, "CDPD_STORE_PATH")
	setStr(&cfg.Store.DSN, "CDPD_STORE_DSN")

	// ── Oracle ──
	setStr(&cfg.Oracle.Source, "CDPD_ORACLE_SOURCE")
	setUint64(&cfg.Oracle.StaticPrice, "CDPD_ORACLE_STATIC_PRICE")
	setStr(&cfg.Oracle.PriceKey, "CDPD_ORACLE_PRICE_KEY")
	setStr(&cfg.Oracle.RedisAddr, "CDPD_ORACLE_REDIS_ADDR")
	setStr(&cfg.Oracle.RedisPassword, "CDPD_ORACLE_REDIS_PASSWORD")
	setInt(&cfg.Oracle.RedisDB, "CDPD_ORACLE_REDIS_DB")

	// ── Risk ──
	setUint64(&cfg.Risk.LiquidationRatioBps, "CDPD_RISK_LIQUIDATION_RATIO_BPS")
	setUint64(&cfg.Risk.GlobalFloorBps, "CDPD_RISK_GLOBAL_FLOOR_BPS")
	setUint64(&cfg.Risk.CollateralCeiling, "CDPD_RISK_COLLATERAL_CEILING")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "CDPD_LOG_LEVEL")
	setInt(&cfg.StartHeight, "CDPD_START_HEIGHT")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
