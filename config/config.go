// Package config loads server configuration from the environment, with
// command-line flags taking precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/warp/remittance-engine/remittance"
)

// Config captures everything cmd/server needs to wire the engine.
type Config struct {
	Addr   string
	DBPath string

	// RedisURL selects the Redis lease backend. Empty keeps leases in SQLite.
	RedisURL string

	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	BatchSize         int

	// LogMode is "dev" or "prod".
	LogMode string

	// JWTSecret enables HMAC bearer tokens. Empty trusts gateway headers.
	JWTSecret string

	CORSOrigins []string
}

// Load reads environment variables, then applies flag overrides from args
// (typically os.Args[1:]).
func Load(args []string) (Config, error) {
	cfg := Config{
		Addr:              envString("ADDR", ":8080"),
		DBPath:            envString("DB_PATH", "remittance.db"),
		RedisURL:          os.Getenv("REDIS_URL"),
		LeaseTTL:          remittance.DefaultLeaseTTL,
		HeartbeatInterval: remittance.DefaultHeartbeatInterval,
		BatchSize:         remittance.MaxBatchSize,
		LogMode:           envString("LOG_MODE", "prod"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		CORSOrigins:       splitList(envString("CORS_ORIGINS", "*")),
	}

	var err error
	if cfg.LeaseTTL, err = envDuration("LEASE_TTL", cfg.LeaseTTL); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = envDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if cfg.BatchSize, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("invalid BATCH_SIZE %q: %w", v, err)
		}
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "Redis URL for leases (empty: SQLite leases)")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "lease time-to-live")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "lease renewal interval")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "child write batch size (1..50)")
	fs.StringVar(&cfg.LogMode, "log-mode", cfg.LogMode, "log mode: dev or prod")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants between fields and clamps the batch size.
func (c *Config) Validate() error {
	if c.LeaseTTL <= 0 {
		return errors.New("lease TTL must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseTTL/4 {
		return fmt.Errorf("heartbeat interval %s must be positive and below a quarter of the lease TTL %s",
			c.HeartbeatInterval, c.LeaseTTL)
	}
	if c.LogMode != "dev" && c.LogMode != "prod" {
		return fmt.Errorf("unknown log mode %q", c.LogMode)
	}
	c.BatchSize = max(1, min(c.BatchSize, remittance.MaxBatchSize))
	return nil
}

// LockConfig returns the lease settings for remittance.NewLockManager.
func (c Config) LockConfig() remittance.LockConfig {
	return remittance.LockConfig{TTL: c.LeaseTTL, HeartbeatInterval: c.HeartbeatInterval}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
