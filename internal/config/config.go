// Package config loads service configuration. Defaults are overlaid by an
// optional YAML file, then by environment variables; a .env file in the
// working directory is honored for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zoozapp/trust-engine/pkg/logger"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Database DatabaseConfig       `yaml:"database"`
	Auth     AuthConfig           `yaml:"auth"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Scoring  ScoringConfig        `yaml:"scoring"`
	Rewards  RewardsConfig        `yaml:"rewards"`
	Gate     GateConfig           `yaml:"gate"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures PostgreSQL. An empty DSN selects the in-memory
// store, which suits tests and local experiments.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// ScoringConfig mirrors the reputation engine parameters.
type ScoringConfig struct {
	MaxGenerations        int           `yaml:"max_generations"`
	StrongThreshold       float64       `yaml:"strong_threshold"`
	WeakWeight            float64       `yaml:"weak_weight"`
	RecomputeInterval     time.Duration `yaml:"recompute_interval"`
	FullRecomputeSchedule string        `yaml:"full_recompute_schedule"`
}

// RewardsConfig holds the injected payout policy.
type RewardsConfig struct {
	ReferralLevel1   int64         `yaml:"referral_level1"`
	ReferralLevel2   int64         `yaml:"referral_level2"`
	ReferralLevel3   int64         `yaml:"referral_level3"`
	TrustReciprocate int64         `yaml:"trust_reciprocate"`
	TrustReceived    int64         `yaml:"trust_received"`
	IntentTTL        time.Duration `yaml:"intent_ttl"`
	CodeMaxUses      int           `yaml:"code_max_uses"`
}

// GateConfig configures the action gate.
type GateConfig struct {
	ContinuationTTL time.Duration `yaml:"continuation_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Scoring: ScoringConfig{
			MaxGenerations:        3,
			StrongThreshold:       500,
			WeakWeight:            0.33,
			RecomputeInterval:     time.Second,
			FullRecomputeSchedule: "@hourly",
		},
		Rewards: RewardsConfig{
			ReferralLevel1:   50,
			ReferralLevel2:   25,
			ReferralLevel3:   10,
			TrustReciprocate: 10,
			TrustReceived:    5,
			IntentTTL:        7 * 24 * time.Hour,
			CodeMaxUses:      50,
		},
		Gate: GateConfig{
			ContinuationTTL: 15 * time.Minute,
			SweepInterval:   time.Minute,
		},
	}
}

// Load builds the configuration. path names an optional YAML file; an empty
// path skips the overlay.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString("SERVER_HOST", &c.Server.Host)
	envInt("SERVER_PORT", &c.Server.Port)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	envString("DATABASE_DSN", &c.Database.DSN)
	envInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	envInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)

	envString("AUTH_JWT_SECRET", &c.Auth.JWTSecret)
	envString("AUTH_ISSUER", &c.Auth.Issuer)

	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)
	envString("LOG_OUTPUT", &c.Logging.Output)

	envInt("SCORING_MAX_GENERATIONS", &c.Scoring.MaxGenerations)
	envFloat("SCORING_STRONG_THRESHOLD", &c.Scoring.StrongThreshold)
	envFloat("SCORING_WEAK_WEIGHT", &c.Scoring.WeakWeight)
	envDuration("SCORING_RECOMPUTE_INTERVAL", &c.Scoring.RecomputeInterval)
	envString("SCORING_FULL_RECOMPUTE_SCHEDULE", &c.Scoring.FullRecomputeSchedule)

	envInt64("REWARDS_REFERRAL_LEVEL1", &c.Rewards.ReferralLevel1)
	envInt64("REWARDS_REFERRAL_LEVEL2", &c.Rewards.ReferralLevel2)
	envInt64("REWARDS_REFERRAL_LEVEL3", &c.Rewards.ReferralLevel3)
	envInt64("REWARDS_TRUST_RECIPROCATE", &c.Rewards.TrustReciprocate)
	envInt64("REWARDS_TRUST_RECEIVED", &c.Rewards.TrustReceived)
	envDuration("REWARDS_INTENT_TTL", &c.Rewards.IntentTTL)
	envInt("REWARDS_CODE_MAX_USES", &c.Rewards.CodeMaxUses)

	envDuration("GATE_CONTINUATION_TTL", &c.Gate.ContinuationTTL)
	envDuration("GATE_SWEEP_INTERVAL", &c.Gate.SweepInterval)
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
