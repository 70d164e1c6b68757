// Package config loads process configuration from the environment and an optional policy file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the full process configuration. It is read-only after startup.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR,default=:8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	Lightning LightningConfig
	L402      L402Config
	Rewards   RewardPolicy
	Database  DatabaseConfig
	Auth      AuthConfig
	HTTP      HTTPConfig
	Jobs      JobsConfig
}

// LightningConfig addresses the external Lightning node.
type LightningConfig struct {
	NodeURL  string        `env:"LIGHTNING_NODE_URL"`
	AdminKey string        `env:"LIGHTNING_ADMIN_KEY"`
	Timeout  time.Duration `env:"LIGHTNING_TIMEOUT,default=30s"`
}

// L402Config holds the macaroon signing material.
type L402Config struct {
	RootKey  string        `env:"L402_ROOT_KEY"`
	Location string        `env:"L402_LOCATION,default=civic-bounty"`
	TokenTTL time.Duration `env:"L402_TOKEN_TTL,default=1h"`
}

// RewardPolicy holds fees, reward bounds and safety caps. A policy file may override it.
type RewardPolicy struct {
	PostingFeeSats        int64 `env:"POSTING_FEE_SATS,default=10" yaml:"posting_fee_sats"`
	MinReward             int64 `env:"MIN_JOB_REWARD,default=0" yaml:"min_reward"`
	DefaultReward         int64 `env:"DEFAULT_JOB_REWARD,default=0" yaml:"default_reward"`
	MaxRewardPerPost      int64 `env:"MAX_REWARD_PER_POST,default=1000000" yaml:"max_reward_per_post"`
	MaxOpenPosts          int   `env:"MAX_OPEN_POSTS,default=10000" yaml:"max_open_posts"`
	EarningsSoftThreshold int64 `env:"EARNINGS_SOFT_THRESHOLD,default=500000" yaml:"earnings_soft_threshold"`
	AutoApproveConfidence int   `env:"AUTO_APPROVE_CONFIDENCE,default=7" yaml:"auto_approve_confidence"`
}

// DatabaseConfig selects and addresses the store backend.
type DatabaseConfig struct {
	Backend            string `env:"DATABASE_BACKEND,default=supabase"`
	SupabaseURL        string `env:"SUPABASE_URL"`
	SupabaseServiceKey string `env:"SUPABASE_SERVICE_KEY"`
	PostgresDSN        string `env:"DATABASE_URL"`
	AutoMigrate        bool   `env:"DATABASE_AUTO_MIGRATE,default=false"`
	RedisURL           string `env:"REDIS_URL"`
}

// AuthConfig configures session tokens and admin allowlists.
type AuthConfig struct {
	JWTSecret    string `env:"JWT_SECRET"`
	AdminUserIDs string `env:"ADMIN_USER_IDS"`
}

// HTTPConfig configures the HTTP edge.
type HTTPConfig struct {
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RateLimitRPS       int    `env:"RATE_LIMIT_RPS,default=10"`
	RateLimitBurst     int    `env:"RATE_LIMIT_BURST,default=20"`
}

// JobsConfig configures background work.
type JobsConfig struct {
	ReconcileSchedule string `env:"RECONCILE_SCHEDULE,default=@every 15m"`
	NotifyWebhookURL  string `env:"NOTIFY_WEBHOOK_URL"`
	NotifyWorkers     int    `env:"NOTIFY_WORKERS,default=4"`
	NotifyQueueSize   int    `env:"NOTIFY_QUEUE_SIZE,default=256"`
	PolicyFile        string `env:"POLICY_FILE"`
}

// Load reads an optional .env file, decodes the environment and applies the policy file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if cfg.Jobs.PolicyFile != "" {
		if err := ApplyPolicyFile(cfg.Jobs.PolicyFile, &cfg.Rewards); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants between settings.
func (c *Config) Validate() error {
	if c.Rewards.PostingFeeSats <= 0 {
		return fmt.Errorf("POSTING_FEE_SATS must be positive")
	}
	if c.Rewards.MinReward < 0 {
		return fmt.Errorf("MIN_JOB_REWARD must not be negative")
	}
	if c.Rewards.DefaultReward < c.Rewards.MinReward {
		return fmt.Errorf("DEFAULT_JOB_REWARD must be at least MIN_JOB_REWARD")
	}
	if c.Rewards.MaxRewardPerPost > 0 && c.Rewards.MaxRewardPerPost < c.Rewards.MinReward {
		return fmt.Errorf("MAX_REWARD_PER_POST must be at least MIN_JOB_REWARD")
	}
	if c.Rewards.AutoApproveConfidence < 0 || c.Rewards.AutoApproveConfidence > 10 {
		return fmt.Errorf("AUTO_APPROVE_CONFIDENCE must be between 0 and 10")
	}
	if c.L402.RootKey != "" && len(c.L402.RootKey) < 32 {
		return fmt.Errorf("L402_ROOT_KEY must be at least 32 bytes")
	}
	switch c.Database.Backend {
	case "supabase", "postgres", "memory":
	default:
		return fmt.Errorf("DATABASE_BACKEND must be supabase, postgres or memory")
	}
	return nil
}

// AdminIDs returns the admin allowlist as a set.
func (c *Config) AdminIDs() map[string]struct{} {
	return ParseCSVSet(c.Auth.AdminUserIDs)
}

// AllowedOrigins returns the CORS origin list.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for origin := range ParseCSVSet(c.HTTP.CORSAllowedOrigins) {
		out = append(out, origin)
	}
	return out
}

// Redacted returns loggable settings. Secrets are reported only as present or absent.
func (c *Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"http_addr":          c.HTTPAddr,
		"lightning_node_url": c.Lightning.NodeURL,
		"lightning_key_set":  c.Lightning.AdminKey != "",
		"l402_root_key_set":  c.L402.RootKey != "",
		"l402_location":      c.L402.Location,
		"database_backend":   c.Database.Backend,
		"redis_enabled":      c.Database.RedisURL != "",
		"jwt_secret_set":     c.Auth.JWTSecret != "",
		"posting_fee_sats":   c.Rewards.PostingFeeSats,
		"min_reward":         c.Rewards.MinReward,
		"default_reward":     c.Rewards.DefaultReward,
	}
}

// ParseCSVSet splits a comma separated list into a set, dropping blanks.
func ParseCSVSet(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out[trimmed] = struct{}{}
	}
	return out
}
