package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds kernel and server configuration.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`
	HealthAddr  string `yaml:"health_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`

	// Env names the active environment: economy, usdc or market.
	Env string `yaml:"env"`

	QuoteTTL           time.Duration `yaml:"quote_ttl"`
	StepUpChallengeTTL time.Duration `yaml:"step_up_challenge_ttl"`
	StepUpTokenTTL     time.Duration `yaml:"step_up_token_ttl"`
	StepUpSecret       string        `yaml:"step_up_secret"`
	StepUpMaxAttempts  int           `yaml:"step_up_max_attempts"`

	DefaultCreditsCents    int64 `yaml:"default_credits_cents"`
	DefaultDailySpendCents int64 `yaml:"default_daily_spend_cents"`
	BalanceBufferCents     int64 `yaml:"balance_buffer_cents"`
	JobRewardCents         int64 `yaml:"job_reward_cents"`
	JobPenaltyCents        int64 `yaml:"job_penalty_cents"`

	FreshnessMaxAge   time.Duration `yaml:"freshness_max_age"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RateLimitRPM   int    `yaml:"rate_limit_rpm"`
	RateLimitBurst int    `yaml:"rate_limit_burst"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	ArchiveStorageType string `yaml:"archive_storage_type"`
	ArchiveS3Bucket    string `yaml:"archive_s3_bucket"`
	ArchiveS3Region    string `yaml:"archive_s3_region"`
	ArchiveS3Endpoint  string `yaml:"archive_s3_endpoint"`
	ArchiveGCSBucket   string `yaml:"archive_gcs_bucket"`
	ArchivePrefix      string `yaml:"archive_prefix"`

	PolicyFile string `yaml:"policy_file"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		DataDir:                "data",
		HealthAddr:             ":8081",
		LogLevel:               "INFO",
		LogFormat:              "text",
		Env:                    "economy",
		QuoteTTL:               5 * time.Minute,
		StepUpChallengeTTL:     120 * time.Second,
		StepUpTokenTTL:         60 * time.Second,
		StepUpMaxAttempts:      5,
		DefaultCreditsCents:    10_000,
		DefaultDailySpendCents: 5_000,
		JobRewardCents:         50,
		JobPenaltyCents:        200,
		FreshnessMaxAge:        2 * time.Minute,
		ReconcileInterval:      15 * time.Second,
		RateLimitRPM:           600,
		RateLimitBurst:         60,
		ArchiveStorageType:     "fs",
		ArchivePrefix:          "ledger-exports",
	}
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := Defaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile loads a YAML file over the defaults. Environment variables still
// take precedence over the file.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.QuoteTTL <= 0 {
		errs = append(errs, errors.New("QUOTE_TTL must be positive"))
	}
	if c.StepUpChallengeTTL <= 0 || c.StepUpTokenTTL <= 0 {
		errs = append(errs, errors.New("step-up TTLs must be positive"))
	}
	if c.StepUpTokenTTL > c.StepUpChallengeTTL {
		errs = append(errs, errors.New("STEP_UP_TOKEN_TTL must not exceed STEP_UP_CHALLENGE_TTL"))
	}
	if c.DefaultCreditsCents < 0 || c.DefaultDailySpendCents < 0 || c.BalanceBufferCents < 0 {
		errs = append(errs, errors.New("cent amounts must not be negative"))
	}
	if c.StepUpMaxAttempts <= 0 {
		errs = append(errs, errors.New("STEP_UP_MAX_ATTEMPTS must be positive"))
	}
	switch c.Env {
	case "economy", "usdc", "market":
	default:
		errs = append(errs, fmt.Errorf("unknown BLOOM_ENV %q", c.Env))
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	i64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("DATABASE_URL", &c.DatabaseURL)
	str("DATA_DIR", &c.DataDir)
	str("HEALTH_ADDR", &c.HealthAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("BLOOM_ENV", &c.Env)
	dur("QUOTE_TTL", &c.QuoteTTL)
	dur("STEP_UP_CHALLENGE_TTL", &c.StepUpChallengeTTL)
	dur("STEP_UP_TOKEN_TTL", &c.StepUpTokenTTL)
	str("STEP_UP_SECRET", &c.StepUpSecret)
	num("STEP_UP_MAX_ATTEMPTS", &c.StepUpMaxAttempts)
	i64("DEFAULT_CREDITS_CENTS", &c.DefaultCreditsCents)
	i64("DEFAULT_DAILY_SPEND_CENTS", &c.DefaultDailySpendCents)
	i64("BALANCE_BUFFER_CENTS", &c.BalanceBufferCents)
	i64("JOB_REWARD_CENTS", &c.JobRewardCents)
	i64("JOB_PENALTY_CENTS", &c.JobPenaltyCents)
	dur("FRESHNESS_MAX_AGE", &c.FreshnessMaxAge)
	dur("RECONCILE_INTERVAL", &c.ReconcileInterval)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	num("RATE_LIMIT_RPM", &c.RateLimitRPM)
	num("RATE_LIMIT_BURST", &c.RateLimitBurst)
	c.OTelEnabled = c.OTelEnabled || os.Getenv("OTEL_ENABLED") == "true"
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)
	str("ARCHIVE_STORAGE_TYPE", &c.ArchiveStorageType)
	str("ARCHIVE_S3_BUCKET", &c.ArchiveS3Bucket)
	str("ARCHIVE_S3_REGION", &c.ArchiveS3Region)
	str("ARCHIVE_S3_ENDPOINT", &c.ArchiveS3Endpoint)
	str("ARCHIVE_GCS_BUCKET", &c.ArchiveGCSBucket)
	str("ARCHIVE_PREFIX", &c.ArchivePrefix)
	str("POLICY_FILE", &c.PolicyFile)

	return errors.Join(errs...)
}
