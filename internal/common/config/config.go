// Package config provides configuration management for trustcore services
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/trustcore/trustcore/internal/common/database"
	"github.com/trustcore/trustcore/internal/ratelimit"
)

// Config holds all configuration for the application
type Config struct {
	// Service identification
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
	Port        int    `mapstructure:"port"`
	LogLevel    string `mapstructure:"log_level"`

	// Upper bound on a single API request, including every store call
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Store connections. An empty database_url selects the static settings source.
	DatabaseURL string      `mapstructure:"database_url"`
	RedisURL    string      `mapstructure:"redis_url"`
	Redis       RedisConfig `mapstructure:"redis"`

	Geo         GeoConfig         `mapstructure:"geo"`
	Risk        RiskConfig        `mapstructure:"risk"`
	MFA         MFAConfig         `mapstructure:"mfa"`
	Replay      ReplayConfig      `mapstructure:"replay"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Sentry      SentryConfig      `mapstructure:"sentry"`

	// Feature flags
	EnableRateLimit bool `mapstructure:"enable_rate_limit"`

	// Bearer token for the operator routes; empty disables them
	OperatorToken string `mapstructure:"operator_token"`

	// Rate limiting table, keyed by route category
	RateLimits ratelimit.Rules `mapstructure:"rate_limits"`

	v *viper.Viper
}

// RedisConfig holds Sentinel and TLS options for the shared store
type RedisConfig struct {
	SentinelEnabled    bool     `mapstructure:"sentinel_enabled"`
	SentinelMasterName string   `mapstructure:"sentinel_master_name"`
	SentinelAddresses  []string `mapstructure:"sentinel_addresses"`
	SentinelPassword   string   `mapstructure:"sentinel_password"`
	Password           string   `mapstructure:"password"`
	TLSEnabled         bool     `mapstructure:"tls_enabled"`
	TLSCACert          string   `mapstructure:"tls_ca_cert"`
	TLSCert            string   `mapstructure:"tls_cert"`
	TLSKey             string   `mapstructure:"tls_key"`
	TLSSkipVerify      bool     `mapstructure:"tls_skip_verify"`
}

// GeoConfig holds geolocation resolver settings
type GeoConfig struct {
	MaxMindDBPath   string        `mapstructure:"maxmind_db_path"`
	IPAPIEnabled    bool          `mapstructure:"ipapi_enabled"`
	IPAPIURL        string        `mapstructure:"ipapi_url"`
	LookupTimeout   time.Duration `mapstructure:"lookup_timeout"`
	PrimaryTTL      time.Duration `mapstructure:"primary_ttl"`
	StaleTTL        time.Duration `mapstructure:"stale_ttl"`
	HitCounterTTL   time.Duration `mapstructure:"hit_counter_ttl"`
	MinRefreshDelay time.Duration `mapstructure:"min_refresh_delay"`
	RefreshWorkers  int           `mapstructure:"refresh_workers"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// RiskConfig holds risk scorer settings
type RiskConfig struct {
	SettingsRefreshInterval time.Duration `mapstructure:"settings_refresh_interval"`
	MaxStaleness            time.Duration `mapstructure:"max_staleness"`
	VelocityWindow          time.Duration `mapstructure:"velocity_window"`

	// Static snapshot used when no database is configured
	HighAmount              float64            `mapstructure:"high_amount"`
	HighGeoRiskScore        int                `mapstructure:"high_geo_risk_score"`
	VelocityLimit           int                `mapstructure:"velocity_limit"`
	ChallengeScoreThreshold int                `mapstructure:"challenge_score_threshold"`
	BlockScoreThreshold     int                `mapstructure:"block_score_threshold"`
	ImpossibleTravelKm      float64            `mapstructure:"impossible_travel_km"`
	AbsoluteHighValue       float64            `mapstructure:"absolute_high_value"`
	PaymentChallengeAmount  float64            `mapstructure:"payment_challenge_amount"`
	ReferenceCurrency       string             `mapstructure:"reference_currency"`
	CountryPolicies         map[string]string  `mapstructure:"country_policies"`
	CurrencyRates           map[string]float64 `mapstructure:"currency_rates"`
}

// MFAConfig holds adaptive MFA settings
type MFAConfig struct {
	ChallengeTTL      time.Duration `mapstructure:"challenge_ttl"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	AbsoluteRiskFloor int           `mapstructure:"absolute_risk_floor"`
	ScryptN           int           `mapstructure:"scrypt_n"`
	ScryptR           int           `mapstructure:"scrypt_r"`
	ScryptP           int           `mapstructure:"scrypt_p"`
}

// ReplayConfig holds replay guard settings
type ReplayConfig struct {
	Window      time.Duration `mapstructure:"window"`
	MaxRepeats  int           `mapstructure:"max_repeats"`
	BanDuration time.Duration `mapstructure:"ban_duration"`
}

// IdempotencyConfig holds idempotency coordinator settings
type IdempotencyConfig struct {
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	RecordTTL    time.Duration `mapstructure:"record_ttl"`
	InFlightWait time.Duration `mapstructure:"in_flight_wait"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// SentryConfig holds error reporting settings
type SentryConfig struct {
	DSN              string  `mapstructure:"dsn"`
	TracesSampleRate float64 `mapstructure:"traces_sample_rate"`
}

var defaultConfigPaths = []string{".", "./configs", "/etc/trustcore"}

// Load reads configuration from file and environment variables
func Load(serviceName string) (*Config, error) {
	// A missing .env file is normal outside local development
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}
	return load(serviceName, defaultConfigPaths)
}

func load(serviceName string, paths []string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Read from environment variables
	v.SetEnvPrefix("TRUSTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Also support non-prefixed env vars for common settings
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.ServiceName = serviceName
	cfg.RateLimits = mergeRules(cfg.RateLimits)
	cfg.v = v

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Service defaults
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("port", 8090)
	v.SetDefault("request_timeout", "10s")

	// Store defaults
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "redis://localhost:6379/0")

	// Geolocation defaults
	v.SetDefault("geo.maxmind_db_path", "")
	v.SetDefault("geo.ipapi_enabled", true)
	v.SetDefault("geo.ipapi_url", "http://ip-api.com/json")
	v.SetDefault("geo.lookup_timeout", "3s")
	v.SetDefault("geo.primary_ttl", "24h")
	v.SetDefault("geo.stale_ttl", "1h")
	v.SetDefault("geo.hit_counter_ttl", "24h")
	v.SetDefault("geo.min_refresh_delay", "5m")
	v.SetDefault("geo.refresh_workers", 5)
	v.SetDefault("geo.poll_interval", "1s")

	// Risk defaults
	v.SetDefault("risk.settings_refresh_interval", "30s")
	v.SetDefault("risk.max_staleness", "10m")
	v.SetDefault("risk.velocity_window", "1h")
	v.SetDefault("risk.high_amount", 1000)
	v.SetDefault("risk.high_geo_risk_score", 30)
	v.SetDefault("risk.velocity_limit", 10)
	v.SetDefault("risk.challenge_score_threshold", 30)
	v.SetDefault("risk.block_score_threshold", 80)
	v.SetDefault("risk.impossible_travel_km", 500)
	v.SetDefault("risk.absolute_high_value", 300000)
	v.SetDefault("risk.payment_challenge_amount", 500)
	v.SetDefault("risk.reference_currency", "USD")

	// MFA defaults
	v.SetDefault("mfa.challenge_ttl", "5m")
	v.SetDefault("mfa.max_attempts", 3)
	v.SetDefault("mfa.absolute_risk_floor", 75)
	v.SetDefault("mfa.scrypt_n", 131072)
	v.SetDefault("mfa.scrypt_r", 8)
	v.SetDefault("mfa.scrypt_p", 1)

	// Replay guard defaults
	v.SetDefault("replay.window", "60s")
	v.SetDefault("replay.max_repeats", 5)
	v.SetDefault("replay.ban_duration", "15m")

	// Idempotency defaults
	v.SetDefault("idempotency.lock_ttl", "30s")
	v.SetDefault("idempotency.record_ttl", "24h")
	v.SetDefault("idempotency.in_flight_wait", "0s")

	// Feature flag defaults
	v.SetDefault("enable_rate_limit", true)
	v.SetDefault("operator_token", "")

	// Observability defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.traces_sample_rate", 0.0)
}

func bindEnvVars(v *viper.Viper) {
	// Common environment variable mappings
	envMappings := map[string]string{
		"database_url":        "DATABASE_URL",
		"redis_url":           "REDIS_URL",
		"environment":         "APP_ENV",
		"log_level":           "LOG_LEVEL",
		"port":                "PORT",
		"geo.maxmind_db_path": "GEOIP_DB_PATH",
		"tracing.enabled":     "TRACING_ENABLED",
		"tracing.endpoint":    "OTEL_EXPORTER_OTLP_ENDPOINT",
		"sentry.dsn":          "SENTRY_DSN",
		"operator_token":      "OPERATOR_TOKEN",
	}

	for key, env := range envMappings {
		_ = v.BindEnv(key, "TRUSTCORE_"+strings.ToUpper(strings.NewReplacer(".", "_").Replace(key)), env)
	}
}

func validate(cfg *Config) error {
	if cfg.RedisURL == "" && !cfg.Redis.SentinelEnabled {
		return fmt.Errorf("redis_url is required")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if cfg.Geo.RefreshWorkers < 1 {
		return fmt.Errorf("geo.refresh_workers must be at least 1")
	}
	if cfg.MFA.MaxAttempts < 1 {
		return fmt.Errorf("mfa.max_attempts must be at least 1")
	}
	if cfg.MFA.ScryptN < 2 || cfg.MFA.ScryptN&(cfg.MFA.ScryptN-1) != 0 {
		return fmt.Errorf("mfa.scrypt_n must be a power of two greater than 1")
	}
	if cfg.Risk.ChallengeScoreThreshold > cfg.Risk.BlockScoreThreshold {
		return fmt.Errorf("risk.challenge_score_threshold must not exceed risk.block_score_threshold")
	}
	if cfg.Replay.MaxRepeats < 1 {
		return fmt.Errorf("replay.max_repeats must be at least 1")
	}
	if cfg.Idempotency.LockTTL <= 0 || cfg.Idempotency.RecordTTL <= 0 {
		return fmt.Errorf("idempotency lock_ttl and record_ttl must be positive")
	}
	return cfg.RateLimits.Validate()
}

// mergeRules overlays configured rate limit rules on the built-in table
func mergeRules(configured ratelimit.Rules) ratelimit.Rules {
	rules := ratelimit.DefaultRules()
	for category, rule := range configured {
		rules[category] = rule
	}
	return rules
}

// WatchRateLimits reloads the rate limit table whenever the config file
// changes. Invalid tables are logged and ignored so the last good table stays
// in force.
func (c *Config) WatchRateLimits(log *zap.Logger, apply func(ratelimit.Rules)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		log.Info("No config file in use, rate limit hot reload disabled")
		return
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		var configured ratelimit.Rules
		if err := c.v.UnmarshalKey("rate_limits", &configured); err != nil {
			log.Warn("Failed to decode reloaded rate limits", zap.Error(err))
			return
		}
		rules := mergeRules(configured)
		if err := rules.Validate(); err != nil {
			log.Warn("Rejected reloaded rate limits", zap.Error(err))
			return
		}
		apply(rules)
		log.Info("Rate limits reloaded",
			zap.String("file", e.Name),
			zap.Int("categories", len(rules)))
	})
	c.v.WatchConfig()
}

// RedisOptions converts the store settings into connection options
func (c *Config) RedisOptions() database.RedisConfig {
	return database.RedisConfig{
		URL:                c.RedisURL,
		SentinelEnabled:    c.Redis.SentinelEnabled,
		SentinelMasterName: c.Redis.SentinelMasterName,
		SentinelAddresses:  c.Redis.SentinelAddresses,
		SentinelPassword:   c.Redis.SentinelPassword,
		Password:           c.Redis.Password,
		TLSEnabled:         c.Redis.TLSEnabled,
		TLSCACert:          c.Redis.TLSCACert,
		TLSCert:            c.Redis.TLSCert,
		TLSKey:             c.Redis.TLSKey,
		TLSSkipVerify:      c.Redis.TLSSkipVerify,
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}
