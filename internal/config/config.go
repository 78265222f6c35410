// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// OpsHTTPAddr serves /healthz, /readyz and /metrics.
	OpsHTTPAddr string `mapstructure:"OPS_HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `mapstructure:"JWT_ISSUER"`
	JWTAudience  string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// MFAEncryptionKey is a base64-encoded 32-byte key used to seal MFA secrets at rest.
	MFAEncryptionKey string `mapstructure:"MFA_ENCRYPTION_KEY"`

	LockoutThreshold           int    `mapstructure:"LOCKOUT_THRESHOLD"`
	LockoutWindowRaw           string `mapstructure:"LOCKOUT_WINDOW"`
	LockoutBaseDurationRaw     string `mapstructure:"LOCKOUT_BASE_DURATION"`
	LockoutMaxDurationRaw      string `mapstructure:"LOCKOUT_MAX_DURATION"`
	LockoutTrustedDeviceExempt bool   `mapstructure:"LOCKOUT_TRUSTED_DEVICE_EXEMPT"`
	// LockoutPolicyFile optionally replaces the built-in rego lockout policy.
	LockoutPolicyFile string `mapstructure:"LOCKOUT_POLICY_FILE"`

	OTPTTLRaw               string `mapstructure:"OTP_TTL"`
	MagicLinkTTLRaw         string `mapstructure:"MAGIC_LINK_TTL"`
	DeviceTrustTTLRaw       string `mapstructure:"DEVICE_TRUST_TTL"`
	DeletionUndoTTLRaw      string `mapstructure:"DELETION_UNDO_TTL"`
	DeletionConfirmDelayRaw string `mapstructure:"DELETION_CONFIRM_DELAY"`
	DeletionRetentionRaw    string `mapstructure:"DELETION_RETENTION"`
	EmailChangeTokenTTLRaw  string `mapstructure:"EMAIL_CHANGE_TOKEN_TTL"`

	// Defaults applied when a user's session limit policy is first created.
	SessionMaxConcurrent         int  `mapstructure:"SESSION_MAX_CONCURRENT"`
	SessionRevokeOldest          bool `mapstructure:"SESSION_REVOKE_OLDEST"`
	SessionAllowUnlimitedTrusted bool `mapstructure:"SESSION_ALLOW_UNLIMITED_TRUSTED"`

	// WebsitesFile is the yaml tenant registry. Empty means a single DEFAULT_WEBSITE tenant.
	WebsitesFile   string `mapstructure:"WEBSITES_FILE"`
	DefaultWebsite string `mapstructure:"DEFAULT_WEBSITE"`

	// RedisAddr enables the access-token revocation list when set.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers        string `mapstructure:"KAFKA_BROKERS"`
	SecurityEventsTopic string `mapstructure:"SECURITY_EVENTS_TOPIC"`
	NotificationsTopic  string `mapstructure:"NOTIFICATIONS_TOPIC"`
	// KafkaGroupID is the consumer group ID for the worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
	// LogFile, when set, also writes logs to a daily-rotated file.
	LogFile string `mapstructure:"LOG_FILE"`
	// Worker-only: Loki URL the worker pushes security events to (e.g. http://localhost:3100).
	LokiURL         string `mapstructure:"LOKI_URL"`
	OTLPEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	SMSLocalAPIKey  string `mapstructure:"SMS_LOCAL_API_KEY"`
	SMSLocalSender  string `mapstructure:"SMS_LOCAL_SENDER"`
	SMSLocalBaseURL string `mapstructure:"SMS_LOCAL_BASE_URL"`

	// DevOTPEnabled captures OTPs and one-time tokens in memory for the dev RPC. Never in production.
	DevOTPEnabled bool `mapstructure:"DEV_OTP_ENABLED"`

	SweepIntervalRaw string `mapstructure:"SWEEP_INTERVAL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("OPS_HTTP_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "acad-auth")
	v.SetDefault("JWT_AUDIENCE", "acad-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("MFA_ENCRYPTION_KEY", "")
	v.SetDefault("LOCKOUT_THRESHOLD", 5)
	v.SetDefault("LOCKOUT_WINDOW", "5m")
	v.SetDefault("LOCKOUT_BASE_DURATION", "15m")
	v.SetDefault("LOCKOUT_MAX_DURATION", "24h")
	v.SetDefault("LOCKOUT_TRUSTED_DEVICE_EXEMPT", false)
	v.SetDefault("LOCKOUT_POLICY_FILE", "")
	v.SetDefault("OTP_TTL", "10m")
	v.SetDefault("MAGIC_LINK_TTL", "15m")
	v.SetDefault("DEVICE_TRUST_TTL", "720h")
	v.SetDefault("DELETION_UNDO_TTL", "72h")
	v.SetDefault("DELETION_CONFIRM_DELAY", "72h")
	v.SetDefault("DELETION_RETENTION", "2160h")
	v.SetDefault("EMAIL_CHANGE_TOKEN_TTL", "24h")
	v.SetDefault("SESSION_MAX_CONCURRENT", 5)
	v.SetDefault("SESSION_REVOKE_OLDEST", true)
	v.SetDefault("SESSION_ALLOW_UNLIMITED_TRUSTED", false)
	v.SetDefault("WEBSITES_FILE", "")
	v.SetDefault("DEFAULT_WEBSITE", "main")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SECURITY_EVENTS_TOPIC", "acad-security-events")
	v.SetDefault("NOTIFICATIONS_TOPIC", "acad-notifications")
	v.SetDefault("KAFKA_GROUP_ID", "acad-security-worker")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_SERVICE_NAME", "acad-backend")
	v.SetDefault("SMS_LOCAL_API_KEY", "")
	v.SetDefault("SMS_LOCAL_SENDER", "")
	v.SetDefault("SMS_LOCAL_BASE_URL", "https://app.smslocal.in/api/smsapi")
	v.SetDefault("DEV_OTP_ENABLED", false)
	v.SetDefault("SWEEP_INTERVAL", "1m")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}
	if cfg.DevOTPEnabled && cfg.Env == "production" {
		return nil, errors.New("config: DEV_OTP_ENABLED must not be true when APP_ENV=production")
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if cfg.LockoutThreshold < 1 {
		return nil, errors.New("config: LOCKOUT_THRESHOLD must be at least 1")
	}
	if cfg.DatabaseURL != "" {
		if _, err := cfg.MFAKey(); err != nil {
			return nil, err
		}
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return nil, fmt.Errorf("config: LOG_FORMAT must be json or console, got %q", cfg.LogFormat)
	}

	return &cfg, nil
}

// MFAKey decodes MFAEncryptionKey. The key must be exactly 32 bytes.
func (c *Config) MFAKey() ([]byte, error) {
	if c.MFAEncryptionKey == "" {
		return nil, errors.New("config: MFA_ENCRYPTION_KEY must be set")
	}
	key, err := base64.StdEncoding.DecodeString(c.MFAEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("config: MFA_ENCRYPTION_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: MFA_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func parseDuration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// AccessTTL parses JWTAccessTTL. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration { return parseDuration(c.JWTAccessTTL, 15*time.Minute) }

// RefreshTTL parses JWTRefreshTTL. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration { return parseDuration(c.JWTRefreshTTL, 168*time.Hour) }

func (c *Config) LockoutWindow() time.Duration {
	return parseDuration(c.LockoutWindowRaw, 5*time.Minute)
}

func (c *Config) LockoutBaseDuration() time.Duration {
	return parseDuration(c.LockoutBaseDurationRaw, 15*time.Minute)
}

func (c *Config) LockoutMaxDuration() time.Duration {
	return parseDuration(c.LockoutMaxDurationRaw, 24*time.Hour)
}

func (c *Config) OTPTTL() time.Duration { return parseDuration(c.OTPTTLRaw, 10*time.Minute) }

func (c *Config) MagicLinkTTL() time.Duration { return parseDuration(c.MagicLinkTTLRaw, 15*time.Minute) }

func (c *Config) DeviceTrustTTL() time.Duration { return parseDuration(c.DeviceTrustTTLRaw, 720*time.Hour) }

func (c *Config) DeletionUndoTTL() time.Duration {
	return parseDuration(c.DeletionUndoTTLRaw, 72*time.Hour)
}

func (c *Config) DeletionConfirmDelay() time.Duration {
	return parseDuration(c.DeletionConfirmDelayRaw, 72*time.Hour)
}

func (c *Config) DeletionRetention() time.Duration {
	return parseDuration(c.DeletionRetentionRaw, 2160*time.Hour)
}

func (c *Config) EmailChangeTokenTTL() time.Duration {
	return parseDuration(c.EmailChangeTokenTTLRaw, 24*time.Hour)
}

func (c *Config) SweepInterval() time.Duration { return parseDuration(c.SweepIntervalRaw, time.Minute) }

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list disables the security-event stream and the notification topic.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
