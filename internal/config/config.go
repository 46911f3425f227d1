package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Auth modes.
const (
	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

type Config struct {
	Port             string   `mapstructure:"PORT"`
	Env              string   `mapstructure:"ENV"`
	AuthMode         string   `mapstructure:"AUTH_MODE"`
	DatabaseURL      string   `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer       string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL      string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience     string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey   string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins      []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS     float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int      `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled       bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile      string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile       string   `mapstructure:"TLS_KEY_FILE"`
	OTelEndpoint     string   `mapstructure:"OTEL_ENDPOINT"`
	OTelSampleRate   float64  `mapstructure:"OTEL_SAMPLE_RATE"`
	ProvidersFile    string   `mapstructure:"PROVIDERS_FILE"`
	RequestTimeoutMS int      `mapstructure:"REQUEST_TIMEOUT_MILLISECONDS"`
	AuditWriteMS     int      `mapstructure:"AUDIT_WRITE_TIMEOUT_MILLISECONDS"`

	// MaxProviderWaitMS bounds every provider call of a request.
	MaxProviderWaitMS    int `mapstructure:"MAX_PROVIDER_WAIT_TIME_MILLISECONDS"`
	MaxParallelProviders int `mapstructure:"MAX_PARALLEL_PROVIDERS"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"OTEL_ENDPOINT", "OTEL_SAMPLE_RATE", "PROVIDERS_FILE",
	"REQUEST_TIMEOUT_MILLISECONDS", "AUDIT_WRITE_TIMEOUT_MILLISECONDS",
	"MAX_PROVIDER_WAIT_TIME_MILLISECONDS", "MAX_PARALLEL_PROVIDERS",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("OTEL_SAMPLE_RATE", 1.0)
	v.SetDefault("PROVIDERS_FILE", "providers.yaml")
	v.SetDefault("REQUEST_TIMEOUT_MILLISECONDS", 30000)
	v.SetDefault("AUDIT_WRITE_TIMEOUT_MILLISECONDS", 5000)
	v.SetDefault("MAX_PROVIDER_WAIT_TIME_MILLISECONDS", 10000)
	v.SetDefault("MAX_PARALLEL_PROVIDERS", 0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development selects "development" (every
// request is served as an unrestricted dev consumer) and anything else "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// MaxProviderWait returns the per-provider call bound.
func (c *Config) MaxProviderWait() time.Duration {
	return time.Duration(c.MaxProviderWaitMS) * time.Millisecond
}

// RequestTimeout returns the outer bound of one HTTP request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// AuditWriteTimeout bounds one audit row insert.
func (c *Config) AuditWriteTimeout() time.Duration {
	return time.Duration(c.AuditWriteMS) * time.Millisecond
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE %q is not allowed when ENV=production", mode)
		}
	case AuthModeJWT:
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is %q", mode)
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, mode)
	}

	if c.MaxProviderWaitMS < 0 {
		return fmt.Errorf("MAX_PROVIDER_WAIT_TIME_MILLISECONDS must not be negative, got %d", c.MaxProviderWaitMS)
	}
	if c.MaxParallelProviders < 0 {
		return fmt.Errorf("MAX_PARALLEL_PROVIDERS must not be negative, got %d", c.MaxParallelProviders)
	}
	if c.RequestTimeoutMS > 0 && c.MaxProviderWaitMS >= c.RequestTimeoutMS {
		return fmt.Errorf("MAX_PROVIDER_WAIT_TIME_MILLISECONDS (%d) must be below REQUEST_TIMEOUT_MILLISECONDS (%d)",
			c.MaxProviderWaitMS, c.RequestTimeoutMS)
	}
	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0 and 1, got %v", c.OTelSampleRate)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
