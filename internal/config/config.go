package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendRemote  = "remote"
	BackendSandbox = "sandbox"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	Backend            string `mapstructure:"BACKEND"`
	SandboxSeed        int64  `mapstructure:"SANDBOX_SEED"`
	TeamAPIURL         string `mapstructure:"TEAM_API_URL"`
	NotificationAPIURL string `mapstructure:"NOTIFICATION_API_URL"`
	MedicalFilesAPIURL string `mapstructure:"MEDICAL_FILES_API_URL"`
	MedicalDataAPIURL  string `mapstructure:"MEDICAL_DATA_API_URL"`

	RemoteTimeout           time.Duration `mapstructure:"REMOTE_TIMEOUT"`
	TeamRefreshMaxAge       time.Duration `mapstructure:"TEAM_REFRESH_MAX_AGE"`
	MonitoringRenewalWindow time.Duration `mapstructure:"MONITORING_RENEWAL_WINDOW"`
	InflightTTL             time.Duration `mapstructure:"INFLIGHT_TTL"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"BACKEND", "SANDBOX_SEED", "TEAM_API_URL", "NOTIFICATION_API_URL",
	"MEDICAL_FILES_API_URL", "MEDICAL_DATA_API_URL",
	"REMOTE_TIMEOUT", "TEAM_REFRESH_MAX_AGE", "MONITORING_RENEWAL_WINDOW", "INFLIGHT_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("BACKEND", BackendRemote)
	v.SetDefault("SANDBOX_SEED", 1)
	v.SetDefault("REMOTE_TIMEOUT", "10s")
	v.SetDefault("TEAM_REFRESH_MAX_AGE", "30s")
	v.SetDefault("MONITORING_RENEWAL_WINDOW", "336h")
	v.SetDefault("INFLIGHT_TTL", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) IsSandbox() bool {
	return c.Backend == BackendSandbox
}

// DevAuth reports whether requests are trusted without a token. Only the
// development sandbox does so.
func (c *Config) DevAuth() bool {
	return c.IsDev() && c.IsSandbox()
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendRemote:
		missing := []string{}
		for name, val := range map[string]string{
			"TEAM_API_URL":          c.TeamAPIURL,
			"NOTIFICATION_API_URL":  c.NotificationAPIURL,
			"MEDICAL_FILES_API_URL": c.MedicalFilesAPIURL,
			"MEDICAL_DATA_API_URL":  c.MedicalDataAPIURL,
		} {
			if val == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("BACKEND=remote requires %s", strings.Join(missing, ", "))
		}
	case BackendSandbox:
		if c.IsProduction() {
			return fmt.Errorf("BACKEND=sandbox is not allowed in production")
		}
	default:
		return fmt.Errorf("BACKEND must be %q or %q, got %q", BackendRemote, BackendSandbox, c.Backend)
	}

	if !c.DevAuth() {
		if c.AuthIssuer == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
		}
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_JWKS_URL is required when no AUTH_SIGNING_KEY is set")
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY must not be used in production, configure AUTH_JWKS_URL")
		}
	}

	if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must be between 0 and DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	for name, d := range map[string]time.Duration{
		"REMOTE_TIMEOUT":            c.RemoteTimeout,
		"TEAM_REFRESH_MAX_AGE":      c.TeamRefreshMaxAge,
		"MONITORING_RENEWAL_WINDOW": c.MonitoringRenewalWindow,
		"INFLIGHT_TTL":              c.InflightTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	return nil
}
