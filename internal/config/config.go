// Package config loads runtime configuration from IOMT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "IOMT"

// Config holds runtime configuration for the API process.
type Config struct {
	Env      string `envconfig:"ENV" default:"development"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr string `envconfig:"GRPC_ADDR" default:":9090"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	PGDSN     string        `envconfig:"PG_DSN" required:"true"`
	DBTimeout time.Duration `envconfig:"DB_TIMEOUT" default:"3s"`

	// RedisAddr enables cross-instance cache invalidation when set.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	AuthSecret string        `envconfig:"AUTH_SECRET" required:"true"`
	AuthIssuer string        `envconfig:"AUTH_ISSUER" default:"iomt-auth"`
	AccessTTL  time.Duration `envconfig:"ACCESS_TTL" default:"15m"`
	RefreshTTL time.Duration `envconfig:"REFRESH_TTL" default:"168h"`

	PermissionCacheTTL time.Duration `envconfig:"PERMISSION_CACHE_TTL" default:"5m"`
	CacheSweepInterval time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"60s"`
	// PermissionGrace is how far a token's permission_version may trail the
	// user's current version before the token is rejected as stale. Shorter
	// values force more re-logins, longer values keep revoked access alive.
	PermissionGrace time.Duration `envconfig:"PERMISSION_GRACE" default:"5m"`

	SystemAdminPermission      string   `envconfig:"SYSTEM_ADMIN_PERMISSION" default:"system.admin"`
	CrossDepartmentPermissions []string `envconfig:"CROSS_DEPARTMENT_PERMISSIONS" default:"device.manage,organization.admin"`
	HiddenPermissions          []string `envconfig:"HIDDEN_PERMISSIONS" default:"system.bootstrap,system.internal,system.impersonate"`

	CookieSecure       bool `envconfig:"COOKIE_SECURE" default:"true"`
	LoginRatePerSecond int  `envconfig:"LOGIN_RATE_PER_SECOND" default:"5"`
	LoginBurst         int  `envconfig:"LOGIN_BURST" default:"10"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if len(c.AuthSecret) < 32 {
		return errors.New("config: AUTH_SECRET must be at least 32 bytes")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return errors.New("config: token TTLs must be positive")
	}
	if c.RefreshTTL < c.AccessTTL {
		return fmt.Errorf("config: REFRESH_TTL (%s) must not be shorter than ACCESS_TTL (%s)", c.RefreshTTL, c.AccessTTL)
	}
	if c.PermissionCacheTTL <= 0 {
		return errors.New("config: PERMISSION_CACHE_TTL must be positive")
	}
	if c.PermissionGrace < 0 {
		return errors.New("config: PERMISSION_GRACE must not be negative")
	}
	if c.DBTimeout <= 0 {
		return errors.New("config: DB_TIMEOUT must be positive")
	}
	if c.SystemAdminPermission == "" {
		return errors.New("config: SYSTEM_ADMIN_PERMISSION must be set")
	}
	return nil
}

// IsProduction reports whether the process runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}
