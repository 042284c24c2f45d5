// Package config loads the relay server configuration from a YAML file
// with environment variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"outray/internal/server/auth"
	"outray/internal/shared/constants"
)

// Config is the full server configuration.
type Config struct {
	// ListenAddr is the address the HTTP listener binds to.
	ListenAddr string `yaml:"listenAddr"`

	// BaseDomain is the suffix public tunnel hostnames live under.
	BaseDomain string `yaml:"baseDomain"`

	// PublicScheme is the scheme announced in tunnel URLs.
	PublicScheme string `yaml:"publicScheme"`

	// ControlPath is the WebSocket endpoint clients connect to.
	ControlPath string `yaml:"controlPath"`

	// RequireAuth rejects handshakes that carry no API key.
	RequireAuth bool `yaml:"requireAuth"`

	// RequestTimeoutSeconds bounds waiting for a client response.
	RequestTimeoutSeconds int `yaml:"requestTimeoutSeconds"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`

	Redis      RedisConfig      `yaml:"redis"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`

	// StaticKeys authenticates clients without a dashboard. Ignored when
	// Dashboard.APIURL is set.
	StaticKeys []auth.StaticKey `yaml:"staticKeys"`
}

// RedisConfig backs the distributed identity lease store. An empty URL
// disables it and the registry runs purely in memory.
type RedisConfig struct {
	URL                      string `yaml:"url"`
	LeaseTTLSeconds          int    `yaml:"leaseTTLSeconds"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeatIntervalSeconds"`
}

// ClickHouseConfig backs the traffic event sink. An empty URL disables it.
type ClickHouseConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// DashboardConfig points at the control-plane API used for key validation
// and subdomain ownership checks.
type DashboardConfig struct {
	APIURL    string `yaml:"apiUrl"`
	AuthToken string `yaml:"authToken"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr:            fmt.Sprintf(":%d", constants.DefaultServerPort),
		BaseDomain:            constants.DefaultBaseDomain,
		PublicScheme:          "https",
		ControlPath:           "/_tunnel/ws",
		RequestTimeoutSeconds: int(constants.RequestTimeout / time.Second),
		LogLevel:              "info",
		Redis: RedisConfig{
			LeaseTTLSeconds:          int(constants.LeaseTTL / time.Second),
			HeartbeatIntervalSeconds: int(constants.LeaseHeartbeatInterval / time.Second),
		},
		ClickHouse: ClickHouseConfig{
			Database: "default",
			Table:    "tunnel_events",
		},
	}
}

// Load reads the YAML file at path, if any, and applies environment
// overrides on top. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployments override file settings without editing it.
// Secrets in particular should come from the environment.
func (c *Config) applyEnv() {
	setString(&c.ListenAddr, "OUTRAY_LISTEN_ADDR")
	setString(&c.BaseDomain, "OUTRAY_BASE_DOMAIN")
	setString(&c.PublicScheme, "OUTRAY_PUBLIC_SCHEME")
	setString(&c.LogLevel, "OUTRAY_LOG_LEVEL")
	setBool(&c.RequireAuth, "OUTRAY_REQUIRE_AUTH")
	setInt(&c.RequestTimeoutSeconds, "OUTRAY_REQUEST_TIMEOUT_SECONDS")
	setString(&c.Redis.URL, "OUTRAY_REDIS_URL")
	setString(&c.ClickHouse.URL, "OUTRAY_CLICKHOUSE_URL")
	setString(&c.ClickHouse.User, "OUTRAY_CLICKHOUSE_USER")
	setString(&c.ClickHouse.Password, "OUTRAY_CLICKHOUSE_PASSWORD")
	setString(&c.Dashboard.APIURL, "OUTRAY_DASHBOARD_API_URL")
	setString(&c.Dashboard.AuthToken, "OUTRAY_DASHBOARD_AUTH_TOKEN")
}

func (c *Config) validate() error {
	if c.BaseDomain == "" {
		return fmt.Errorf("baseDomain must not be empty")
	}
	switch c.PublicScheme {
	case "http", "https":
	default:
		return fmt.Errorf("publicScheme must be http or https, got %q", c.PublicScheme)
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("requestTimeoutSeconds must be positive")
	}
	return nil
}

// RequestTimeout converts the configured seconds to a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// LeaseTTL converts the configured seconds to a duration.
func (c *RedisConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// HeartbeatInterval converts the configured seconds to a duration.
func (c *RedisConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}
