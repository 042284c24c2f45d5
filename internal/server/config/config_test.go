package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":3547", cfg.ListenAddr)
	assert.Equal(t, "localhost.direct", cfg.BaseDomain)
	assert.Equal(t, "https", cfg.PublicScheme)
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 120*time.Second, cfg.Redis.LeaseTTL())
	assert.Equal(t, 20*time.Second, cfg.Redis.HeartbeatInterval())
	assert.False(t, cfg.RequireAuth)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
listenAddr: ":9000"
baseDomain: tunnels.example.com
requireAuth: true
requestTimeoutSeconds: 30
redis:
  url: redis://localhost:6379/0
  leaseTTLSeconds: 60
clickhouse:
  url: http://localhost:8123
  database: analytics
staticKeys:
  - keyHash: "$2a$10$abcdefghijklmnopqrstuv"
    userID: u1
    organizationID: org1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "tunnels.example.com", cfg.BaseDomain)
	assert.True(t, cfg.RequireAuth)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 60*time.Second, cfg.Redis.LeaseTTL())
	assert.Equal(t, "analytics", cfg.ClickHouse.Database)
	// Unset file fields keep their defaults.
	assert.Equal(t, "tunnel_events", cfg.ClickHouse.Table)
	require.Len(t, cfg.StaticKeys, 1)
	assert.Equal(t, "u1", cfg.StaticKeys[0].UserID)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "baseDomain: from-file.example.com\n")

	t.Setenv("OUTRAY_BASE_DOMAIN", "from-env.example.com")
	t.Setenv("OUTRAY_REQUIRE_AUTH", "true")
	t.Setenv("OUTRAY_REDIS_URL", "redis://env:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env.example.com", cfg.BaseDomain)
	assert.True(t, cfg.RequireAuth)
	assert.Equal(t, "redis://env:6379", cfg.Redis.URL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad scheme", "publicScheme: gopher\n"},
		{"empty base domain", `baseDomain: ""` + "\n"},
		{"zero timeout", "requestTimeoutSeconds: -5\n"},
		{"malformed yaml", "listenAddr: [unclosed\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
