package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/punch-ledger/ledger"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, ledger.DefaultOperationTimeout, cfg.Engine.OperationTimeout)
	assert.Equal(t, ledger.DefaultTiers, cfg.Engine.Tiers)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  cors_origins: ["https://shop.example.com"]
store:
  driver: memory
engine:
  operation_timeout: 2s
  tiers:
    - threshold: 5
      discount_percent: 10
    - threshold: 12
      discount_percent: 30
auth:
  admin_pin: "4321"
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://shop.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 2*time.Second, cfg.Engine.OperationTimeout)
	assert.Equal(t, []ledger.Tier{{Threshold: 5, DiscountPercent: 10}, {Threshold: 12, DiscountPercent: 30}}, cfg.Engine.Tiers)
	assert.Equal(t, "4321", cfg.Auth.AdminPIN)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, 12, policy.MaxTier().Threshold)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"PUNCH_PORT":              "7000",
		"PUNCH_STORE_DRIVER":      "postgres",
		"PUNCH_STORE_DSN":         "postgres://localhost/punches",
		"ADMIN_PIN":               "0000",
		"PUNCH_OPERATION_TIMEOUT": "750ms",
		"PUNCH_CORS_ORIGINS":      "http://a.test, http://b.test",
		"PUNCH_LOG_DEVELOPMENT":   "true",
		"PUNCH_ENABLE_SCENARIOS":  "1",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	require.NoError(t, cfg.applyEnv(lookup))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/punches", cfg.Store.DSN)
	assert.Equal(t, "0000", cfg.Auth.AdminPIN)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.OperationTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Log.Development)
	assert.True(t, cfg.Server.EnableScenarios)
}

func TestApplyEnv_BadValues(t *testing.T) {
	cfg := Default()
	env := map[string]string{"PUNCH_PORT": "eighty", "PUNCH_TOKEN_TTL": "forever"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	err := cfg.applyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUNCH_PORT")
	assert.Contains(t, err.Error(), "PUNCH_TOKEN_TTL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"sqlite without dsn", func(c *Config) { c.Store.DSN = "" }, "store.dsn"},
		{"no tiers", func(c *Config) { c.Engine.Tiers = nil }, "engine.tiers"},
		{"duplicate tier", func(c *Config) {
			c.Engine.Tiers = []ledger.Tier{{Threshold: 10, DiscountPercent: 5}, {Threshold: 10, DiscountPercent: 6}}
		}, "engine.tiers"},
		{"no pin", func(c *Config) { c.Auth.AdminPIN = "" }, "admin_pin"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
