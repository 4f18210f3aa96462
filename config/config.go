// Package config loads the punch ledger server configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file, then PUNCH_* environment variables. Load validates the
// result, including the reward tier table.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/warp/punch-ledger/ledger"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`

	// EnableScenarios exposes the demo data loaders under /api/admin/scenarios.
	EnableScenarios bool `yaml:"enable_scenarios"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite (":memory:" allowed) or a connection
	// string for postgres.
	DSN string `yaml:"dsn"`
}

type EngineConfig struct {
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	Tiers            []ledger.Tier `yaml:"tiers"`

	// AuditInterval schedules a full ledger audit. Zero disables it.
	AuditInterval time.Duration `yaml:"audit_interval"`
}

type AuthConfig struct {
	// AdminPINHash is a bcrypt hash. When empty, AdminPIN is hashed at startup.
	AdminPINHash  string        `yaml:"admin_pin_hash"`
	AdminPIN      string        `yaml:"admin_pin"`
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	MaxAttempts   int           `yaml:"max_attempts"`
	LockoutWindow time.Duration `yaml:"lockout_window"`
	// RedisAddr, when set, shares login attempt counters across instances.
	RedisAddr     string `yaml:"redis_addr"`
	RedisUsername string `yaml:"redis_username"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	// File enables rotated file output in addition to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TelemetryConfig struct {
	// OTLPEndpoint is a host:port gRPC collector. Empty disables export.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			DSN:    "punches.db",
		},
		Engine: EngineConfig{
			OperationTimeout: ledger.DefaultOperationTimeout,
			MaxRetries:       ledger.DefaultMaxRetries,
			RetryBackoff:     ledger.DefaultRetryBackoff,
			Tiers:            append([]ledger.Tier(nil), ledger.DefaultTiers...),
			AuditInterval:    time.Hour,
		},
		Auth: AuthConfig{
			AdminPIN:      "1234",
			TokenTTL:      12 * time.Hour,
			MaxAttempts:   5,
			LockoutWindow: 15 * time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "punch-ledger",
		},
	}
}

// Load reads path (optional), applies environment overrides and validates.
// A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays PUNCH_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	integer("PUNCH_PORT", &c.Server.Port)
	if v, ok := lookup("PUNCH_CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}
	boolean("PUNCH_ENABLE_SCENARIOS", &c.Server.EnableScenarios)

	str("PUNCH_STORE_DRIVER", &c.Store.Driver)
	str("PUNCH_STORE_DSN", &c.Store.DSN)

	duration("PUNCH_OPERATION_TIMEOUT", &c.Engine.OperationTimeout)
	integer("PUNCH_MAX_RETRIES", &c.Engine.MaxRetries)
	duration("PUNCH_AUDIT_INTERVAL", &c.Engine.AuditInterval)

	// ADMIN_PIN is honored for compatibility with existing deployments.
	str("ADMIN_PIN", &c.Auth.AdminPIN)
	str("PUNCH_ADMIN_PIN", &c.Auth.AdminPIN)
	str("PUNCH_ADMIN_PIN_HASH", &c.Auth.AdminPINHash)
	str("PUNCH_JWT_SECRET", &c.Auth.JWTSecret)
	duration("PUNCH_TOKEN_TTL", &c.Auth.TokenTTL)
	integer("PUNCH_MAX_ATTEMPTS", &c.Auth.MaxAttempts)
	str("PUNCH_REDIS_ADDR", &c.Auth.RedisAddr)
	str("PUNCH_REDIS_PASSWORD", &c.Auth.RedisPassword)

	str("PUNCH_LOG_LEVEL", &c.Log.Level)
	boolean("PUNCH_LOG_DEVELOPMENT", &c.Log.Development)
	str("PUNCH_LOG_FILE", &c.Log.File)

	str("PUNCH_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)

	return errors.Join(errs...)
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver must be one of sqlite, postgres, memory, got %q", c.Store.Driver))
	}

	if c.Engine.OperationTimeout <= 0 {
		errs = append(errs, errors.New("engine.operation_timeout must be positive"))
	}
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, errors.New("engine.max_retries must not be negative"))
	}
	if c.Engine.AuditInterval < 0 {
		errs = append(errs, errors.New("engine.audit_interval must not be negative"))
	}
	if _, err := ledger.NewRewardPolicy(c.Engine.Tiers); err != nil {
		errs = append(errs, fmt.Errorf("engine.tiers: %w", err))
	}

	if c.Auth.AdminPINHash == "" && c.Auth.AdminPIN == "" {
		errs = append(errs, errors.New("auth.admin_pin or auth.admin_pin_hash is required"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

// Policy builds the reward policy from the configured tiers.
func (c *Config) Policy() (*ledger.RewardPolicy, error) {
	return ledger.NewRewardPolicy(c.Engine.Tiers)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
