// Package config loads the exchange server configuration from YAML with
// ${VAR} expansion, applies defaults and environment overrides, and
// validates the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atmx/exchange-ledger/internal/auth"
	"github.com/atmx/exchange-ledger/internal/model"
)

// Config is the top-level server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Engine   EngineConfig   `yaml:"engine"`
	Vault    VaultConfig    `yaml:"vault"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects PostgreSQL. An empty URL means the in-memory store.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

// RedisConfig enables the read-through cache in front of PostgreSQL.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	// Operator holds every privileged action.
	Operator string `yaml:"operator"`
	// Roles grants individual actions to further identities.
	Roles map[string][]string `yaml:"roles"`
	// AllowTokenIssue exposes POST /api/v1/auth/token. Simulation only.
	AllowTokenIssue bool `yaml:"allow_token_issue"`
}

type EngineConfig struct {
	// MarketOpen is the breaker state for a fresh store.
	MarketOpen *bool `yaml:"market_open"`
}

// VaultConfig seeds the simulated custodian's external accounts.
// Amounts are decimal strings.
type VaultConfig struct {
	Balances map[string]string `yaml:"balances"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// LoadAndValidate loads path if it exists, then applies environment
// overrides and defaults and validates. A missing file yields a config
// built from defaults and the environment alone.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = &Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv keeps the service's historical environment variables working.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("OPERATOR_ID"); v != "" {
		c.Auth.Operator = v
	}
}

// Authorizer builds the authorization policy: the operator holds every
// action, role grants add individual actions.
func (c *Config) Authorizer() (auth.Authorizer, error) {
	grants := make(map[string][]auth.Action, len(c.Auth.Roles))
	for identity, names := range c.Auth.Roles {
		for _, name := range names {
			a, err := auth.ParseAction(name)
			if err != nil {
				return nil, fmt.Errorf("auth.roles.%s: %w", identity, err)
			}
			grants[identity] = append(grants[identity], a)
		}
	}
	return auth.AnyOf{auth.NewSingleOperator(c.Auth.Operator), auth.NewRoleSet(grants)}, nil
}

// VaultBalances parses the seeded external balances.
func (c *Config) VaultBalances() (map[string]int64, error) {
	out := make(map[string]int64, len(c.Vault.Balances))
	for identity, s := range c.Vault.Balances {
		v, err := model.ParseAmount(s)
		if err != nil {
			return nil, fmt.Errorf("vault.balances.%s: %w", identity, err)
		}
		out[identity] = v
	}
	return out, nil
}

// Logger builds the process logger.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
