package config

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/atmx/exchange-ledger/internal/auth"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %q", c.Server.Port)
	}

	if c.Auth.Operator == "" {
		return errors.New("auth.operator is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 bytes")
	}
	for identity, names := range c.Auth.Roles {
		for _, name := range names {
			if _, err := auth.ParseAction(name); err != nil {
				return fmt.Errorf("auth.roles.%s: %w", identity, err)
			}
		}
	}

	if c.Database.MaxConns < 1 {
		return errors.New("database.max_conns must be >= 1")
	}
	if c.Redis.URL != "" && c.Database.URL == "" {
		return errors.New("redis.url requires database.url")
	}

	if _, err := c.VaultBalances(); err != nil {
		return err
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}
