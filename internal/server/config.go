package server

import (
	"fmt"
	"time"
)

// Config holds the server configuration.
type Config struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"` // per caller, chat requests only
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	JWTSecret      string        `mapstructure:"jwt_secret"` // empty disables bearer auth
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	DevMode        bool          `mapstructure:"dev_mode"` // serves the Swagger UI
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
