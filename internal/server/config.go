// Package server provides configuration helpers that define runtime defaults,
// validation, and per-session limits for the Parley chat service.
package server

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// RateLimitConfig defines the parameters for per-session inbound line
// rate limiting.
type RateLimitConfig struct {
	Burst                 int `toml:"burst"`
	RefillIntervalSeconds int `toml:"refill_interval_seconds"`
}

// RefillInterval returns the refill window as a duration.
func (r RateLimitConfig) RefillInterval() time.Duration {
	return time.Duration(r.RefillIntervalSeconds) * time.Second
}

// Config holds the chat server configuration. The zero value is not usable;
// start from NewConfig or LoadConfig and let Sanitize clamp anything invalid.
type Config struct {
	// TCP listener.
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`

	// Credential storage and hashing.
	CredentialFile string `toml:"credential_file"`
	HashIterations int    `toml:"hash_iterations"`

	// Session limits.
	MaxClients          int             `toml:"max_clients"`
	MaxLineBytes        int             `toml:"max_line_bytes"`
	WriteTimeoutSeconds int             `toml:"write_timeout_seconds"`
	RateLimit           RateLimitConfig `toml:"rate_limit"`

	// Optional HTTP gateway (metrics, health, WebSocket transport).
	// Empty HTTPAddress disables the gateway entirely.
	HTTPAddress    string   `toml:"http_address"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

func defaultConfig() Config {
	return Config{
		BindAddress:         "0.0.0.0",
		Port:                10119,
		CredentialFile:      "logins.txt",
		HashIterations:      65536,
		MaxClients:          3,
		MaxLineBytes:        512,
		WriteTimeoutSeconds: 10,
		RateLimit: RateLimitConfig{
			Burst:                 5,
			RefillIntervalSeconds: 1,
		},
		AllowedOrigins: []string{"http://localhost:10120"},
	}
}

// NewConfig creates a Config instance populated with default values for all
// settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig reads a TOML configuration file over the defaults. Keys absent
// from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %q is not readable: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	cfg.Sanitize()
	return &cfg, nil
}

// Sanitize clamps out-of-range settings back to their defaults so a partial
// or sloppy configuration cannot produce an unusable server.
func (c *Config) Sanitize() {
	def := defaultConfig()

	if c.BindAddress == "" {
		c.BindAddress = def.BindAddress
	}
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = def.Port
	}
	if c.CredentialFile == "" {
		c.CredentialFile = def.CredentialFile
	}
	if c.HashIterations <= 0 {
		c.HashIterations = def.HashIterations
	}
	if c.MaxClients <= 0 {
		c.MaxClients = def.MaxClients
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = def.MaxLineBytes
	}
	if c.WriteTimeoutSeconds <= 0 {
		c.WriteTimeoutSeconds = def.WriteTimeoutSeconds
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillIntervalSeconds <= 0 {
		c.RateLimit.RefillIntervalSeconds = def.RateLimit.RefillIntervalSeconds
	}
}

// ListenAddr returns the host:port string the TCP listener binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// WriteTimeout returns the per-write deadline applied to outbound lines.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}
