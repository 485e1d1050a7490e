// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Config holds the server configuration.
type Config struct {
	// Mode is the operating mode: strict or dev.
	Mode string `toml:"mode"`

	// PublicOrigin is the public origin (scheme + host + port) for this
	// instance. Invite links are built against its host.
	// Example: "https://tandem.example"
	PublicOrigin string `toml:"public_origin"`

	// ListenAddr is the address to listen on.
	// Example: ":8480"
	ListenAddr string `toml:"listen_addr"`

	// Server holds server-level settings.
	Server ServerConfig `toml:"server"`

	// Store holds persistence settings.
	Store StoreConfig `toml:"store"`

	// Cache holds cache settings (rate limit counters, hot lookups).
	Cache CacheConfig `toml:"cache"`

	// Auth holds bearer token settings.
	Auth AuthConfig `toml:"auth"`

	// RateLimit holds invite endpoint rate limiting settings.
	RateLimit RateLimitConfig `toml:"ratelimit"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig holds server-level settings.
type ServerConfig struct {
	// ShutdownGraceSeconds is how long in-flight requests get on shutdown.
	// Default: 10.
	ShutdownGraceSeconds int `toml:"shutdown_grace_seconds"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// Driver is the store driver name: "sqlite" (default) or "memory".
	Driver string `toml:"driver"`

	// DataDir is the directory for data files (sqlite db).
	// Default: ".tandem/data"
	DataDir string `toml:"data_dir"`

	// Drivers holds per-driver configuration.
	// Example: [store.drivers.sqlite] ...
	Drivers map[string]any `toml:"drivers"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	// Driver is the cache driver name: "memory" (default) or "valkey".
	Driver string `toml:"driver"`

	// Drivers holds per-driver configuration.
	// Example: [cache.drivers.valkey] address = "localhost:6379"
	Drivers map[string]any `toml:"drivers"`
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	// JWTSecret is the HMAC secret for verifying client bearer tokens.
	// Required in strict mode.
	JWTSecret string `toml:"jwt_secret"`

	// Issuer is the expected token issuer. Empty disables the check.
	Issuer string `toml:"issuer"`
}

// RateLimitConfig holds invite endpoint rate limiting settings.
type RateLimitConfig struct {
	// Enabled controls whether invite endpoints are rate limited.
	// Pointer for presence detection; nil = use preset default.
	Enabled *bool `toml:"enabled"`

	// Limit is the number of requests allowed per window. Default: 30.
	Limit int `toml:"limit"`

	// WindowSeconds is the window length in seconds. Default: 60.
	WindowSeconds int `toml:"window_seconds"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	// Default: info in strict mode, debug in dev mode.
	Level string `toml:"level"`

	// Format is the output format: json or text. Default: json.
	Format string `toml:"format"`
}

// RateLimitEnabled returns whether rate limiting is enabled.
// Safe for nil pointer on the *bool field.
func (c *Config) RateLimitEnabled() bool {
	return c.RateLimit.Enabled != nil && *c.RateLimit.Enabled
}

// PublicScheme returns "http" or "https" from PublicOrigin.
// Returns "https" if PublicOrigin is empty or unparseable.
func (c *Config) PublicScheme() string {
	if c.PublicOrigin == "" {
		return "https"
	}
	u, err := url.Parse(c.PublicOrigin)
	if err != nil || u.Scheme == "" {
		return "https"
	}
	return strings.ToLower(u.Scheme)
}

// PublicHost returns the lowercased host[:port] from PublicOrigin.
func (c *Config) PublicHost() string {
	u, err := url.Parse(c.PublicOrigin)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// Redacted returns a string representation of the config with secrets redacted.
func (c *Config) Redacted() string {
	var sb strings.Builder
	sb.WriteString("Config{\n")
	sb.WriteString(fmt.Sprintf("  Mode: %q,\n", c.Mode))
	sb.WriteString(fmt.Sprintf("  PublicOrigin: %q,\n", c.PublicOrigin))
	sb.WriteString(fmt.Sprintf("  ListenAddr: %q,\n", c.ListenAddr))
	sb.WriteString("  Server: {\n")
	sb.WriteString(fmt.Sprintf("    ShutdownGraceSeconds: %d,\n", c.Server.ShutdownGraceSeconds))
	sb.WriteString("  },\n")
	sb.WriteString("  Store: {\n")
	sb.WriteString(fmt.Sprintf("    Driver: %q,\n", c.Store.Driver))
	sb.WriteString(fmt.Sprintf("    DataDir: %q,\n", c.Store.DataDir))
	sb.WriteString("  },\n")
	sb.WriteString("  Cache: {\n")
	sb.WriteString(fmt.Sprintf("    Driver: %q,\n", c.Cache.Driver))
	sb.WriteString("  },\n")
	sb.WriteString("  Auth: {\n")
	sb.WriteString("    JWTSecret: [REDACTED],\n")
	sb.WriteString(fmt.Sprintf("    Issuer: %q,\n", c.Auth.Issuer))
	sb.WriteString("  },\n")
	sb.WriteString("  RateLimit: {\n")
	enabledStr := "<nil>"
	if c.RateLimit.Enabled != nil {
		enabledStr = fmt.Sprintf("%v", *c.RateLimit.Enabled)
	}
	sb.WriteString(fmt.Sprintf("    Enabled: %s,\n", enabledStr))
	sb.WriteString(fmt.Sprintf("    Limit: %d,\n", c.RateLimit.Limit))
	sb.WriteString(fmt.Sprintf("    WindowSeconds: %d,\n", c.RateLimit.WindowSeconds))
	sb.WriteString("  },\n")
	sb.WriteString("  Logging: {\n")
	sb.WriteString(fmt.Sprintf("    Level: %q,\n", c.Logging.Level))
	sb.WriteString(fmt.Sprintf("    Format: %q,\n", c.Logging.Format))
	sb.WriteString("  },\n")
	sb.WriteString("}")
	return sb.String()
}
