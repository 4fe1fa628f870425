// Package config provides configuration types and loading for hearthd.
// Configuration comes from a YAML file plus HEARTH_-prefixed environment
// variables; validation runs before any listener is opened.
package config

import (
	"time"
)

// Config is the top-level hearthd configuration.
type Config struct {
	// Server configures the listening socket and connection limits.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Sessions configures default timeouts and group caps per kind.
	Sessions SessionsConfig `yaml:"sessions" mapstructure:"sessions"`

	// Uploads configures multipart file-upload handling. An empty
	// directory disables uploads entirely.
	Uploads UploadsConfig `yaml:"uploads" mapstructure:"uploads"`

	// Access lists CEL access rules applied before dispatch.
	Access []AccessRuleConfig `yaml:"access" mapstructure:"access" validate:"omitempty,dive"`

	// Admin configures the built-in administrative surface.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// ServerConfig configures the transport acceptor.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8443" or "127.0.0.1:8080".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"required"`

	// TLSCert and TLSKey enable TLS when both are set.
	TLSCert string `yaml:"tls_cert" mapstructure:"tls_cert" validate:"omitempty,file"`
	TLSKey  string `yaml:"tls_key" mapstructure:"tls_key" validate:"omitempty,file"`

	// MaxConns bounds concurrently open connections; 0 means unlimited.
	MaxConns int `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`

	// IdleTimeout closes a connection idle between requests.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`

	// MaxHeaderBytes caps the request line plus header block.
	MaxHeaderBytes int `yaml:"max_header_bytes" mapstructure:"max_header_bytes" validate:"gte=0"`
}

// TLSEnabled reports whether both certificate and key are configured.
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCert != "" && s.TLSKey != ""
}

// SessionsConfig configures the session engine defaults.
type SessionsConfig struct {
	// ServiceTimeout, VolatileTimeout and PersistentTimeout are the
	// kind-wide default timeouts; 0 means sessions of that kind never
	// expire by time.
	ServiceTimeout    time.Duration `yaml:"service_timeout" mapstructure:"service_timeout"`
	VolatileTimeout   time.Duration `yaml:"volatile_timeout" mapstructure:"volatile_timeout"`
	PersistentTimeout time.Duration `yaml:"persistent_timeout" mapstructure:"persistent_timeout"`

	// GroupCap bounds session-group size; 0 means unlimited. Insertion
	// past the cap evicts the least-recently-used member.
	GroupCap int `yaml:"group_cap" mapstructure:"group_cap" validate:"gte=0"`

	// SecureFallback lets a secure request fall back to the insecure
	// cookie when no secure one is present.
	SecureFallback bool `yaml:"secure_fallback" mapstructure:"secure_fallback"`

	// StorePath is the sqlite file backing persistent sessions; empty
	// disables persistence (persistent sessions degrade to volatile).
	StorePath string `yaml:"store_path" mapstructure:"store_path"`
}

// UploadsConfig configures multipart file uploads.
type UploadsConfig struct {
	// Dir is where uploaded files are spooled. Empty disables uploads:
	// a multipart file part then fails the request with 403.
	Dir string `yaml:"dir" mapstructure:"dir" validate:"omitempty,dir"`

	// MaxMemoryField caps an in-memory (non-file) multipart field.
	MaxMemoryField int `yaml:"max_memory_field" mapstructure:"max_memory_field" validate:"gte=0"`
}

// AccessRuleConfig is one CEL access rule.
type AccessRuleConfig struct {
	// Expression is a CEL expression over method, path, host, secure
	// and remote_addr.
	Expression string `yaml:"expression" mapstructure:"expression" validate:"required"`

	// Deny inverts the rule: a match refuses the request with 403.
	Deny bool `yaml:"deny" mapstructure:"deny"`
}

// AdminConfig configures the built-in admin surface at /_hearth/admin/.
type AdminConfig struct {
	// KeyHash is the argon2id hash of the admin API key. Empty disables
	// the admin surface.
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash"`
}

// Defaults fills unset fields with production defaults.
func (c *Config) Defaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 30 * time.Second
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 16 << 10
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
