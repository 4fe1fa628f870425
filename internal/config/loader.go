// Package config provides configuration loading for hearthd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, standard locations are searched for
// hearthd.yaml/.yml; requiring an explicit extension avoids matching the
// binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No file found; ReadInConfig will return
		// ConfigFileNotFoundError, which callers treat as
		// defaults-only operation.
		viper.SetConfigName("hearthd")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: HEARTH_SERVER_ADDR etc.
	viper.SetEnvPrefix("HEARTH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for hearthd.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".hearthd"),
		"/etc/hearthd",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "hearthd"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys so environment variables can
// override them individually.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.tls_cert")
	_ = viper.BindEnv("server.tls_key")
	_ = viper.BindEnv("server.max_conns")
	_ = viper.BindEnv("server.idle_timeout")
	_ = viper.BindEnv("server.max_header_bytes")
	_ = viper.BindEnv("sessions.service_timeout")
	_ = viper.BindEnv("sessions.volatile_timeout")
	_ = viper.BindEnv("sessions.persistent_timeout")
	_ = viper.BindEnv("sessions.group_cap")
	_ = viper.BindEnv("sessions.secure_fallback")
	_ = viper.BindEnv("sessions.store_path")
	_ = viper.BindEnv("uploads.dir")
	_ = viper.BindEnv("uploads.max_memory_field")
	_ = viper.BindEnv("admin.key_hash")
	_ = viper.BindEnv("log_level")
}

// Load reads, defaults and validates the configuration.
func Load(configFile string) (*Config, error) {
	InitViper(configFile)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
