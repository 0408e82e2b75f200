// Package config provides configuration management for GP Manager.
// It handles loading, saving, and managing application settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/gp-manager/common"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// HelperBinary is the gpclient helper executable.
	HelperBinary string `yaml:"helper_binary"`
	// LockFilePath is the well-known connection lock file.
	LockFilePath string `yaml:"lock_file_path"`
	// AuthTimeoutSec bounds the credential exchange phase.
	AuthTimeoutSec int `yaml:"auth_timeout_sec"`
	// TunnelTimeoutSec bounds tunnel establishment.
	TunnelTimeoutSec int `yaml:"tunnel_timeout_sec"`
	// ShowNotifications enables desktop notifications for connection events.
	ShowNotifications bool `yaml:"show_notifications"`
	// FixOpenSSL enables the helper's OpenSSL compatibility workaround.
	FixOpenSSL bool `yaml:"fix_openssl"`
	// AsGateway treats the server address as a gateway rather than a portal.
	AsGateway bool `yaml:"as_gateway"`
}

// DefaultConfig returns the default configuration.
// These are sensible defaults for most users.
func DefaultConfig() *Config {
	return &Config{
		HelperBinary:      common.DefaultHelperBinary,
		LockFilePath:      common.DefaultLockFilePath,
		AuthTimeoutSec:    int(common.AuthTimeout / time.Second),
		TunnelTimeoutSec:  int(common.TunnelTimeout / time.Second),
		ShowNotifications: true,
		FixOpenSSL:        true,
		AsGateway:         true,
	}
}

// AuthTimeout returns the authentication timeout as a duration.
func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutSec) * time.Second
}

// TunnelTimeout returns the tunnel establishment timeout as a duration.
func (c *Config) TunnelTimeout() time.Duration {
	return time.Duration(c.TunnelTimeoutSec) * time.Second
}

// Load loads the configuration from the config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.Save(); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	var config Config
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("%w: parsing: %v", common.ErrConfigLoad, err)
	}

	config.validate()
	return &config, nil
}

// validate fixes invalid values back to defaults.
func (c *Config) validate() {
	def := DefaultConfig()
	if c.HelperBinary == "" {
		c.HelperBinary = def.HelperBinary
	}
	if c.LockFilePath == "" {
		c.LockFilePath = def.LockFilePath
	}
	if c.AuthTimeoutSec <= 0 {
		c.AuthTimeoutSec = def.AuthTimeoutSec
	}
	if c.TunnelTimeoutSec <= 0 {
		c.TunnelTimeoutSec = def.TunnelTimeoutSec
	}
}

// Save saves the configuration to the file.
func (c *Config) Save() error {
	configPath, err := getConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: serializing: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("%w: writing: %v", common.ErrConfigSave, err)
	}

	return nil
}

func getConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", common.ConfigDirName, common.ConfigFileName), nil
}
