// Package config provides configuration management for GP Manager.
// This file handles the persisted user session: the last used server
// and username, saved for prefilling the next connection. Passwords are
// never persisted.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/yllada/gp-manager/common"
)

// Session holds the non-sensitive user preferences that survive between
// runs.
type Session struct {
	// Server is the last VPN server address used.
	Server string `yaml:"server"`
	// Username is the last username used.
	Username string `yaml:"username"`
}

// LoadSession loads the persisted session. A missing or unreadable file
// degrades gracefully to an empty session; the application works either
// way.
func LoadSession() *Session {
	path, err := getSessionPath()
	if err != nil {
		common.LogWarn("Failed to resolve session path: %v", err)
		return &Session{}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			common.LogWarn("Failed to read session file: %v", err)
		}
		return &Session{}
	}

	var s Session
	if err := yaml.Unmarshal(data, &s); err != nil {
		common.LogWarn("Failed to parse session file: %v", err)
		return &Session{}
	}
	return &s
}

// SaveSession persists the session for the next run.
func SaveSession(s *Session) error {
	path, err := getSessionPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("error serializing session: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("error saving session: %w", err)
	}
	return nil
}

func getSessionPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", common.ConfigDirName, common.SessionFileName), nil
}
