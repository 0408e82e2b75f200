// Package common provides shared constants, types, and utilities
// used across the GP Manager application.
package common

import "time"

// Application metadata.
const (
	// AppID is the unique identifier for the application.
	AppID = "com.gpmanager.app"
	// AppName is the display name of the application.
	AppName = "GP Manager"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "gp-manager"
)

// File names used by the application.
const (
	ConfigFileName  = "config.yaml"
	SessionFileName = "session.yaml"
	HistoryFileName = "history.db"
	LogFileName     = "gp-manager.log"
)

// External helper defaults. The helper binary performs the actual
// authentication and tunnel establishment; this application only
// orchestrates it.
const (
	// DefaultHelperBinary is the gpclient helper, resolved via PATH.
	DefaultHelperBinary = "gpclient"
	// DefaultLockFilePath is the well-known lock file that serializes
	// connection attempts across process instances.
	DefaultLockFilePath = "/var/run/gpclient.lock"
)

// Default timeouts and intervals.
const (
	// AuthTimeout is the maximum time to wait for credential exchange.
	AuthTimeout = 60 * time.Second
	// TunnelTimeout is the maximum time to wait for tunnel establishment
	// after authentication succeeded.
	TunnelTimeout = 60 * time.Second
	// TerminateGrace is how long a helper gets to exit after SIGTERM
	// before it is killed.
	TerminateGrace = 5 * time.Second
	// CleanupGrace bounds forced teardown on signals and window close.
	CleanupGrace = 10 * time.Second
)
