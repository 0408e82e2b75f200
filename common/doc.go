// Package common provides shared constants, types, utilities, and interfaces
// used throughout the GP Manager application.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: Application-wide constants like timeouts, file names, and
//     the external helper contract (binary name, lock file path)
//   - Errors: Sentinel errors for consistent error handling across packages
//   - Interfaces: Abstractions for notifications and logging
//   - Logger: Structured logging with multiple output destinations
//   - Utils: Common utility functions for file and directory handling
//
// # Usage
//
// Import the package to access shared functionality:
//
//	import "github.com/yllada/gp-manager/common"
//
//	// Use constants
//	timeout := common.AuthTimeout
//
//	// Use logger
//	common.LogInfo("Connecting to %s", gateway)
//
//	// Check errors
//	if errors.Is(err, common.ErrLockHeld) {
//	    // Another instance owns the connection
//	}
package common
