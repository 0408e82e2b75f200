// Package common provides shared constants, types, and utilities
// used across the GP Manager application.
package common

import "errors"

// Sentinel errors for connection lifecycle operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Connection errors.
	ErrConnectionInProgress = errors.New("connection already in progress")
	ErrNotConnected         = errors.New("no active connection")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrTimeout              = errors.New("operation timed out")

	// Validation errors.
	ErrMissingGateway  = errors.New("gateway must not be empty")
	ErrMissingUsername = errors.New("username must not be empty")
	ErrMissingPassword = errors.New("password must not be empty")

	// Lock errors.
	ErrLockHeld = errors.New("lock held by a running process")

	// Helper process errors.
	ErrHelperNotFound = errors.New("helper binary not found")
	ErrHelperSpawn    = errors.New("failed to start helper process")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")

	// Permission errors.
	ErrRootRequired = errors.New("root privileges required")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
