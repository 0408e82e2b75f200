// Package gpclient provides the connection lifecycle manager for GP Manager.
// This file contains the connection state model shared between the state
// machine and the front-ends.
package gpclient

import (
	"strings"
	"time"

	"github.com/yllada/gp-manager/common"
)

// State represents the current phase of the connection lifecycle.
type State int

const (
	// StateIdle indicates no connection attempt is in progress.
	StateIdle State = iota
	// StateAuthenticating indicates the helper is exchanging credentials.
	StateAuthenticating
	// StateConnecting indicates authentication succeeded and the tunnel
	// is being established.
	StateConnecting
	// StateConnected indicates an active, established tunnel.
	StateConnected
	// StateDisconnecting indicates the connection is being torn down.
	StateDisconnecting
	// StateFailed indicates the attempt failed; it is transient and is
	// always followed by StateIdle.
	StateFailed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAuthenticating:
		return "Authenticating..."
	case StateConnecting:
		return "Connecting..."
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting..."
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// FailureClass classifies why an attempt failed.
type FailureClass int

const (
	// FailureNone means no failure has been recorded.
	FailureNone FailureClass = iota
	// FailureValidation is an empty or malformed connect request,
	// rejected before any side effect.
	FailureValidation
	// FailureLock means another live process already owns the connection lock.
	FailureLock
	// FailureSpawn means the helper binary is missing or could not be started.
	FailureSpawn
	// FailureAuth means the helper rejected the credentials or exited
	// before authentication completed.
	FailureAuth
	// FailureTunnel means the helper exited or timed out after
	// authentication succeeded.
	FailureTunnel
	// FailureInterrupted means forced cleanup tore the attempt down.
	FailureInterrupted
)

// String returns a human-readable classification.
func (c FailureClass) String() string {
	switch c {
	case FailureNone:
		return "none"
	case FailureValidation:
		return "validation error"
	case FailureLock:
		return "connection already in progress"
	case FailureSpawn:
		return "helper process error"
	case FailureAuth:
		return "authentication error"
	case FailureTunnel:
		return "tunnel error"
	case FailureInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Config holds everything needed for one connection attempt. It is
// constructed fresh per attempt and owned by the state machine for the
// attempt's duration; the password fields are cleared once the attempt
// terminates.
type Config struct {
	// Gateway is the VPN server address (portal or gateway).
	Gateway string
	// Username for authentication.
	Username string
	// Password for authentication. Written to the helper's stdin,
	// never to argv and never to logs.
	Password string
	// CSDWrapper is an optional path to the HIP report script.
	// When empty the launcher auto-detects it.
	CSDWrapper string
	// FixOpenSSL enables the helper's OpenSSL compatibility workaround.
	FixOpenSSL bool
	// AsGateway treats the address as a gateway rather than a portal.
	AsGateway bool
	// SudoPassword is used to wrap the helper in sudo when the
	// application is not already running as root.
	SudoPassword string
}

// Validate checks that the request carries the mandatory fields.
// It performs no side effects.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Gateway) == "" {
		return common.ErrMissingGateway
	}
	if strings.TrimSpace(c.Username) == "" {
		return common.ErrMissingUsername
	}
	if c.Password == "" {
		return common.ErrMissingPassword
	}
	return nil
}

// Stats describes an established connection. Created on the transition
// into StateConnected and discarded on any transition out of it.
type Stats struct {
	// Gateway is the address the tunnel terminates at.
	Gateway string
	// Portal is the portal address the attempt dialed, empty when the
	// address was used as a gateway directly.
	Portal string
	// Username that authenticated.
	Username string
	// ConnectedAt is when the tunnel came up.
	ConnectedAt time.Time
}

// Snapshot is an immutable copy of the connection state, safe to read
// concurrently. Front-ends render exclusively from snapshots.
type Snapshot struct {
	// State is the lifecycle phase at the time of the snapshot.
	State State
	// Stats is set only while State is StateConnected.
	Stats *Stats
	// Class classifies the most recent failure. It survives the
	// automatic Failed -> Idle transition so the UI can keep showing
	// the message on the editable view.
	Class FailureClass
	// Err is the human-readable reason for the most recent failure.
	Err string
}

// Uptime returns how long the connection has been up, or zero when
// not connected.
func (s Snapshot) Uptime() time.Duration {
	if s.State != StateConnected || s.Stats == nil {
		return 0
	}
	return time.Since(s.Stats.ConnectedAt)
}
