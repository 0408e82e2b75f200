// Package cli provides command-line interface functionality for GP Manager.
// This allows users to manage the VPN connection from the terminal without
// launching the interactive UI.
package cli

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/yllada/gp-manager/common"
	"github.com/yllada/gp-manager/config"
	"github.com/yllada/gp-manager/gpclient"
)

// CLI represents the command-line interface.
type CLI struct {
	manager *gpclient.Manager
	cfg     *config.Config
	lock    *gpclient.LockFile
	history *gpclient.History
}

// New creates a new CLI instance.
func New(manager *gpclient.Manager, cfg *config.Config, lock *gpclient.LockFile, history *gpclient.History) *CLI {
	return &CLI{
		manager: manager,
		cfg:     cfg,
		lock:    lock,
		history: history,
	}
}

// Connect authenticates and connects to the given gateway. The password
// is read from the terminal with echo disabled; it is never taken from
// argv. The command stays in the foreground for the lifetime of the
// tunnel: the helper process is our child.
func (c *CLI) Connect(gateway, username string) error {
	if username == "" {
		fmt.Print("Username: ")
		if _, err := fmt.Scanln(&username); err != nil {
			return fmt.Errorf("failed to read username: %w", err)
		}
	}

	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}

	req := gpclient.Config{
		Gateway:    gateway,
		Username:   username,
		Password:   password,
		FixOpenSSL: c.cfg.FixOpenSSL,
		AsGateway:  c.cfg.AsGateway,
	}

	// The helper needs root to bring the tunnel up. When we are not
	// root it is wrapped in sudo, which needs its own password. An
	// empty answer skips the wrapping (e.g. setuid helper).
	if os.Geteuid() != 0 {
		sudoPassword, err := promptPassword("Sudo password (empty to skip): ")
		if err != nil && !errors.Is(err, common.ErrMissingPassword) {
			return err
		}
		req.SudoPassword = sudoPassword
	}

	snaps, cancel := c.manager.Subscribe()
	defer cancel()
	if err := c.manager.Connect(req); err != nil {
		return err
	}

	// Prefill the next session. Never the password.
	if err := config.SaveSession(&config.Session{Server: gateway, Username: username}); err != nil {
		common.LogWarn("Failed to save session: %v", err)
	}

	fmt.Printf("Connecting to %s...\n", gateway)

	for snap := range snaps {
		switch snap.State {
		case gpclient.StateConnecting:
			fmt.Println("Authenticated, establishing tunnel...")
		case gpclient.StateConnected:
			fmt.Printf("Connected to %s as %s at %s\n",
				snap.Stats.Gateway, snap.Stats.Username,
				snap.Stats.ConnectedAt.Format("15:04:05"))
			fmt.Println("Press Ctrl+C to disconnect.")
		case gpclient.StateFailed:
			return fmt.Errorf("%s: %s", snap.Class, snap.Err)
		case gpclient.StateIdle:
			fmt.Println("Disconnected.")
			return nil
		}
	}
	return nil
}

// Disconnect tears down a connection owned by any instance on this
// host. The lock file records the owning process; signalling it drives
// that instance through its own forced-cleanup path.
func (c *CLI) Disconnect() error {
	rec, err := c.lock.Inspect()
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No active connection.")
			return nil
		}
		return common.WrapError(err, "failed to inspect lock file")
	}

	if c.lock.IsStale() {
		fmt.Printf("Stale lock found (pid %d is gone); nothing to disconnect.\n", rec.OwnerPID)
		return nil
	}

	fmt.Printf("Signalling owner pid %d...\n", rec.OwnerPID)
	if err := syscall.Kill(rec.OwnerPID, syscall.SIGTERM); err != nil {
		return common.WrapError(err, "failed to signal owning process")
	}

	// Wait for the owner to release the lock.
	deadline := time.Now().Add(common.CleanupGrace)
	for time.Now().Before(deadline) {
		if !common.FileExists(c.lock.Path()) {
			fmt.Println("Disconnected.")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return common.ErrTimeout
}

// Status reports the connection state as seen from outside: the lock
// file plus its owning process.
func (c *CLI) Status() error {
	rec, err := c.lock.Inspect()
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("Status: no connection in progress")
			return nil
		}
		return common.WrapError(err, "failed to inspect lock file")
	}

	if c.lock.IsStale() {
		fmt.Printf("Status: stale lock (owner pid %d not running, acquired %s)\n",
			rec.OwnerPID, rec.AcquiredAt.Format(time.RFC3339))
		return nil
	}

	fmt.Printf("Status: connection in progress (owner pid %d, since %s)\n",
		rec.OwnerPID, rec.AcquiredAt.Format(time.RFC3339))
	return nil
}

// History lists recent connection attempts.
func (c *CLI) History(limit int) error {
	if c.history == nil {
		return fmt.Errorf("history database not available")
	}

	attempts, err := c.history.Recent(limit)
	if err != nil {
		return common.WrapError(err, "failed to read history")
	}

	if len(attempts) == 0 {
		fmt.Println("No connection attempts recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tGATEWAY\tUSER\tOUTCOME\tREASON")
	for _, a := range attempts {
		reason := a.Reason
		if len(reason) > 48 {
			reason = reason[:45] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			a.StartedAt.Local().Format("2006-01-02 15:04:05"),
			a.Gateway, a.Username, a.Outcome, reason)
	}
	return w.Flush()
}

// PrintHelp displays usage information.
func PrintHelp() {
	fmt.Println(`GP Manager - Command Line Interface

Usage:
  gp-manager [OPTIONS]

Options:
  --version           Show version and exit
  --verbose           Enable verbose logging
  --connect GATEWAY   Connect to a VPN gateway
  --user NAME         Username for --connect (prompted if omitted)
  --disconnect        Terminate the active connection
  --status            Show current connection status
  --history N         Show the last N connection attempts
  --help              Show this help message

Examples:
  gp-manager --connect vpn.example.com --user alice
  gp-manager --disconnect
  gp-manager --status

Notes:
  - The password is always prompted, never taken from arguments
  - Run without options to launch the interactive interface`)
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(data) == 0 {
		return "", common.ErrMissingPassword
	}
	return string(data), nil
}
