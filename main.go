// Package main provides the entry point for GP Manager.
// GP Manager is a Linux front-end for GlobalProtect VPN connections
// that drives the gpclient helper binary, providing an interactive
// terminal interface and a scriptable command-line mode.
//
// Features:
//   - Full connection lifecycle management with phase timeouts
//   - Single-connection coordination via a system-wide lock file
//   - Desktop notifications on connect and tunnel loss
//   - Connection attempt history
//   - Command-line interface for scripting and automation
//
// Usage:
//
//	gp-manager [options]
//
// Environment:
//
//	The application requires the gpclient helper to be installed on
//	the system, and root privileges (or a working sudo) to establish
//	the tunnel.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/yllada/gp-manager/cli"
	"github.com/yllada/gp-manager/common"
	"github.com/yllada/gp-manager/config"
	"github.com/yllada/gp-manager/gpclient"
	"github.com/yllada/gp-manager/notify"
	"github.com/yllada/gp-manager/ui"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

var (
	// General flags
	showVersion = flag.Bool("version", false, "Show version and exit")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showHelp    = flag.Bool("help", false, "Show help message")

	// CLI flags
	connectGateway = flag.String("connect", "", "Connect to a VPN gateway")
	connectUser    = flag.String("user", "", "Username for --connect")
	disconnectVPN  = flag.Bool("disconnect", false, "Terminate the active connection")
	showStatus     = flag.Bool("status", false, "Show current connection status")
	historyCount   = flag.Int("history", 0, "Show the last N connection attempts")
)

func main() {
	flag.Parse()

	// Handle help flag
	if *showHelp {
		cli.PrintHelp()
		os.Exit(0)
	}

	// Handle version flag
	if *showVersion {
		fmt.Printf("GP Manager v%s\n", appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	// Initialize logger with structured logging and file output
	logLevel := common.LevelInfo
	if *verbose {
		logLevel = common.LevelDebug
	}

	if err := common.InitLogger(common.LogConfig{
		Level:       logLevel,
		EnableFile:  true,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	defer common.CloseLogger()

	cfg, err := config.Load()
	if err != nil {
		common.LogWarn("Using default configuration: %v", err)
		cfg = config.DefaultConfig()
	}

	// Verify the gpclient helper is available before doing anything
	// that could take the lock.
	if _, err := exec.LookPath(cfg.HelperBinary); err != nil {
		common.LogError("gpclient helper %q not found in PATH", cfg.HelperBinary)
		fmt.Fprintf(os.Stderr, "Error: the %q helper is not installed or not in PATH.\n", cfg.HelperBinary)
		os.Exit(1)
	}

	// The tunnel needs root. Without it we escalate through sudo, so
	// sudo must at least be present.
	if os.Geteuid() != 0 {
		if _, err := exec.LookPath("sudo"); err != nil {
			common.LogError("Not root and sudo not found: %v", common.ErrRootRequired)
			fmt.Fprintf(os.Stderr, "Error: %v (run as root or install sudo).\n", common.ErrRootRequired)
			os.Exit(1)
		}
	}

	lock := gpclient.NewLockFile(cfg.LockFilePath)
	history := openHistory()

	var notifier common.Notifier
	if cfg.ShowNotifications {
		notifier = notify.New()
	}

	manager := gpclient.NewManager(gpclient.Options{
		Launcher:       gpclient.NewExecLauncher(cfg.HelperBinary),
		Lock:           lock,
		AuthTimeout:    cfg.AuthTimeout(),
		TunnelTimeout:  cfg.TunnelTimeout(),
		TerminateGrace: common.TerminateGrace,
		History:        history,
		Notifier:       notifier,
	})

	exit := gpclient.NewExitHandler(manager, common.CleanupGrace)
	exit.Watch()
	defer exit.Stop()

	// Check if any CLI mode flag is set
	if *connectGateway != "" || *disconnectVPN || *showStatus || *historyCount > 0 {
		runCLI(manager, cfg, lock, history)
		return
	}

	// Start the interactive interface
	common.LogInfo("Starting %s v%s", common.AppName, appVersion)
	app := ui.New(manager, cfg, exit, appVersion)
	if err := app.Run(); err != nil {
		common.LogError("Interface exited with error: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runCLI handles command-line interface operations.
func runCLI(manager *gpclient.Manager, cfg *config.Config, lock *gpclient.LockFile, history *gpclient.History) {
	cliApp := cli.New(manager, cfg, lock, history)

	var cliErr error

	switch {
	case *connectGateway != "":
		cliErr = cliApp.Connect(*connectGateway, *connectUser)
	case *disconnectVPN:
		cliErr = cliApp.Disconnect()
	case *showStatus:
		cliErr = cliApp.Status()
	case *historyCount > 0:
		cliErr = cliApp.History(*historyCount)
	}

	if cliErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", cliErr)
		os.Exit(1)
	}
}

// openHistory opens the attempt history database. History is optional:
// a failure here degrades to no recording rather than aborting startup.
func openHistory() *gpclient.History {
	dir, err := common.GetDataDir()
	if err != nil {
		common.LogWarn("History disabled, no data directory: %v", err)
		return nil
	}

	history, err := gpclient.OpenHistory(filepath.Join(dir, common.HistoryFileName))
	if err != nil {
		common.LogWarn("History disabled: %v", err)
		return nil
	}
	return history
}
