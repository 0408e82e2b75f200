// Package gpclient provides the connection lifecycle manager for GP Manager.
// This file contains the process launcher that spawns the external helper
// binary and turns its output into a stream of classified lines.
package gpclient

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/gp-manager/common"
)

// LineKind classifies one line of helper output.
type LineKind int

const (
	// LineInfo is informational output with no lifecycle meaning.
	LineInfo LineKind = iota
	// LineAuthOK indicates the credential exchange succeeded.
	LineAuthOK
	// LineAuthFailed indicates the helper rejected the credentials.
	LineAuthFailed
	// LineTunnelUp indicates the tunnel is established.
	LineTunnelUp
	// LineFatal indicates an unrecoverable helper error.
	LineFatal
)

// Line is one classified line of helper output.
type Line struct {
	Kind LineKind
	Text string
}

// Output markers observed from gpclient/openconnect. Matching is
// case-insensitive substring search, the same way the helper's output
// has to be scraped by hand.
var (
	tunnelUpMarkers = []string{
		"connected as ",
		"esp session established",
		"tunnel is up",
	}
	authOKMarkers = []string{
		"login successful",
		"got connect response: http/1.1 200",
		"getting vpn configuration",
	}
	authFailedMarkers = []string{
		"login failed",
		"authentication failed",
		"invalid username or password",
		"auth_failed",
	}
	fatalMarkers = []string{
		"failed to connect",
		"cannot resolve hostname",
		"ssl connection failure",
		"certificate validation failed",
	}
)

// ClassifyLine maps one line of helper output to its lifecycle meaning.
func ClassifyLine(text string) LineKind {
	lower := strings.ToLower(text)
	for _, m := range tunnelUpMarkers {
		if strings.Contains(lower, m) {
			return LineTunnelUp
		}
	}
	for _, m := range authFailedMarkers {
		if strings.Contains(lower, m) {
			return LineAuthFailed
		}
	}
	for _, m := range authOKMarkers {
		if strings.Contains(lower, m) {
			return LineAuthOK
		}
	}
	for _, m := range fatalMarkers {
		if strings.Contains(lower, m) {
			return LineFatal
		}
	}
	return LineInfo
}

// Handle represents a live helper process. It is a terminal token: once
// the process has exited and Lines is closed, the handle is not reusable.
type Handle interface {
	// Lines returns the classified output stream. The channel is closed
	// when the process exits; the sequence is finite and not restartable.
	Lines() <-chan Line
	// Terminate sends SIGTERM and escalates to SIGKILL if the process
	// does not exit within the grace period.
	Terminate(grace time.Duration) error
	// Err blocks until the process has exited and returns its exit error,
	// nil for a clean exit.
	Err() error
	// PID returns the helper's process ID.
	PID() int
}

// Launcher spawns helper processes. The interface exists so the state
// machine can be driven by a fake in tests.
type Launcher interface {
	Start(cfg Config) (Handle, error)
}

// ExecLauncher launches the real helper binary.
type ExecLauncher struct {
	// Binary is the helper executable, resolved via PATH when relative.
	Binary string
	// SudoBinary wraps the helper when sudo escalation is requested.
	SudoBinary string
}

// NewExecLauncher returns a launcher for the given helper binary.
func NewExecLauncher(binary string) *ExecLauncher {
	if binary == "" {
		binary = common.DefaultHelperBinary
	}
	return &ExecLauncher{Binary: binary, SudoBinary: "sudo"}
}

// BuildArgs constructs the helper argument list from the connection
// config. Arguments are discrete tokens, never a shell string, and the
// password is not among them.
func BuildArgs(cfg Config) []string {
	var args []string
	if cfg.FixOpenSSL {
		args = append(args, "--fix-openssl")
	}
	args = append(args, "connect")
	if cfg.AsGateway {
		args = append(args, "--as-gateway")
	}
	csd := cfg.CSDWrapper
	if csd == "" {
		csd = FindCSDWrapper()
	}
	if csd != "" {
		args = append(args, "--csd-wrapper", csd)
	}
	args = append(args, "--user", cfg.Username, "--passwd-on-stdin", cfg.Gateway)
	return args
}

// FindCSDWrapper auto-detects the HIP report script by locating the
// openconnect binary and rewriting its bin/ path to the libexec
// location, e.g. /usr/bin/openconnect ->
// /usr/libexec/openconnect/hipreport.sh.
func FindCSDWrapper() string {
	ocPath, err := exec.LookPath("openconnect")
	if err != nil {
		return ""
	}

	binDir := filepath.Dir(ocPath) // .../bin
	if filepath.Base(binDir) != "bin" {
		return ""
	}

	hipreport := filepath.Join(filepath.Dir(binDir), "libexec", "openconnect", "hipreport.sh")
	if !common.FileExists(hipreport) {
		common.LogWarn("Could not find hipreport.sh CSD wrapper")
		return ""
	}

	common.LogInfo("Found CSD wrapper at: %s", hipreport)
	return hipreport
}

// Start spawns the helper. The VPN password (and the sudo password
// first, when escalating) is written to stdin and never exposed in
// argv or the process listing.
func (l *ExecLauncher) Start(cfg Config) (Handle, error) {
	args := BuildArgs(cfg)

	useSudo := cfg.SudoPassword != "" && os.Geteuid() != 0

	var cmd *exec.Cmd
	if useSudo {
		if _, err := exec.LookPath(l.SudoBinary); err != nil {
			return nil, common.WrapError(common.ErrHelperSpawn, "sudo not available")
		}
		sudoArgs := append([]string{"-S", l.Binary}, args...)
		cmd = exec.Command(l.SudoBinary, sudoArgs...)
	} else {
		if _, err := exec.LookPath(l.Binary); err != nil {
			return nil, common.WrapError(common.ErrHelperNotFound, l.Binary)
		}
		cmd = exec.Command(l.Binary, args...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, common.WrapError(common.ErrHelperSpawn, err.Error())
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, common.WrapError(common.ErrHelperSpawn, err.Error())
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, common.WrapError(common.ErrHelperSpawn, err.Error())
	}

	common.LogInfo("Starting helper: %s %s", cmd.Path, redactArgs(cmd.Args[1:]))

	if err := cmd.Start(); err != nil {
		return nil, common.WrapError(common.ErrHelperSpawn, err.Error())
	}
	common.LogInfo("Helper started with PID %d", cmd.Process.Pid)

	// Password delivery happens off the caller's goroutine so a stuck
	// helper cannot block the state machine.
	go func() {
		defer stdin.Close()
		if useSudo {
			fmt.Fprintf(stdin, "%s\n", cfg.SudoPassword)
		}
		fmt.Fprintf(stdin, "%s\n", cfg.Password)
	}()

	h := &processHandle{
		cmd:   cmd,
		lines: make(chan Line, 64),
		done:  make(chan struct{}),
	}
	go h.watch(stdout, stderr)
	return h, nil
}

// redactArgs renders the argument list for logging. Nothing secret is
// in argv, but keep the helper output consistent with the contract.
func redactArgs(args []string) string {
	return strings.Join(args, " ")
}

// processHandle wraps the running helper.
type processHandle struct {
	cmd     *exec.Cmd
	lines   chan Line
	done    chan struct{}
	waitErr error
}

// watch scans both output pipes into the classified line channel and
// reaps the process when they drain.
func (h *processHandle) watch(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	for _, pipe := range []io.Reader{stdout, stderr} {
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
			for scanner.Scan() {
				text := scanner.Text()
				h.lines <- Line{Kind: ClassifyLine(text), Text: text}
			}
			if err := scanner.Err(); err != nil {
				common.LogWarn("Helper output scan aborted: %v", err)
			}
		}(pipe)
	}
	wg.Wait()

	h.waitErr = h.cmd.Wait()
	close(h.lines)
	close(h.done)
}

// Lines implements Handle.
func (h *processHandle) Lines() <-chan Line {
	return h.lines
}

// Err implements Handle. It blocks until the process has been reaped.
func (h *processHandle) Err() error {
	<-h.done
	return h.waitErr
}

// PID implements Handle.
func (h *processHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Terminate implements Handle. SIGTERM first, SIGKILL after the grace
// period. Safe to call on an already-exited process.
func (h *processHandle) Terminate(grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}

	if grace <= 0 {
		grace = common.TerminateGrace
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}

	common.LogWarn("Helper pid %d ignored SIGTERM, killing", h.PID())
	if err := h.cmd.Process.Kill(); err != nil {
		return err
	}
	<-h.done
	return nil
}
