// Package gpclient provides the connection lifecycle manager for GP Manager.
// This file contains the Manager, the single authority for what the VPN is
// doing right now. It owns the helper process and the connection lock, and
// guarantees cleanup on every path back to idle.
package gpclient

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yllada/gp-manager/common"
)

// Options configures a Manager. Zero fields get defaults from the
// common package so the manager is testable with fake paths and a fake
// launcher.
type Options struct {
	// Launcher spawns helper processes. Defaults to an ExecLauncher for
	// the gpclient binary.
	Launcher Launcher
	// Lock coordinates the connection lock file. Defaults to the
	// well-known gpclient lock path.
	Lock *LockFile
	// AuthTimeout bounds the credential exchange phase.
	AuthTimeout time.Duration
	// TunnelTimeout bounds tunnel establishment after authentication.
	TunnelTimeout time.Duration
	// TerminateGrace bounds how long a helper gets to exit on SIGTERM.
	TerminateGrace time.Duration
	// History records connection attempts when set.
	History *History
	// Notifier raises desktop notifications when set.
	Notifier common.Notifier
}

// Manager is the connection state machine. All mutation goes through it;
// front-ends observe it through snapshots and subscriptions only.
type Manager struct {
	mu      sync.Mutex
	opts    Options
	snap    Snapshot
	subs    map[int]chan Snapshot
	nextSub int
	attempt *attempt
}

// attempt tracks one in-flight connection from lock acquisition to the
// return to idle.
type attempt struct {
	id     string
	cfg    Config
	handle Handle
	lock   *LockHandle

	disconnectCh   chan struct{}
	disconnectOnce sync.Once
	// interrupted marks signal-driven teardown for classification. It
	// races with the run goroutine's settle paths, hence atomic.
	interrupted atomic.Bool
	done        chan struct{}
}

// requestDisconnect signals the run loop to tear the attempt down.
func (a *attempt) requestDisconnect(interrupted bool) {
	a.disconnectOnce.Do(func() {
		if interrupted {
			a.interrupted.Store(true)
		}
		close(a.disconnectCh)
	})
}

// NewManager creates a connection state machine.
func NewManager(opts Options) *Manager {
	if opts.Launcher == nil {
		opts.Launcher = NewExecLauncher(common.DefaultHelperBinary)
	}
	if opts.Lock == nil {
		opts.Lock = NewLockFile(common.DefaultLockFilePath)
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = common.AuthTimeout
	}
	if opts.TunnelTimeout <= 0 {
		opts.TunnelTimeout = common.TunnelTimeout
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = common.TerminateGrace
	}
	return &Manager{
		opts: opts,
		snap: Snapshot{State: StateIdle},
		subs: make(map[int]chan Snapshot),
	}
}

// State returns a snapshot of the current connection state.
func (m *Manager) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Subscribe registers for state-change notifications. Every transition
// is delivered as a snapshot on the returned channel; slow subscribers
// may miss intermediate transitions but always receive the latest one
// eventually. The cancel function unregisters the subscription.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Snapshot, 16)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publishLocked records and fans out a new snapshot. Callers hold m.mu.
func (m *Manager) publishLocked(snap Snapshot) {
	m.snap = snap
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
			// Drop rather than block the state machine; the
			// subscriber will catch up on the next transition.
		}
	}
}

// Connect starts a connection attempt. Validation failures and a held
// lock are reported synchronously with no state change; everything after
// that is observed through state transitions, not a return value.
func (m *Manager) Connect(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		m.noteRejection(FailureValidation, err.Error())
		return err
	}

	m.mu.Lock()

	if m.snap.State != StateIdle {
		m.mu.Unlock()
		return common.ErrConnectionInProgress
	}

	lock, err := m.opts.Lock.Acquire()
	if err != nil {
		m.publishLocked(Snapshot{State: StateIdle, Class: FailureLock, Err: err.Error()})
		m.mu.Unlock()
		if errors.Is(err, common.ErrLockHeld) {
			return common.ErrConnectionInProgress
		}
		return err
	}

	a := &attempt{
		id:           uuid.NewString(),
		cfg:          cfg,
		lock:         lock,
		disconnectCh: make(chan struct{}),
		done:         make(chan struct{}),
	}
	m.attempt = a
	m.publishLocked(Snapshot{State: StateAuthenticating})
	m.mu.Unlock()

	if h := m.opts.History; h != nil {
		if err := h.Begin(a.id, cfg.Gateway, cfg.Username, time.Now()); err != nil {
			common.LogWarn("Failed to record connection attempt: %v", err)
		}
	}

	common.LogInfo("Connection attempt %s to %s started", a.id, cfg.Gateway)
	go m.run(a)
	return nil
}

// noteRejection surfaces a synchronous rejection on the snapshot without
// leaving idle, so the UI shows the message on the editable view.
func (m *Manager) noteRejection(class FailureClass, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.State == StateIdle {
		m.publishLocked(Snapshot{State: StateIdle, Class: class, Err: msg})
	}
}

// Disconnect requests teardown of the current attempt. While
// authenticating or connecting it cancels the in-flight attempt rather
// than waiting for it to resolve.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	a := m.attempt
	m.mu.Unlock()

	if a == nil {
		return common.ErrNotConnected
	}
	a.requestDisconnect(false)
	return nil
}

// ForceCleanup drives the machine to idle from any state: the helper is
// terminated and the lock released regardless of the current phase.
// It blocks until teardown completes or the grace period expires, after
// which cleanup proceeds unconditionally.
func (m *Manager) ForceCleanup(grace time.Duration) {
	m.mu.Lock()
	a := m.attempt
	m.mu.Unlock()

	if a == nil {
		return
	}

	if grace <= 0 {
		grace = common.CleanupGrace
	}

	a.requestDisconnect(true)

	select {
	case <-a.done:
		return
	case <-time.After(grace):
	}

	// The run loop did not settle in time. Clean up from here; the
	// idempotent lock release and terminate make the overlap safe.
	common.LogWarn("Forced cleanup grace period expired, cleaning up directly")
	m.mu.Lock()
	h := a.handle
	m.mu.Unlock()
	if h != nil {
		_ = h.Terminate(0)
	}
	a.lock.Release()

	m.mu.Lock()
	if m.attempt == a {
		m.attempt = nil
		m.publishLocked(Snapshot{State: StateIdle, Class: FailureInterrupted, Err: "shutdown forced"})
	}
	m.mu.Unlock()
}

// setStateIfCurrent publishes a phase change for a, unless forced
// cleanup already settled it; a stale attempt must not publish over its
// successor.
func (m *Manager) setStateIfCurrent(a *attempt, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt == a {
		m.publishLocked(Snapshot{State: s})
	}
}

// run is the per-attempt event loop. It is the only goroutine that
// consumes the helper's classified output; the machine itself never
// blocks on process I/O.
func (m *Manager) run(a *attempt) {
	handle, err := m.opts.Launcher.Start(a.cfg)
	if err != nil {
		m.settleFailed(a, FailureSpawn, err.Error())
		return
	}

	m.mu.Lock()
	a.handle = handle
	m.mu.Unlock()

	phase := StateAuthenticating
	timer := time.NewTimer(m.opts.AuthTimeout)
	defer timer.Stop()
	var timerC <-chan time.Time = timer.C

	lastFatal := ""

	for {
		select {
		case line, ok := <-handle.Lines():
			if !ok {
				// Helper exited.
				exitErr := handle.Err()
				m.settleOnExit(a, phase, exitErr, lastFatal)
				return
			}
			switch line.Kind {
			case LineAuthOK:
				if phase == StateAuthenticating {
					common.LogInfo("Authentication succeeded, establishing tunnel")
					phase = StateConnecting
					m.setStateIfCurrent(a, StateConnecting)
					resetTimer(timer, m.opts.TunnelTimeout)
					timerC = timer.C
				}
			case LineTunnelUp:
				if phase != StateConnected {
					phase = StateConnected
					stopTimer(timer)
					timerC = nil
					stats := statsFor(a.cfg)
					common.LogInfo("Tunnel established to %s", stats.Gateway)
					m.mu.Lock()
					if m.attempt == a {
						m.publishLocked(Snapshot{State: StateConnected, Stats: stats})
					}
					m.mu.Unlock()
					m.notify("Connected", fmt.Sprintf("Tunnel to %s is up", stats.Gateway))
				}
			case LineAuthFailed:
				common.LogWarn("Helper reported authentication failure")
				m.teardownProcess(a)
				m.settleFailed(a, FailureAuth, "invalid credentials: "+line.Text)
				return
			case LineFatal:
				// Remember the reason; the exit path classifies it
				// by phase once the process is reaped.
				lastFatal = line.Text
				common.LogWarn("Helper error: %s", line.Text)
			default:
				common.LogDebug("helper: %s", line.Text)
			}

		case <-timerC:
			m.teardownProcess(a)
			if phase == StateAuthenticating {
				m.settleFailed(a, FailureAuth, "authentication timed out")
			} else {
				m.settleFailed(a, FailureTunnel, "tunnel establishment timed out")
			}
			return

		case <-a.disconnectCh:
			m.setStateIfCurrent(a, StateDisconnecting)
			m.teardownProcess(a)
			m.settleIdle(a)
			return
		}
	}
}

// settleOnExit classifies an unsolicited helper exit by the phase it
// interrupted.
func (m *Manager) settleOnExit(a *attempt, phase State, exitErr error, lastFatal string) {
	reason := "helper exited"
	if exitErr != nil {
		reason = fmt.Sprintf("helper exited: %v", exitErr)
	}
	if lastFatal != "" {
		reason = lastFatal
	}

	switch phase {
	case StateAuthenticating:
		m.settleFailed(a, FailureAuth, reason)
	case StateConnecting:
		m.settleFailed(a, FailureTunnel, reason)
	case StateConnected:
		m.notify("Connection lost", reason)
		m.settleFailed(a, FailureTunnel, "tunnel lost: "+reason)
	default:
		m.settleIdle(a)
	}
}

// teardownProcess terminates the helper and drains the remaining output
// so the reader goroutines can finish. Safe when the process already
// exited or was never started.
func (m *Manager) teardownProcess(a *attempt) {
	h := a.handle
	if h == nil {
		return
	}

	termDone := make(chan struct{})
	go func() {
		_ = h.Terminate(m.opts.TerminateGrace)
		close(termDone)
	}()
	for range h.Lines() {
		// Drain until the process exits and the stream closes.
	}
	<-termDone
}

// settleFailed surfaces a failure and returns to idle. The Failed
// snapshot is published while the lock is still held; the lock is
// released exactly once on the way back to idle.
func (m *Manager) settleFailed(a *attempt, class FailureClass, reason string) {
	if a.interrupted.Load() {
		class = FailureInterrupted
		reason = "interrupted by shutdown"
	}

	m.mu.Lock()
	if m.attempt == a {
		m.publishLocked(Snapshot{State: StateFailed, Class: class, Err: reason})
		a.lock.Release()
		m.attempt = nil
		// Failure is not sticky: surface the reason, then allow the next
		// attempt immediately.
		m.publishLocked(Snapshot{State: StateIdle, Class: class, Err: reason})
	} else {
		// Forced cleanup already settled this attempt. Release is
		// idempotent; publishing would stomp on whatever came after.
		a.lock.Release()
	}
	m.mu.Unlock()

	common.LogWarn("Connection attempt %s failed (%s): %s", a.id, class, reason)
	m.finishAttempt(a, "failed", reason)
	if class != FailureInterrupted {
		m.notify("Connection failed", reason)
	}
}

// settleIdle completes a clean teardown back to idle.
func (m *Manager) settleIdle(a *attempt) {
	class := FailureNone
	reason := ""
	outcome := "disconnected"
	if a.interrupted.Load() {
		class = FailureInterrupted
		outcome = "interrupted"
	}

	m.mu.Lock()
	a.lock.Release()
	if m.attempt == a {
		m.attempt = nil
		m.publishLocked(Snapshot{State: StateIdle, Class: class, Err: reason})
	}
	m.mu.Unlock()

	common.LogInfo("Connection attempt %s ended: %s", a.id, outcome)
	m.finishAttempt(a, outcome, "")
}

// finishAttempt records the terminal outcome and drops the credential
// material held for the attempt.
func (m *Manager) finishAttempt(a *attempt, outcome, reason string) {
	a.cfg.Password = ""
	a.cfg.SudoPassword = ""

	if h := m.opts.History; h != nil {
		if err := h.Finish(a.id, outcome, reason, time.Now()); err != nil {
			common.LogWarn("Failed to record attempt outcome: %v", err)
		}
	}
	close(a.done)
}

// notify raises a desktop notification when a notifier is configured.
func (m *Manager) notify(title, message string) {
	if m.opts.Notifier == nil {
		return
	}
	if err := m.opts.Notifier.Notify(title, message); err != nil {
		common.LogDebug("Notification failed: %v", err)
	}
}

// statsFor builds the connection stats for an established tunnel.
func statsFor(cfg Config) *Stats {
	stats := &Stats{
		Gateway:     cfg.Gateway,
		Username:    cfg.Username,
		ConnectedAt: time.Now(),
	}
	if !cfg.AsGateway {
		stats.Portal = cfg.Gateway
	}
	return stats
}

// resetTimer safely rearms a timer for the next phase.
func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

// stopTimer stops a timer and drains a pending fire.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
