package gpclient

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yllada/gp-manager/common"
)

// fakeHandle is a scriptable helper process for driving the state
// machine without spawning anything.
type fakeHandle struct {
	lines chan Line
	done  chan struct{}
	once  sync.Once
	err   error

	mu              sync.Mutex
	terminated      bool
	ignoreTerminate bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		lines: make(chan Line, 64),
		done:  make(chan struct{}),
	}
}

func (h *fakeHandle) emit(text string) {
	h.lines <- Line{Kind: ClassifyLine(text), Text: text}
}

// exit simulates the helper process ending with the given exit error.
func (h *fakeHandle) exit(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.lines)
		close(h.done)
	})
}

func (h *fakeHandle) Lines() <-chan Line { return h.lines }

func (h *fakeHandle) Terminate(grace time.Duration) error {
	h.mu.Lock()
	h.terminated = true
	ignore := h.ignoreTerminate
	h.mu.Unlock()
	if !ignore {
		h.exit(nil)
	}
	return nil
}

// stall makes the handle survive Terminate, like a helper stuck in
// teardown; only an explicit exit ends it.
func (h *fakeHandle) stall() {
	h.mu.Lock()
	h.ignoreTerminate = true
	h.mu.Unlock()
}

func (h *fakeHandle) Err() error {
	<-h.done
	return h.err
}

func (h *fakeHandle) PID() int { return 4242 }

func (h *fakeHandle) wasTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

// fakeLauncher hands out fake handles and records every start.
type fakeLauncher struct {
	startErr error
	started  chan *fakeHandle
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{started: make(chan *fakeHandle, 4)}
}

func (l *fakeLauncher) Start(cfg Config) (Handle, error) {
	if l.startErr != nil {
		return nil, l.startErr
	}
	h := newFakeHandle()
	l.started <- h
	return h, nil
}

// startCount drains and counts recorded starts without blocking.
func (l *fakeLauncher) startCount() int {
	n := 0
	for {
		select {
		case <-l.started:
			n++
		default:
			return n
		}
	}
}

func testManager(t *testing.T) (*Manager, *fakeLauncher, *LockFile) {
	t.Helper()
	launcher := newFakeLauncher()
	lock := NewLockFile(testLockPath(t))
	m := NewManager(Options{
		Launcher:       launcher,
		Lock:           lock,
		AuthTimeout:    2 * time.Second,
		TunnelTimeout:  2 * time.Second,
		TerminateGrace: 100 * time.Millisecond,
	})
	return m, launcher, lock
}

func validConfig() Config {
	return Config{
		Gateway:  "vpn.example.com",
		Username: "alice",
		Password: "secret",
	}
}

// waitForState consumes snapshots until the wanted state arrives.
func waitForState(t *testing.T, snaps <-chan Snapshot, want State) Snapshot {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				t.Fatalf("subscription closed while waiting for %v", want)
			}
			if snap.State == want {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func nextHandle(t *testing.T, launcher *fakeLauncher) *fakeHandle {
	t.Helper()
	select {
	case h := <-launcher.started:
		return h
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the helper to be started")
		return nil
	}
}

func TestManager_ConnectLifecycle(t *testing.T) {
	m, launcher, lock := testManager(t)
	snaps, cancel := m.Subscribe()
	defer cancel()

	if err := m.Connect(validConfig()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	waitForState(t, snaps, StateAuthenticating)

	h := nextHandle(t, launcher)

	// The lock must be held for the whole attempt.
	if !common.FileExists(lock.Path()) {
		t.Error("lock file missing while authenticating")
	}

	h.emit("Login successful")
	waitForState(t, snaps, StateConnecting)

	h.emit("Connected as 10.0.0.2, using SSL + ESP")
	snap := waitForState(t, snaps, StateConnected)
	if snap.Stats == nil {
		t.Fatal("connected snapshot has no stats")
	}
	if snap.Stats.Gateway != "vpn.example.com" || snap.Stats.Username != "alice" {
		t.Errorf("stats = %+v, want gateway vpn.example.com user alice", snap.Stats)
	}
	if snap.Uptime() < 0 {
		t.Errorf("Uptime() = %v, want >= 0", snap.Uptime())
	}

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect() failed: %v", err)
	}
	waitForState(t, snaps, StateDisconnecting)
	snap = waitForState(t, snaps, StateIdle)
	if snap.Class != FailureNone {
		t.Errorf("clean disconnect class = %v, want FailureNone", snap.Class)
	}
	if !h.wasTerminated() {
		t.Error("helper was not terminated on disconnect")
	}
	if common.FileExists(lock.Path()) {
		t.Error("lock file still exists after disconnect")
	}
}

func TestManager_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"missing gateway", func(c *Config) { c.Gateway = "" }, common.ErrMissingGateway},
		{"missing username", func(c *Config) { c.Username = "" }, common.ErrMissingUsername},
		{"missing password", func(c *Config) { c.Password = "" }, common.ErrMissingPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, launcher, lock := testManager(t)

			cfg := validConfig()
			tt.mutate(&cfg)

			if err := m.Connect(cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("Connect() error = %v, want %v", err, tt.wantErr)
			}
			if n := launcher.startCount(); n != 0 {
				t.Errorf("helper started %d times for invalid config", n)
			}
			if common.FileExists(lock.Path()) {
				t.Error("lock file created for invalid config")
			}

			snap := m.State()
			if snap.State != StateIdle {
				t.Errorf("state = %v, want StateIdle", snap.State)
			}
			if snap.Class != FailureValidation {
				t.Errorf("failure class = %v, want FailureValidation", snap.Class)
			}
		})
	}
}

func TestManager_RejectsConcurrentConnect(t *testing.T) {
	m, launcher, _ := testManager(t)
	snaps, cancel := m.Subscribe()
	defer cancel()

	if err := m.Connect(validConfig()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	waitForState(t, snaps, StateAuthenticating)
	h := nextHandle(t, launcher)

	if err := m.Connect(validConfig()); !errors.Is(err, common.ErrConnectionInProgress) {
		t.Errorf("second Connect() error = %v, want ErrConnectionInProgress", err)
	}
	if n := launcher.startCount(); n != 0 {
		t.Errorf("second helper started despite attempt in progress")
	}

	h.exit(nil)
	waitForState(t, snaps, StateIdle)
}

func TestManager_LockHeldByOtherProcess(t *testing.T) {
	m, launcher, lock := testManager(t)

	// A live foreign owner: our own PID stands in for another running
	// instance.
	rec := LockRecord{OwnerPID: os.Getpid(), AcquiredAt: time.Now()}
	data, err := json.Marshal(&rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(lock.Path(), data, 0600); err != nil {
		t.Fatal(err)
	}

	if err := m.Connect(validConfig()); !errors.Is(err, common.ErrConnectionInProgress) {
		t.Errorf("Connect() error = %v, want ErrConnectionInProgress", err)
	}
	if n := launcher.startCount(); n != 0 {
		t.Error("helper started despite held lock")
	}

	snap := m.State()
	if snap.State != StateIdle || snap.Class != FailureLock {
		t.Errorf("snapshot = %v/%v, want StateIdle/FailureLock", snap.State, snap.Class)
	}
}

func TestManager_AuthFailure(t *testing.T) {
	m, launcher, lock := testManager(t)
	snaps, cancel := m.Subscribe()
	defer cancel()

	if err := m.Connect(validConfig()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	h := nextHandle(t, launcher)

	h.emit("Login failed: invalid credentials")

	snap := waitForState(t, snaps, StateFailed)
	if snap.Class != FailureAuth {
		t.Errorf("failure class = %v, want FailureAuth", snap.Class)
	}

	snap = waitForState(t, snaps, StateIdle)
	if snap.Class != FailureAuth {
		t.Errorf("idle snapshot lost the failure class: %v", snap.Class)
	}
	if !strings.Contains(snap.Err, "invalid credentials") {
		t.Errorf("idle snapshot error = %q, want the helper's reason", snap.Err)
	}
	if common.FileExists(lock.Path()) {
		t.Error("lock file still exists after auth failure")
	}

	// Failure is not sticky: a fresh attempt must be accepted.
	if err := m.Connect(validConfig()); err != nil {
		t.Fatalf("Connect() after failure rejected: %v", err)
	}
	h = nextHandle(t, launcher)
	h.exit(nil)
	waitForState(t, snaps, StateIdle)
}

func TestManager_HelperExitDuringAuth(t *testing.T) {
	m, launcher, lock := testManager(t)
	snaps, cancel := m.Subscribe()
	defer cancel()

	if err := m.Connect(validConfig()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	h := nextHandle(t, launcher)

	h.emit("Cannot resolve hostname vpn.example.com")
	h.exit(errors.New("exit status 1"))

	snap := waitForState(t, snaps, StateIdle)
	if snap.Class != FailureAuth {
		t.Errorf("failure class = %v, want FailureAuth", snap.Class)
	}
	if !strings.Contains(snap.Err, "Cannot resolve hostname") {
		t.Errorf("error %q does not carry the fatal line", snap.Err)
	}
	if common.FileExists(lock.Path()) {
		t.Error("lock file still exists after helper exit")
	}
}

func TestManager_TunnelLostWhileConnected(t *testing.T) {
	m, launcher, _ := testManager(t)
	snaps, cancel := m.Subscribe()
	defer cancel()

	if err := m.Connect(validConfig()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	h := nextHandle(t, launcher)
	h.emit("Login successful")
	h.emit("Connected as 10.0.0.2")
	waitForState(t, snaps, StateConnected)

	h.exit(errors.New("exit status 2"))

	snap := waitForState(t, snaps, StateIdle)
	if snap.Class != FailureTunnel {
		t.Errorf("failure class = %v, want FailureTunnel", snap.Class)
	}
	if !strings.Contains(snap.Err, "tunnel lost") {
		t.Errorf("error = %q, want a tunnel-lost reason", snap.Err)
	}
}

func TestManager_AuthTimeout(t *testing.T) {
	launcher := newFakeLauncher()
	lock := NewLockFile(testLockPath(t))
	m := NewManager(Options{
		Launcher:       launcher,
		Lock:           lock,
		AuthTimeout:    50 * time.Millisecond,
		TunnelTimeout:  2 * time.Second,
		TerminateGrace: 100 * time.Millisecond,
	})
	snaps, cancel := m.Subscribe()
	defer cancel()

	if err := m.Connect(validConfig()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	h := nextHandle(t, launcher)

	// Emit nothing: the attempt must time out on its own.
	snap := waitForState(t, snaps, StateIdle)
	if snap.Class != FailureAuth {
		t.Errorf("failure class = %v, want FailureAuth", snap.Class)
	}
	if !strings.Contains(snap.Err, "timed out") {
		t.Errorf("error = %q, want a timeout reason", snap.Err)
	}
	if !h.wasTerminated() {
		t.Error("helper was not terminated on timeout")
	}
	if common.FileExists(lock.Path()) {
		t.Error("lock file still exists after timeout")
	}
}

func TestManager_SpawnFailure(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.startErr = common.WrapError(common.ErrHelperNotFound, "gpclient")
	lock := NewLockFile(testLockPath(t))
	m := NewManager(Options{
		Launcher:       launcher,
		Lock:           lock,
		AuthTimeout:    time.Second,
		TunnelTimeout:  time.Second,
		TerminateGrace: 100 * time.Millisecond,
	})
	snaps, cancel := m.Subscribe()
	defer cancel()

	if err := m.Connect(validConfig()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	snap := waitForState(t, snaps, StateIdle)
	if snap.Class != FailureSpawn {
		t.Errorf("failure class = %v, want FailureSpawn", snap.Class)
	}
	if common.FileExists(lock.Path()) {
		t.Error("lock file still exists after spawn failure")
	}
}

func TestManager_ForceCleanupFromConnected(t *testing.T) {
	m, launcher, lock := testManager(t)
	snaps, cancel := m.Subscribe()
	defer cancel()

	if err := m.Connect(validConfig()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	h := nextHandle(t, launcher)
	h.emit("Login successful")
	h.emit("Connected as 10.0.0.2")
	waitForState(t, snaps, StateConnected)

	start := time.Now()
	m.ForceCleanup(2 * time.Second)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("ForceCleanup took %v, want prompt teardown", elapsed)
	}

	snap := waitForState(t, snaps, StateIdle)
	if snap.Class != FailureInterrupted {
		t.Errorf("failure class = %v, want FailureInterrupted", snap.Class)
	}
	if !h.wasTerminated() {
		t.Error("helper was not terminated by forced cleanup")
	}
	if common.FileExists(lock.Path()) {
		t.Error("lock file still exists after forced cleanup")
	}
}

func TestManager_ForceCleanupWhenIdle(t *testing.T) {
	m, _, lock := testManager(t)

	// Must be a no-op with nothing in flight.
	m.ForceCleanup(time.Second)

	if got := m.State().State; got != StateIdle {
		t.Errorf("state = %v, want StateIdle", got)
	}
	if common.FileExists(lock.Path()) {
		t.Error("lock file appeared out of nowhere")
	}
}

func TestManager_DisconnectWhenIdle(t *testing.T) {
	m, _, _ := testManager(t)

	if err := m.Disconnect(); !errors.Is(err, common.ErrNotConnected) {
		t.Errorf("Disconnect() error = %v, want ErrNotConnected", err)
	}
}

func TestManager_ForcedCleanupRacesHelperExit(t *testing.T) {
	// Forced cleanup and an unsolicited helper exit may land at the
	// same instant; whichever classification wins, the machine must end
	// up idle with the lock released.
	for i := 0; i < 50; i++ {
		m, launcher, lock := testManager(t)

		if err := m.Connect(validConfig()); err != nil {
			t.Fatalf("Connect() failed: %v", err)
		}
		h := nextHandle(t, launcher)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.exit(errors.New("exit status 1"))
		}()
		go func() {
			defer wg.Done()
			m.ForceCleanup(time.Second)
		}()
		wg.Wait()

		deadline := time.Now().Add(2 * time.Second)
		for m.State().State != StateIdle && time.Now().Before(deadline) {
			time.Sleep(2 * time.Millisecond)
		}

		snap := m.State()
		if snap.State != StateIdle {
			t.Fatalf("state = %v after racing teardown, want StateIdle", snap.State)
		}
		switch snap.Class {
		case FailureAuth, FailureInterrupted:
		default:
			t.Fatalf("failure class = %v, want FailureAuth or FailureInterrupted", snap.Class)
		}
		if common.FileExists(lock.Path()) {
			t.Fatal("lock file leaked by racing teardown")
		}
	}
}

func TestManager_StaleAttemptCannotPublish(t *testing.T) {
	launcher := newFakeLauncher()
	lock := NewLockFile(testLockPath(t))
	m := NewManager(Options{
		Launcher:       launcher,
		Lock:           lock,
		AuthTimeout:    5 * time.Second,
		TunnelTimeout:  5 * time.Second,
		TerminateGrace: 10 * time.Millisecond,
	})
	snaps, cancel := m.Subscribe()
	defer cancel()

	if err := m.Connect(validConfig()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	waitForState(t, snaps, StateAuthenticating)
	h1 := nextHandle(t, launcher)
	h1.stall()

	// The helper ignores termination, so the grace expires and cleanup
	// settles directly while the first run loop is still draining.
	m.ForceCleanup(50 * time.Millisecond)
	waitForState(t, snaps, StateIdle)

	if err := m.Connect(validConfig()); err != nil {
		t.Fatalf("Connect() after forced cleanup failed: %v", err)
	}
	waitForState(t, snaps, StateAuthenticating)
	h2 := nextHandle(t, launcher)

	// The stuck helper finally exits. Its attempt was already settled;
	// it must not publish over the new one.
	h1.exit(nil)
	time.Sleep(100 * time.Millisecond)

	if got := m.State().State; got != StateAuthenticating {
		t.Errorf("stale attempt published over the new one: state = %v", got)
	}
	if !common.FileExists(lock.Path()) {
		t.Error("lock file missing while the new attempt is in flight")
	}

	h2.exit(nil)
	waitForState(t, snaps, StateIdle)
}

func TestManager_DisconnectCancelsAuthentication(t *testing.T) {
	m, launcher, lock := testManager(t)
	snaps, cancel := m.Subscribe()
	defer cancel()

	if err := m.Connect(validConfig()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	waitForState(t, snaps, StateAuthenticating)
	h := nextHandle(t, launcher)

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect() during auth failed: %v", err)
	}

	snap := waitForState(t, snaps, StateIdle)
	if snap.Class != FailureNone {
		t.Errorf("cancelled attempt class = %v, want FailureNone", snap.Class)
	}
	if !h.wasTerminated() {
		t.Error("helper was not terminated on cancellation")
	}
	if common.FileExists(lock.Path()) {
		t.Error("lock file still exists after cancellation")
	}
}
