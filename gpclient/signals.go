// Package gpclient provides the connection lifecycle manager for GP Manager.
// This file contains the exit handler that forces teardown on process
// signals and window close so no helper process or lock file outlives us.
package gpclient

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/gp-manager/common"
)

// ExitHandler intercepts termination signals and drives the state
// machine through forced cleanup before the process exits. It never
// initiates normal connects or disconnects.
type ExitHandler struct {
	manager *Manager
	grace   time.Duration
	once    sync.Once
	sigCh   chan os.Signal
	exit    func(code int)
}

// NewExitHandler creates an exit handler bound to the given manager.
func NewExitHandler(m *Manager, grace time.Duration) *ExitHandler {
	if grace <= 0 {
		grace = common.CleanupGrace
	}
	return &ExitHandler{
		manager: m,
		grace:   grace,
		sigCh:   make(chan os.Signal, 1),
		exit:    os.Exit,
	}
}

// Watch registers for SIGINT and SIGTERM. On the first signal the
// current attempt is torn down synchronously, bounded by the grace
// period, and the process exits.
func (h *ExitHandler) Watch() {
	signal.Notify(h.sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-h.sigCh
		if !ok {
			return
		}
		common.LogInfo("Received signal %v, forcing cleanup", sig)
		h.Trigger()
		h.exit(0)
	}()
}

// Trigger runs forced cleanup exactly once. Front-ends call it on
// window close; the signal path calls it on SIGINT/SIGTERM. It blocks
// until the lock is released and the helper is confirmed terminated,
// or the grace period expires.
func (h *ExitHandler) Trigger() {
	h.once.Do(func() {
		h.manager.ForceCleanup(h.grace)
	})
}

// Stop unregisters the signal handler.
func (h *ExitHandler) Stop() {
	signal.Stop(h.sigCh)
}
