// Package gpclient provides the connection lifecycle manager for GP Manager.
// This file contains the lock coordinator that serializes connection
// attempts across process instances through a well-known lock file.
package gpclient

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/gp-manager/common"
)

// LockRecord is the content of the lock file. It records enough for an
// independent process to distinguish a live lock from a stale one.
type LockRecord struct {
	OwnerPID   int       `json:"owner_pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockFile coordinates the on-disk connection lock. The zero value is
// not usable; construct with NewLockFile.
type LockFile struct {
	path string
}

// NewLockFile returns a coordinator for the lock file at path.
func NewLockFile(path string) *LockFile {
	return &LockFile{path: path}
}

// Path returns the lock file location.
func (lf *LockFile) Path() string {
	return lf.path
}

// Acquire atomically creates the lock file. If a lock already exists and
// its owning process is still running, it fails with common.ErrLockHeld.
// A stale lock (dead owner or unreadable record) is removed and the
// acquisition retried once.
func (lf *LockFile) Acquire() (*LockHandle, error) {
	if handle, err := lf.tryCreate(); err == nil {
		return handle, nil
	} else if !os.IsExist(err) {
		return nil, common.WrapError(err, "failed to create lock file")
	}

	rec, err := lf.Inspect()
	if err == nil && processAlive(rec.OwnerPID) {
		return nil, common.WrapError(common.ErrLockHeld,
			fmt.Sprintf("lock file %s owned by running pid %d", lf.path, rec.OwnerPID))
	}

	// Stale or unreadable lock: self-heal and retry once.
	common.LogWarn("Removing stale lock file %s", lf.path)
	if err := os.Remove(lf.path); err != nil && !os.IsNotExist(err) {
		return nil, common.WrapError(err, "failed to remove stale lock file")
	}

	handle, err := lf.tryCreate()
	if err != nil {
		if os.IsExist(err) {
			return nil, common.WrapError(common.ErrLockHeld, "lock file reappeared during acquisition")
		}
		return nil, common.WrapError(err, "failed to create lock file")
	}
	return handle, nil
}

// tryCreate writes the lock record with O_EXCL semantics.
func (lf *LockFile) tryCreate() (*LockHandle, error) {
	f, err := os.OpenFile(lf.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	rec := LockRecord{OwnerPID: os.Getpid(), AcquiredAt: time.Now()}
	enc := json.NewEncoder(f)
	if err := enc.Encode(&rec); err != nil {
		f.Close()
		os.Remove(lf.path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(lf.path)
		return nil, err
	}

	common.LogDebug("Acquired lock %s (pid %d)", lf.path, rec.OwnerPID)
	return &LockHandle{path: lf.path}, nil
}

// Inspect reads the current lock record without acquiring anything.
func (lf *LockFile) Inspect() (*LockRecord, error) {
	data, err := os.ReadFile(lf.path)
	if err != nil {
		return nil, err
	}
	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, common.WrapError(err, "unreadable lock record")
	}
	return &rec, nil
}

// IsStale reports whether a lock file exists whose owning process is no
// longer running. A missing file is not stale, it is free.
func (lf *LockFile) IsStale() bool {
	rec, err := lf.Inspect()
	if err != nil {
		if os.IsNotExist(err) {
			return false
		}
		// Present but unreadable counts as stale.
		return true
	}
	return !processAlive(rec.OwnerPID)
}

// Busy reports whether the lock is currently held by a running process.
// Used by independent processes (e.g. the status command) to inspect
// the connection state from outside.
func (lf *LockFile) Busy() bool {
	rec, err := lf.Inspect()
	if err != nil {
		return false
	}
	return processAlive(rec.OwnerPID)
}

// processAlive probes a PID with signal 0. EPERM means the process
// exists but belongs to someone else, which still counts as alive.
// This is a heuristic: a recycled PID would be misread as a live owner.
// The record's AcquiredAt lets an operator judge such cases by hand.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// LockHandle represents an acquired lock. Ownership transfers to the
// state machine for the attempt's lifetime; Release is idempotent.
type LockHandle struct {
	path string
	once sync.Once
}

// Release removes the lock file. Releasing an already-released handle
// is a no-op.
func (h *LockHandle) Release() {
	h.once.Do(func() {
		if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
			common.LogWarn("Failed to remove lock file %s: %v", h.path, err)
			return
		}
		common.LogDebug("Released lock %s", h.path)
	})
}
