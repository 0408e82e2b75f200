package gpclient

import (
	"path/filepath"
	"testing"
	"time"
)

func testHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenHistory() failed: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistory_BeginFinishRecent(t *testing.T) {
	h := testHistory(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := h.Begin("attempt-1", "vpn.example.com", "alice", base); err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	if err := h.Finish("attempt-1", "failed", "invalid credentials", base.Add(5*time.Second)); err != nil {
		t.Fatalf("Finish() failed: %v", err)
	}

	if err := h.Begin("attempt-2", "gw.corp.net", "bob", base.Add(time.Minute)); err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}

	attempts, err := h.Recent(10)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("Recent() returned %d attempts, want 2", len(attempts))
	}

	// Newest first.
	if attempts[0].ID != "attempt-2" {
		t.Errorf("first attempt = %s, want attempt-2", attempts[0].ID)
	}
	if attempts[0].Outcome != "pending" {
		t.Errorf("unfinished attempt outcome = %q, want pending", attempts[0].Outcome)
	}

	got := attempts[1]
	if got.Gateway != "vpn.example.com" || got.Username != "alice" {
		t.Errorf("attempt = %+v, want vpn.example.com/alice", got)
	}
	if got.Outcome != "failed" || got.Reason != "invalid credentials" {
		t.Errorf("outcome = %s/%q, want failed/invalid credentials", got.Outcome, got.Reason)
	}
	if !got.EndedAt.After(got.StartedAt) {
		t.Errorf("EndedAt %v not after StartedAt %v", got.EndedAt, got.StartedAt)
	}
}

func TestHistory_RecentLimit(t *testing.T) {
	h := testHistory(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		if err := h.Begin(id, "vpn.example.com", "alice", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Begin(%s) failed: %v", id, err)
		}
	}

	attempts, err := h.Recent(3)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(attempts) != 3 {
		t.Errorf("Recent(3) returned %d attempts", len(attempts))
	}
}

func TestHistory_RecentEmpty(t *testing.T) {
	h := testHistory(t)

	attempts, err := h.Recent(10)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(attempts) != 0 {
		t.Errorf("Recent() on empty database returned %d attempts", len(attempts))
	}
}
