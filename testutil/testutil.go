// Package testutil provides shared test utilities for skycloset tests.
package testutil

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// TempFile creates a file with the given content under dir and returns its
// path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// Clock is a manually advanced clock for deterministic time-dependent tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock frozen at the given time.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current frozen time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
