// Package testutil provides helpers for asynchronous assertions in tests.
package testutil

import (
	"testing"
	"time"
)

// WaitFor polls condition until it returns true or the timeout elapses.
func WaitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

// MustWaitFor fails the test when condition does not become true in time.
func MustWaitFor(t *testing.T, timeout time.Duration, msg string, condition func() bool) {
	t.Helper()
	if !WaitFor(timeout, condition) {
		t.Fatalf("condition not met within %v: %s", timeout, msg)
	}
}
