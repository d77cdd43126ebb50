// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"testing"
	"time"
)

// RequireReceive reads one value from ch within timeout, or fails the
// test. The format string names what the test was waiting for, so a
// timeout reads as a sentence in the failure log.
//
//	envelope := testutil.RequireReceive(t, inbound, 5*time.Second, "envelope from %q", peer)
func RequireReceive[T any](t testing.TB, ch <-chan T, timeout time.Duration, format string, args ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without a value: %s", fmt.Sprintf(format, args...))
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, fmt.Sprintf(format, args...))
	}
	panic("unreachable")
}

// RequireSend sends v on ch within timeout, or fails the test.
func RequireSend[T any](t testing.TB, ch chan<- T, v T, timeout time.Duration, format string, args ...any) {
	t.Helper()
	select {
	case ch <- v:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, fmt.Sprintf(format, args...))
	}
}

// RequireClosed waits for ch to close (or yield a value) within
// timeout, or fails the test. For readiness channels that signal by
// closing.
func RequireClosed(t testing.TB, ch <-chan struct{}, timeout time.Duration, format string, args ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for close: %s", timeout, fmt.Sprintf(format, args...))
	}
}
