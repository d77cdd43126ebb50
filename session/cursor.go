// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"time"

	"github.com/casemarket/collab/lib/clock"
)

// CursorPosition is one remote participant's last known cursor, in
// viewport-relative coordinates.
type CursorPosition struct {
	X, Y      float64
	UpdatedAt time.Time
}

// cursorTracker holds remote cursor positions and clears the stale
// ones. Cursor state is ephemeral: it never enters the shared state or
// any snapshot.
type cursorTracker struct {
	staleAfter time.Duration

	mu      sync.Mutex
	cursors map[string]CursorPosition
}

func newCursorTracker(staleAfter time.Duration) *cursorTracker {
	return &cursorTracker{
		staleAfter: staleAfter,
		cursors:    make(map[string]CursorPosition),
	}
}

// update records a cursor position for a participant.
func (t *cursorTracker) update(participantID string, x, y float64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors[participantID] = CursorPosition{X: x, Y: y, UpdatedAt: now}
}

// remove drops a participant's cursor. Returns whether one was shown.
func (t *cursorTracker) remove(participantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.cursors[participantID]; !ok {
		return false
	}
	delete(t.cursors, participantID)
	return true
}

// sweep clears every cursor not refreshed within the staleness window
// and returns the ids cleared.
func (t *cursorTracker) sweep(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cleared []string
	for participantID, position := range t.cursors {
		if now.Sub(position.UpdatedAt) > t.staleAfter {
			delete(t.cursors, participantID)
			cleared = append(cleared, participantID)
		}
	}
	return cleared
}

// positions returns a copy of the current cursor map.
func (t *cursorTracker) positions() map[string]CursorPosition {
	t.mu.Lock()
	defer t.mu.Unlock()

	positions := make(map[string]CursorPosition, len(t.cursors))
	for participantID, position := range t.cursors {
		positions[participantID] = position
	}
	return positions
}

// cursorThrottle rate-limits outbound cursor publishing to one message
// per interval, leading and trailing edge: the first move in a quiet
// period publishes immediately, moves during the cooldown coalesce
// into a single trailing publish, so the remote cursor always settles
// on the final position.
type cursorThrottle struct {
	clk      clock.Clock
	interval time.Duration
	publish  func(x, y float64)

	mu      sync.Mutex
	cooling bool
	pending *CursorPosition
	closed  bool
}

func newCursorThrottle(clk clock.Clock, interval time.Duration, publish func(x, y float64)) *cursorThrottle {
	return &cursorThrottle{clk: clk, interval: interval, publish: publish}
}

// offer submits a cursor position. It either publishes immediately or
// replaces the pending trailing position.
func (t *cursorThrottle) offer(x, y float64) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.cooling {
		t.pending = &CursorPosition{X: x, Y: y}
		t.mu.Unlock()
		return
	}
	t.cooling = true
	t.mu.Unlock()

	t.publish(x, y)
	t.clk.AfterFunc(t.interval, t.cooldownExpired)
}

// cooldownExpired publishes the trailing position if one accumulated,
// re-arming the cooldown; otherwise the throttle goes idle.
func (t *cursorThrottle) cooldownExpired() {
	t.mu.Lock()
	if t.closed {
		t.cooling = false
		t.pending = nil
		t.mu.Unlock()
		return
	}
	pending := t.pending
	t.pending = nil
	if pending == nil {
		t.cooling = false
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.publish(pending.X, pending.Y)
	t.clk.AfterFunc(t.interval, t.cooldownExpired)
}

// close stops future publishes.
func (t *cursorThrottle) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.pending = nil
}
