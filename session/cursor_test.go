// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"testing"
	"time"

	"github.com/casemarket/collab/lib/clock"
)

func TestCursorThrottleLeadingAndTrailing(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	interval := 50 * time.Millisecond

	var published []CursorPosition
	throttle := newCursorThrottle(clk, interval, func(x, y float64) {
		published = append(published, CursorPosition{X: x, Y: y})
	})

	// First move in a quiet period publishes immediately.
	throttle.offer(0.1, 0.1)
	if len(published) != 1 {
		t.Fatalf("publishes after first offer = %d, want 1", len(published))
	}

	// Moves during the cooldown coalesce; only the last survives.
	throttle.offer(0.2, 0.2)
	throttle.offer(0.3, 0.3)
	throttle.offer(0.4, 0.4)
	if len(published) != 1 {
		t.Fatalf("publishes during cooldown = %d, want 1", len(published))
	}

	clk.Advance(interval)
	if len(published) != 2 {
		t.Fatalf("publishes after cooldown = %d, want 2", len(published))
	}
	if published[1].X != 0.4 || published[1].Y != 0.4 {
		t.Errorf("trailing publish = (%v, %v), want (0.4, 0.4)", published[1].X, published[1].Y)
	}

	// The trailing publish re-armed the cooldown; with nothing pending
	// it expires into idle.
	clk.Advance(interval)
	if len(published) != 2 {
		t.Fatalf("publishes after idle expiry = %d, want 2", len(published))
	}

	// Idle again: next offer is a fresh leading edge.
	throttle.offer(0.5, 0.5)
	if len(published) != 3 {
		t.Fatalf("publishes after idle offer = %d, want 3", len(published))
	}
}

func TestCursorThrottleClosed(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))

	var count int
	throttle := newCursorThrottle(clk, 50*time.Millisecond, func(x, y float64) { count++ })

	throttle.offer(0.1, 0.1)
	throttle.offer(0.2, 0.2)
	throttle.close()

	clk.Advance(time.Second)
	if count != 1 {
		t.Errorf("publishes = %d, want 1 (pending dropped on close)", count)
	}

	throttle.offer(0.3, 0.3)
	if count != 1 {
		t.Errorf("publishes after close = %d, want 1", count)
	}
}

func TestCursorTrackerStaleness(t *testing.T) {
	start := time.Unix(1000, 0)
	tracker := newCursorTracker(5 * time.Second)

	tracker.update("alpha", 0.1, 0.2, start)
	tracker.update("beta", 0.3, 0.4, start.Add(3*time.Second))

	// Within the window nothing is stale.
	if cleared := tracker.sweep(start.Add(4 * time.Second)); len(cleared) != 0 {
		t.Fatalf("cleared = %v, want none", cleared)
	}

	// alpha ages out first.
	cleared := tracker.sweep(start.Add(6 * time.Second))
	if len(cleared) != 1 || cleared[0] != "alpha" {
		t.Fatalf("cleared = %v, want [alpha]", cleared)
	}

	positions := tracker.positions()
	if _, ok := positions["alpha"]; ok {
		t.Error("alpha still present after sweep")
	}
	if position, ok := positions["beta"]; !ok || position.X != 0.3 {
		t.Errorf("beta position = %+v, want X=0.3", position)
	}
}

func TestCursorTrackerRemove(t *testing.T) {
	tracker := newCursorTracker(5 * time.Second)
	tracker.update("alpha", 0.5, 0.5, time.Unix(1000, 0))

	if !tracker.remove("alpha") {
		t.Error("remove of shown cursor returned false")
	}
	if tracker.remove("alpha") {
		t.Error("second remove returned true")
	}
	if tracker.remove("unknown") {
		t.Error("remove of unknown cursor returned true")
	}
}
