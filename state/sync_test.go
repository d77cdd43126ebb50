// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/casemarket/collab/lib/clock"
	"github.com/casemarket/collab/lib/codec"
	"github.com/casemarket/collab/wire"
)

// newSync creates a replica whose local stamps start at the given
// millisecond and advance only when the test advances the clock.
func newSync(t *testing.T, origin string, startMilli int64) (*Synchronizer, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.UnixMilli(startMilli))
	return NewSynchronizer(origin, fake), fake
}

// applyEnvelope feeds a broadcast envelope into a replica the way the
// session's inbound path does.
func applyEnvelope(t *testing.T, sync *Synchronizer, env wire.Envelope) {
	t.Helper()
	message, err := env.Message()
	if err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	stamp := Stamp{Timestamp: env.Timestamp, Origin: env.Origin}
	switch payload := message.(type) {
	case *wire.StateDelta:
		if _, err := sync.ApplyDelta(stamp, payload); err != nil {
			t.Fatalf("ApplyDelta: %v", err)
		}
	case *wire.AnnotationAdd:
		sync.ApplyAnnotationAdd(stamp, payload)
	case *wire.AnnotationRemove:
		sync.ApplyAnnotationRemove(stamp, payload)
	default:
		t.Fatalf("unexpected message type %T", message)
	}
}

func digestOf(t *testing.T, sync *Synchronizer) []byte {
	t.Helper()
	digest, err := sync.Digest()
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	return digest
}

func TestLastWriteWinsDeterminism(t *testing.T) {
	// Deltas {currentView:"A", ts:5} and {currentView:"B", ts:7}
	// converge to "B" in either application order.
	viewA, _ := codec.Marshal("A")
	viewB, _ := codec.Marshal("B")
	deltaA := &wire.StateDelta{Key: wire.KeyCurrentView, Value: viewA}
	deltaB := &wire.StateDelta{Key: wire.KeyCurrentView, Value: viewB}
	stampA := Stamp{Timestamp: 5, Origin: "p1"}
	stampB := Stamp{Timestamp: 7, Origin: "p2"}

	forward, _ := newSync(t, "x", 0)
	forward.ApplyDelta(stampA, deltaA)
	forward.ApplyDelta(stampB, deltaB)

	reverse, _ := newSync(t, "y", 0)
	reverse.ApplyDelta(stampB, deltaB)
	reverse.ApplyDelta(stampA, deltaA)

	if got := forward.State().CurrentView; got != "B" {
		t.Errorf("forward order: CurrentView = %q, want B", got)
	}
	if got := reverse.State().CurrentView; got != "B" {
		t.Errorf("reverse order: CurrentView = %q, want B", got)
	}
}

func TestLastWriteWinsTieBreaksByOrigin(t *testing.T) {
	valueA, _ := codec.Marshal("from-aaa")
	valueZ, _ := codec.Marshal("from-zzz")
	deltaA := &wire.StateDelta{Key: wire.KeyCurrentView, Value: valueA}
	deltaZ := &wire.StateDelta{Key: wire.KeyCurrentView, Value: valueZ}
	stampA := Stamp{Timestamp: 100, Origin: "aaa"}
	stampZ := Stamp{Timestamp: 100, Origin: "zzz"}

	for name, order := range map[string][2]int{"a-first": {0, 1}, "z-first": {1, 0}} {
		replica, _ := newSync(t, "observer", 0)
		deltas := [2]struct {
			stamp Stamp
			delta *wire.StateDelta
		}{{stampA, deltaA}, {stampZ, deltaZ}}
		replica.ApplyDelta(deltas[order[0]].stamp, deltas[order[0]].delta)
		replica.ApplyDelta(deltas[order[1]].stamp, deltas[order[1]].delta)
		if got := replica.State().CurrentView; got != "from-zzz" {
			t.Errorf("%s: CurrentView = %q, want from-zzz (greater origin wins ties)", name, got)
		}
	}
}

func TestFiltersScenarioThreeParticipants(t *testing.T) {
	// A sets filters.status = "open" at ts=100; B concurrently sets
	// "closed" at ts=101; C joins after both deltas propagate and must
	// observe "closed".
	syncA, _ := newSync(t, "participant-a", 100)
	syncB, _ := newSync(t, "participant-b", 101)

	envA, err := syncA.SetFilter("status", "open")
	if err != nil {
		t.Fatalf("A SetFilter: %v", err)
	}
	envB, err := syncB.SetFilter("status", "closed")
	if err != nil {
		t.Fatalf("B SetFilter: %v", err)
	}

	// Cross-propagate between A and B.
	applyEnvelope(t, syncA, envB)
	applyEnvelope(t, syncB, envA)

	// C receives the two deltas in the opposite order.
	syncC, _ := newSync(t, "participant-c", 200)
	applyEnvelope(t, syncC, envB)
	applyEnvelope(t, syncC, envA)

	for name, replica := range map[string]*Synchronizer{"A": syncA, "B": syncB, "C": syncC} {
		if got := replica.State().Filters["status"]; got != "closed" {
			t.Errorf("%s: filters.status = %q, want closed", name, got)
		}
	}
}

func TestFilterFirstSetToEmptyValueIsAChange(t *testing.T) {
	// Clearing a filter a replica has never seen still introduces the
	// filter key, so the renderer must be told to repaint.
	replica, _ := newSync(t, "observer", 0)
	value, err := codec.Marshal(wire.FilterValue{Name: "query", Value: ""})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	delta := &wire.StateDelta{Key: wire.KeyFilters, Value: value}
	stamp := Stamp{Timestamp: 100, Origin: "participant-b"}

	changed, err := replica.ApplyDelta(stamp, delta)
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if !changed {
		t.Error("first set of filters.query to \"\" reported no change")
	}
	if got, ok := replica.State().Filters["query"]; !ok || got != "" {
		t.Errorf("filters.query = %q (present=%v), want present and empty", got, ok)
	}

	changed, err = replica.ApplyDelta(stamp, delta)
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if changed {
		t.Error("duplicate delivery of the same filter delta reported a change")
	}
}

func TestAnnotationAddIdempotent(t *testing.T) {
	replica, _ := newSync(t, "observer", 0)
	add := &wire.AnnotationAdd{ID: "ann-1.participant-a", X: 1, Y: 2, Shape: "note", Content: "hi"}
	stamp := Stamp{Timestamp: 10, Origin: "participant-a"}

	if changed := replica.ApplyAnnotationAdd(stamp, add); !changed {
		t.Error("first add reported no change")
	}
	if changed := replica.ApplyAnnotationAdd(stamp, add); changed {
		t.Error("duplicate add reported a change")
	}
	if got := len(replica.State().Annotations); got != 1 {
		t.Errorf("annotation count = %d, want 1", got)
	}
}

func TestTombstoneArrivingBeforeAdd(t *testing.T) {
	// A adds ann-1 at ts=10 then deletes at ts=12; B receives them in
	// reverse network order and must end with the annotation absent.
	replica, _ := newSync(t, "participant-b", 0)
	stampRemove := Stamp{Timestamp: 12, Origin: "participant-a"}
	stampAdd := Stamp{Timestamp: 10, Origin: "participant-a"}

	replica.ApplyAnnotationRemove(stampRemove, &wire.AnnotationRemove{ID: "ann-1"})
	replica.ApplyAnnotationAdd(stampAdd, &wire.AnnotationAdd{ID: "ann-1", Shape: "arrow"})

	if got := len(replica.State().Annotations); got != 0 {
		t.Errorf("annotation count = %d, want 0 (tombstone wins)", got)
	}
}

func TestAddNewerThanTombstoneWins(t *testing.T) {
	replica, _ := newSync(t, "observer", 0)
	replica.ApplyAnnotationRemove(Stamp{Timestamp: 10, Origin: "participant-a"}, &wire.AnnotationRemove{ID: "ann-2"})
	replica.ApplyAnnotationAdd(Stamp{Timestamp: 20, Origin: "participant-a"}, &wire.AnnotationAdd{ID: "ann-2", Shape: "note"})

	if got := len(replica.State().Annotations); got != 1 {
		t.Errorf("annotation count = %d, want 1 (newer add overrides tombstone)", got)
	}
}

func TestConvergenceUnderPermutationAndDuplication(t *testing.T) {
	// Generate a mixed batch of deltas from two authors, then deliver
	// it to several replicas in different shuffles with duplicates.
	// All replicas must converge to identical digests.
	syncA, clockA := newSync(t, "participant-a", 1000)
	syncB, clockB := newSync(t, "participant-b", 1000)

	var envelopes []wire.Envelope
	record := func(env wire.Envelope, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("building delta: %v", err)
		}
		envelopes = append(envelopes, env)
	}

	record(syncA.SetView("overview"))
	clockA.Advance(5 * time.Millisecond)
	record(syncA.SetFilter("region", "west"))
	record(syncB.SetView("revenue"))
	clockB.Advance(3 * time.Millisecond)
	record(syncB.ToggleChart("chart-grabs"))
	record(syncB.SetFilter("status", "open"))
	clockA.Advance(10 * time.Millisecond)
	record(syncA.AddAnnotation("ann-a1.participant-a", 0.1, 0.2, "note", "check this"))
	record(syncA.ToggleChart("chart-credits"))
	clockB.Advance(20 * time.Millisecond)
	record(syncB.AddAnnotation("ann-b1.participant-b", 0.5, 0.5, "arrow", ""))
	record(syncB.RemoveAnnotation("ann-a1.participant-a"))
	clockA.Advance(2 * time.Millisecond)
	record(syncA.SetFilter("region", "east"))

	random := rand.New(rand.NewSource(7))
	var replicas []*Synchronizer
	for index := 0; index < 5; index++ {
		replica, _ := newSync(t, "observer", 0)
		batch := append([]wire.Envelope(nil), envelopes...)
		// Duplicate a third of the batch, then shuffle everything.
		for _, extra := range batch[:len(batch)/3] {
			batch = append(batch, extra)
		}
		random.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
		for _, env := range batch {
			applyEnvelope(t, replica, env)
		}
		replicas = append(replicas, replica)
	}

	reference := digestOf(t, replicas[0])
	for index, replica := range replicas[1:] {
		if !bytes.Equal(digestOf(t, replica), reference) {
			t.Errorf("replica %d diverged:\n  %+v\nvs\n  %+v", index+1, replica.State(), replicas[0].State())
		}
	}
}

func TestDigestDetectsDivergence(t *testing.T) {
	syncA, _ := newSync(t, "participant-a", 100)
	syncB, _ := newSync(t, "participant-b", 100)

	env, err := syncA.SetView("overview")
	if err != nil {
		t.Fatalf("SetView: %v", err)
	}

	if bytes.Equal(digestOf(t, syncA), digestOf(t, syncB)) {
		t.Fatal("digests equal despite B missing a delta")
	}
	applyEnvelope(t, syncB, env)
	if !bytes.Equal(digestOf(t, syncA), digestOf(t, syncB)) {
		t.Fatal("digests differ after convergence")
	}
}

func TestToggleChartRoundTrip(t *testing.T) {
	replica, fake := newSync(t, "participant-a", 0)

	if _, err := replica.ToggleChart("chart-1"); err != nil {
		t.Fatalf("ToggleChart: %v", err)
	}
	fake.Advance(time.Millisecond)
	if _, err := replica.ToggleChart("chart-2"); err != nil {
		t.Fatalf("ToggleChart: %v", err)
	}
	fake.Advance(time.Millisecond)
	if _, err := replica.ToggleChart("chart-1"); err != nil {
		t.Fatalf("ToggleChart: %v", err)
	}

	if got := replica.State().SelectedCharts; len(got) != 1 || got[0] != "chart-2" {
		t.Errorf("SelectedCharts = %v, want [chart-2]", got)
	}
}

func TestApplyDeltaRejectsUnknownKey(t *testing.T) {
	replica, _ := newSync(t, "observer", 0)
	value, _ := codec.Marshal("anything")
	_, err := replica.ApplyDelta(Stamp{Timestamp: 1, Origin: "p"}, &wire.StateDelta{Key: "theme", Value: value})
	if err == nil {
		t.Fatal("ApplyDelta accepted unknown key")
	}
}
