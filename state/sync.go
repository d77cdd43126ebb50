// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/casemarket/collab/lib/clock"
	"github.com/casemarket/collab/lib/codec"
	"github.com/casemarket/collab/wire"
)

// Synchronizer owns one replica of the shared session state. Local
// mutations return the envelope to broadcast; remote envelopes apply
// through the Apply methods. All entry points serialize on one mutex —
// the single-writer policy that makes lock-free reads everywhere else
// unnecessary, and cheap given how low state mutation frequency is
// compared to cursor traffic.
type Synchronizer struct {
	origin string
	clock  clock.Clock

	mu          sync.Mutex
	view        string
	viewStamp   Stamp
	charts      map[string]struct{}
	chartsStamp Stamp
	filters     map[string]filterEntry
	annotations map[string]Annotation
	tombstones  map[string]Stamp
}

// filterEntry is one named filter value with its write stamp.
type filterEntry struct {
	Value string `cbor:"value"`
	Stamp Stamp  `cbor:"stamp"`
}

// NewSynchronizer creates an empty replica owned by the given origin.
func NewSynchronizer(origin string, clk clock.Clock) *Synchronizer {
	return &Synchronizer{
		origin:      origin,
		clock:       clk,
		charts:      make(map[string]struct{}),
		filters:     make(map[string]filterEntry),
		annotations: make(map[string]Annotation),
		tombstones:  make(map[string]Stamp),
	}
}

// Origin returns the participant id that owns this replica.
func (s *Synchronizer) Origin() string { return s.origin }

// localStamp mints a stamp for a local mutation.
func (s *Synchronizer) localStamp() Stamp {
	return Stamp{Timestamp: s.clock.Now().UnixMilli(), Origin: s.origin}
}

// SetView switches the active dashboard view and returns the delta to
// broadcast.
func (s *Synchronizer) SetView(view string) (wire.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := s.localStamp()
	s.applyViewLocked(view, stamp)
	return deltaEnvelope(stamp, wire.KeyCurrentView, view)
}

// ToggleChart flips a chart in or out of the selection and returns the
// delta to broadcast. The delta carries the whole resulting set so it
// resolves as a register, not an op log.
func (s *Synchronizer) ToggleChart(chartID string) (wire.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, selected := s.charts[chartID]; selected {
		delete(s.charts, chartID)
	} else {
		s.charts[chartID] = struct{}{}
	}
	stamp := s.localStamp()
	s.chartsStamp = stamp
	return deltaEnvelope(stamp, wire.KeySelectedCharts, s.sortedChartsLocked())
}

// SetFilter sets one named filter and returns the delta to broadcast.
func (s *Synchronizer) SetFilter(name, value string) (wire.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := s.localStamp()
	s.applyFilterLocked(name, value, stamp)
	return deltaEnvelope(stamp, wire.KeyFilters, wire.FilterValue{Name: name, Value: value})
}

// AddAnnotation records a locally authored annotation and returns the
// message to broadcast. The caller supplies the origin-qualified id.
func (s *Synchronizer) AddAnnotation(id string, x, y float64, shape, content string) (wire.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := s.localStamp()
	annotation := Annotation{
		ID:        id,
		X:         x,
		Y:         y,
		Shape:     shape,
		Content:   content,
		AuthorID:  s.origin,
		CreatedAt: stamp.Timestamp,
	}
	s.applyAnnotationLocked(annotation)
	return wire.NewEnvelope(s.origin, stamp.Timestamp, &wire.AnnotationAdd{
		ID:      id,
		X:       x,
		Y:       y,
		Shape:   shape,
		Content: content,
	})
}

// RemoveAnnotation tombstones an annotation id and returns the message
// to broadcast. Removing an unknown id still produces a tombstone —
// the add may simply not have arrived here yet.
func (s *Synchronizer) RemoveAnnotation(id string) (wire.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := s.localStamp()
	s.applyTombstoneLocked(id, stamp)
	return wire.NewEnvelope(s.origin, stamp.Timestamp, &wire.AnnotationRemove{ID: id})
}

// ApplyDelta applies a remote state_delta. Returns whether the visible
// state changed.
func (s *Synchronizer) ApplyDelta(stamp Stamp, delta *wire.StateDelta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch delta.Key {
	case wire.KeyCurrentView:
		var view string
		if err := codec.Unmarshal(delta.Value, &view); err != nil {
			return false, fmt.Errorf("decoding currentView value: %w", err)
		}
		return s.applyViewLocked(view, stamp), nil

	case wire.KeySelectedCharts:
		var charts []string
		if err := codec.Unmarshal(delta.Value, &charts); err != nil {
			return false, fmt.Errorf("decoding selectedCharts value: %w", err)
		}
		return s.applyChartsLocked(charts, stamp), nil

	case wire.KeyFilters:
		var filter wire.FilterValue
		if err := codec.Unmarshal(delta.Value, &filter); err != nil {
			return false, fmt.Errorf("decoding filters value: %w", err)
		}
		return s.applyFilterLocked(filter.Name, filter.Value, stamp), nil
	}
	return false, fmt.Errorf("unknown state_delta key %q", delta.Key)
}

// ApplyAnnotationAdd applies a remote annotation_add. Idempotent by
// id. Returns whether the visible state changed.
func (s *Synchronizer) ApplyAnnotationAdd(stamp Stamp, add *wire.AnnotationAdd) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.applyAnnotationLocked(Annotation{
		ID:        add.ID,
		X:         add.X,
		Y:         add.Y,
		Shape:     add.Shape,
		Content:   add.Content,
		AuthorID:  stamp.Origin,
		CreatedAt: stamp.Timestamp,
	})
}

// ApplyAnnotationRemove applies a remote annotation_remove. Returns
// whether the visible state changed.
func (s *Synchronizer) ApplyAnnotationRemove(stamp Stamp, remove *wire.AnnotationRemove) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyTombstoneLocked(remove.ID, stamp)
}

// applyViewLocked applies a view write if its stamp is not older than
// the current one. Equal stamps re-apply: that only happens for
// duplicates of the same write, which is harmless and keeps the apply
// path idempotent.
func (s *Synchronizer) applyViewLocked(view string, stamp Stamp) bool {
	if s.viewStamp.Newer(stamp) {
		return false
	}
	changed := s.view != view
	s.view = view
	s.viewStamp = stamp
	return changed
}

func (s *Synchronizer) applyChartsLocked(charts []string, stamp Stamp) bool {
	if s.chartsStamp.Newer(stamp) {
		return false
	}
	next := make(map[string]struct{}, len(charts))
	for _, chart := range charts {
		next[chart] = struct{}{}
	}
	changed := !maps.Equal(s.charts, next)
	s.charts = next
	s.chartsStamp = stamp
	return changed
}

func (s *Synchronizer) applyFilterLocked(name, value string, stamp Stamp) bool {
	current, exists := s.filters[name]
	if exists && current.Stamp.Newer(stamp) {
		return false
	}
	// A filter seen for the first time is a change even when its value
	// is empty; only a repeated value is a no-op.
	changed := !exists || current.Value != value
	s.filters[name] = filterEntry{Value: value, Stamp: stamp}
	return changed
}

// applyAnnotationLocked inserts an annotation unless a newer-or-equal
// tombstone suppresses it. An add that beats an older tombstone clears
// the tombstone, preserving the invariant that an id is never in both
// maps.
func (s *Synchronizer) applyAnnotationLocked(annotation Annotation) bool {
	if tombstone, ok := s.tombstones[annotation.ID]; ok {
		if !annotation.stamp().Newer(tombstone) {
			return false
		}
		delete(s.tombstones, annotation.ID)
	}
	if _, exists := s.annotations[annotation.ID]; exists {
		return false
	}
	s.annotations[annotation.ID] = annotation
	return true
}

// applyTombstoneLocked records a delete. A tombstone older than the
// live annotation it targets is discarded — the add wins.
func (s *Synchronizer) applyTombstoneLocked(id string, stamp Stamp) bool {
	if existing, ok := s.annotations[id]; ok {
		if existing.stamp().Newer(stamp) {
			return false
		}
		delete(s.annotations, id)
		s.tombstones[id] = stamp
		return true
	}
	if current, ok := s.tombstones[id]; ok && current.Newer(stamp) {
		return false
	}
	s.tombstones[id] = stamp
	return false
}

// State returns a copy of the renderer-visible state.
func (s *Synchronizer) State() SharedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Synchronizer) stateLocked() SharedState {
	filters := make(map[string]string, len(s.filters))
	for name, entry := range s.filters {
		filters[name] = entry.Value
	}
	annotations := make([]Annotation, 0, len(s.annotations))
	for _, annotation := range s.annotations {
		annotations = append(annotations, annotation)
	}
	sortAnnotations(annotations)
	return SharedState{
		CurrentView:    s.view,
		SelectedCharts: s.sortedChartsLocked(),
		Filters:        filters,
		Annotations:    annotations,
	}
}

func (s *Synchronizer) sortedChartsLocked() []string {
	charts := make([]string, 0, len(s.charts))
	for chart := range s.charts {
		charts = append(charts, chart)
	}
	slices.Sort(charts)
	return charts
}

// deltaEnvelope encodes a state_delta envelope for a key/value pair.
func deltaEnvelope(stamp Stamp, key string, value any) (wire.Envelope, error) {
	encoded, err := codec.Marshal(value)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("encoding %s delta: %w", key, err)
	}
	return wire.NewEnvelope(stamp.Origin, stamp.Timestamp, &wire.StateDelta{Key: key, Value: encoded})
}
