// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"slices"
	"strings"
)

// Stamp orders mutations: millisecond timestamp, then origin id as the
// tie-break. Two stamps from different origins never compare equal.
type Stamp struct {
	Timestamp int64  `cbor:"ts"`
	Origin    string `cbor:"origin"`
}

// Newer reports whether s wins over other under last-write-wins.
func (s Stamp) Newer(other Stamp) bool {
	if s.Timestamp != other.Timestamp {
		return s.Timestamp > other.Timestamp
	}
	return s.Origin > other.Origin
}

// Annotation is a freeform marker on the shared dashboard. Immutable
// once created except for deletion; the id is origin-qualified so
// concurrent authors can never collide.
type Annotation struct {
	ID        string  `cbor:"id"`
	X         float64 `cbor:"x"`
	Y         float64 `cbor:"y"`
	Shape     string  `cbor:"kind"`
	Content   string  `cbor:"content"`
	AuthorID  string  `cbor:"authorId"`
	CreatedAt int64   `cbor:"createdAt"`
}

// stamp returns the annotation's write stamp for tombstone resolution.
func (a Annotation) stamp() Stamp {
	return Stamp{Timestamp: a.CreatedAt, Origin: a.AuthorID}
}

// SharedState is the renderer-visible value of the session state. It
// is a point-in-time copy: mutating it does not affect the
// synchronizer.
type SharedState struct {
	CurrentView    string            `cbor:"currentView"`
	SelectedCharts []string          `cbor:"selectedCharts"`
	Filters        map[string]string `cbor:"filters"`
	Annotations    []Annotation      `cbor:"annotations"`
}

// sortAnnotations orders annotations by creation time, then id, so the
// visible list is identical on every converged replica.
func sortAnnotations(annotations []Annotation) {
	slices.SortFunc(annotations, func(a, b Annotation) int {
		if a.CreatedAt != b.CreatedAt {
			if a.CreatedAt < b.CreatedAt {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}
