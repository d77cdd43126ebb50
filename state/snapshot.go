// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"fmt"
	"maps"

	"github.com/klauspost/compress/zstd"

	"github.com/casemarket/collab/lib/codec"
)

// Snapshot is the full synchronizer state: visible values plus the
// write stamps and tombstones the merge rules need. One snapshot
// bootstraps a newly admitted participant without replaying deltas,
// and merging one onto a diverged replica is always safe because every
// entry resolves through the same last-write-wins rules.
type Snapshot struct {
	View        string                 `cbor:"view"`
	ViewStamp   Stamp                  `cbor:"viewStamp"`
	Charts      []string               `cbor:"charts"`
	ChartsStamp Stamp                  `cbor:"chartsStamp"`
	Filters     map[string]filterEntry `cbor:"filters"`
	Annotations []Annotation           `cbor:"annotations"`
	Tombstones  map[string]Stamp       `cbor:"tombstones"`
}

// zstd round-trip helpers for snapshot payloads. EncodeAll/DecodeAll
// with shared codecs avoids per-snapshot allocation of the large
// zstd state.
var (
	snapshotEncoder *zstd.Encoder
	snapshotDecoder *zstd.Decoder
)

func init() {
	var err error
	snapshotEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic("state: zstd encoder initialization failed: " + err.Error())
	}
	snapshotDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic("state: zstd decoder initialization failed: " + err.Error())
	}
}

// Snapshot captures the current replica state.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	annotations := make([]Annotation, 0, len(s.annotations))
	for _, annotation := range s.annotations {
		annotations = append(annotations, annotation)
	}
	sortAnnotations(annotations)

	return Snapshot{
		View:        s.view,
		ViewStamp:   s.viewStamp,
		Charts:      s.sortedChartsLocked(),
		ChartsStamp: s.chartsStamp,
		Filters:     maps.Clone(s.filters),
		Annotations: annotations,
		Tombstones:  maps.Clone(s.tombstones),
	}
}

// Merge folds a snapshot into this replica entry by entry, using the
// same last-write-wins and tombstone rules as live deltas. Returns
// whether the visible state changed.
func (s *Synchronizer) Merge(snapshot Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.applyViewLocked(snapshot.View, snapshot.ViewStamp)
	if s.applyChartsLocked(snapshot.Charts, snapshot.ChartsStamp) {
		changed = true
	}
	for name, entry := range snapshot.Filters {
		if s.applyFilterLocked(name, entry.Value, entry.Stamp) {
			changed = true
		}
	}
	// Tombstones first, so an annotation deleted elsewhere is not
	// briefly resurrected by its own add in the same snapshot.
	for id, stamp := range snapshot.Tombstones {
		if s.applyTombstoneLocked(id, stamp) {
			changed = true
		}
	}
	for _, annotation := range snapshot.Annotations {
		if s.applyAnnotationLocked(annotation) {
			changed = true
		}
	}
	return changed
}

// MarshalSnapshot encodes and compresses a snapshot for the wire.
func MarshalSnapshot(snapshot Snapshot) ([]byte, error) {
	raw, err := codec.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return snapshotEncoder.EncodeAll(raw, nil), nil
}

// UnmarshalSnapshot decompresses and decodes a wire snapshot payload.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	raw, err := snapshotDecoder.DecodeAll(data, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decompressing snapshot: %w", err)
	}
	var snapshot Snapshot
	if err := codec.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snapshot, nil
}
