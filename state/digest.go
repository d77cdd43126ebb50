// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/casemarket/collab/lib/codec"
)

// DigestLength is the size of a state digest in bytes.
const DigestLength = 32

// Digest hashes the deterministic CBOR encoding of the visible state.
// Converged replicas produce identical digests regardless of the order
// their deltas arrived in, so a digest mismatch between two live peers
// means real divergence (usually a lost delta) and warrants a snapshot
// request. Deterministic CBOR sorts map keys; the annotation and chart
// slices are already canonically sorted by State().
func (s *Synchronizer) Digest() ([]byte, error) {
	encoded, err := codec.Marshal(s.State())
	if err != nil {
		return nil, fmt.Errorf("encoding state for digest: %w", err)
	}
	sum := blake3.Sum256(encoded)
	return sum[:], nil
}
