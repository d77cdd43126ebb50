// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides CBOR serialization for collab wire messages and
// state snapshots. Encoding uses Core Deterministic Encoding (RFC 8949
// §4.2) so the same logical value always produces identical bytes — the
// state digest exchanged between participants hashes these bytes, and
// digest comparison only works if every replica encodes identically.
package codec
