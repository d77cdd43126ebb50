// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

// Package state holds the shared dashboard state and keeps replicas of
// it convergent.
//
// Every mutation is stamped with (timestamp, origin). Registers — the
// current view, the chart selection, and each named filter — resolve
// concurrent writes by last-write-wins: newer timestamp wins, ties
// break toward the lexically greater origin. Annotations are an
// add-wins set with delete tombstones: an add is idempotent by id, and
// a tombstone suppresses an add with the same id unless the add's
// timestamp is strictly newer. Both resolutions are deterministic and
// commutative, so any two replicas that receive the same set of
// messages — in any order, with any duplication — end up identical.
//
// Deltas are not retried; a replica that missed one converges again
// through a later delta on the same key or a snapshot. Snapshots carry
// the full state including stamps and tombstones and merge through the
// same last-write-wins rules, so they are safe for both bootstrap and
// reconnect. The BLAKE3 digest of the deterministic CBOR encoding of
// the visible state lets peers detect divergence cheaply.
package state
