// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the collaboration session's message protocol.
//
// Every message travels in an [Envelope] carrying the message kind, the
// originating participant id, and a millisecond timestamp — the two
// fields the state synchronizer needs for last-write-wins resolution —
// plus a CBOR-encoded body. On the ordered reliable peer channel,
// envelopes are framed as a 4-byte big-endian length followed by the
// CBOR envelope bytes.
//
// The kind byte is a closed set: [Envelope.Message] dispatches to the
// typed payload with an exhaustive switch, and an unrecognized kind
// yields [ErrUnknownKind] so the channel can drop and log the message
// without tearing anything down.
package wire
