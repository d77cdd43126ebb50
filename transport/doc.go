// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides direct participant-to-participant message
// channels for collaboration sessions.
//
// [Fabric] owns the set of peer channels for one local participant. It
// establishes pion/webrtc PeerConnections — one per remote participant,
// each carrying a single ordered, reliable data channel — and exposes
// connect/disconnect, point-to-point send, and a broadcast primitive
// that serializes a message once and enqueues the same bytes on every
// open channel. Each channel runs one read loop and one write loop;
// the write loop drains a bounded outbound queue, and a saturated
// queue fails only that channel, so one stalled participant never
// holds up delivery to the others.
//
// Connection establishment uses vanilla ICE: all candidates are
// gathered before the SDP is published, so signaling needs exactly one
// round-trip per direction. When both sides try to connect to each
// other simultaneously, the participant with the lexicographically
// smaller id is the canonical offerer and the other side abandons its
// redundant attempt.
//
// Signaling is abstracted behind [Signaler], which delivers opaque
// offer/answer blobs between participants. [MemoryExchange] provides
// an in-process implementation for tests and single-process loopback
// sessions; [WebSocketSignaler] connects to an external rendezvous
// service. The fabric is agnostic to how blobs are routed.
//
// Channels preserve per-sender ordering only. Messages from two
// different origins may reach a third participant in either order;
// the state layer is designed around that relaxation.
package transport
