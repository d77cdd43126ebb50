// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

// Package session coordinates one participant's view of a live
// collaboration: the roster, the shared dashboard state, ephemeral
// cursors, and the chat log.
//
// A Session sits between the transport fabric and the renderer. It
// implements the fabric's Handler, translating channel lifecycle and
// inbound envelopes into state mutations and renderer events, and it
// exposes the local operations (view switches, filter edits,
// annotations, chat, cursor moves) that broadcast to every connected
// peer. Events flow to the renderer through a single buffered channel;
// a renderer that falls behind loses events rather than stalling the
// session, which is safe because every event can be reconstructed from
// the accessor methods.
//
// Cursor positions are ephemeral: they are throttled on the way out,
// never persisted, and swept when a peer stops refreshing them. The
// shared state proper lives in the state package and converges through
// last-write-wins; the session's job is plumbing and lifecycle, not
// conflict resolution.
package session
