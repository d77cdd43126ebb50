// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/casemarket/collab/state"
)

// Event is delivered to the renderer through Session.Events. Every
// event is also reconstructible from the session's accessor methods,
// so a dropped event under backpressure loses freshness, not truth.
type Event interface {
	event()
}

// ParticipantJoined fires when a peer's hello arrives and the roster
// entry becomes visible.
type ParticipantJoined struct {
	Participant Participant
}

// ParticipantLeft fires when a participant is removed or its channel
// fails.
type ParticipantLeft struct {
	ParticipantID string
}

// StateChanged fires whenever the visible shared state changes, local
// or remote. It carries a full copy; the renderer redraws from it.
type StateChanged struct {
	State state.SharedState
}

// CursorMoved fires for every applied remote cursor update.
type CursorMoved struct {
	ParticipantID string
	X, Y          float64
}

// CursorCleared fires when a remote cursor goes stale or its owner
// leaves.
type CursorCleared struct {
	ParticipantID string
}

// ChatReceived fires for every chat entry appended to the log,
// including locally sent ones.
type ChatReceived struct {
	Entry ChatEntry
}

// ChatEntry is one line of the session chat log.
type ChatEntry struct {
	// ID is the origin-qualified message id.
	ID string

	// AuthorID is the participant that sent the message.
	AuthorID string

	// Content is the message text.
	Content string

	// SentAt is the author's send time.
	SentAt time.Time
}

func (ParticipantJoined) event() {}
func (ParticipantLeft) event()   {}
func (StateChanged) event()      {}
func (CursorMoved) event()       {}
func (CursorCleared) event()     {}
func (ChatReceived) event()      {}
