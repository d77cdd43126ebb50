// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "time"

// Role is a participant's role in the session.
type Role string

// Session roles. The host admits and removes participants; everyone
// else is a peer with full read/write access to the shared state.
const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

// Participant is one member of the session roster.
type Participant struct {
	// ID is the stable participant identifier, unique within the
	// session. It doubles as the transport peer id and the state
	// origin.
	ID string

	// DisplayName is the human-readable name shown in the roster.
	DisplayName string

	// Role is the participant's session role.
	Role Role

	// HasAudio and HasVideo report the participant's media
	// capabilities, carried for the roster UI only; media itself is
	// out of band.
	HasAudio bool
	HasVideo bool

	// JoinedAt is when the participant joined the session.
	JoinedAt time.Time
}

// rosterEntry tracks one remote participant. Entries start provisional
// on Admit and become announced when the peer's hello arrives; only
// announced entries are visible in the roster.
type rosterEntry struct {
	participant Participant
	announced   bool
}
