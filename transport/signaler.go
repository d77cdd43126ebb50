// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "context"

// SignalKind distinguishes the two halves of the handshake.
type SignalKind string

const (
	// SignalOffer is a complete SDP offer with all ICE candidates
	// embedded (vanilla ICE).
	SignalOffer SignalKind = "offer"

	// SignalAnswer is the complete SDP answer to a previously
	// delivered offer.
	SignalAnswer SignalKind = "answer"
)

// Signal is one handshake blob in flight between two participants.
// The fabric treats the SDP as opaque; only the endpoints parse it.
type Signal struct {
	// From is the sending participant id.
	From string `json:"from"`

	// To is the intended recipient participant id.
	To string `json:"to"`

	// Kind is offer or answer.
	Kind SignalKind `json:"kind"`

	// SDP is the complete session description, candidates included.
	SDP string `json:"sdp"`
}

// Signaler is the external rendezvous collaborator: it delivers
// handshake blobs to a named participant and surfaces blobs addressed
// to the local one. The fabric requires nothing else from the host
// environment.
type Signaler interface {
	// Send delivers the signal to signal.To. Implementations stamp
	// signal.From with the local participant id.
	Send(ctx context.Context, signal Signal) error

	// Signals returns the channel of inbound signals addressed to the
	// local participant. The channel closes when the signaler shuts
	// down.
	Signals() <-chan Signal

	// Close releases the signaler. Send fails and Signals drains
	// afterwards.
	Close() error
}
