// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"

	"github.com/casemarket/collab/transport"
)

// Transport is the subset of the connection fabric the session drives.
// Tests substitute an in-memory implementation; production wiring
// passes a *transport.Fabric.
type Transport interface {
	// Connect starts establishing a channel to peerID. Completion is
	// reported through the session's Handler callbacks.
	Connect(ctx context.Context, peerID string) error

	// Disconnect silently tears down the channel to peerID.
	Disconnect(peerID string)

	// Broadcast enqueues a pre-encoded frame on every open channel.
	Broadcast(frame []byte)

	// Send enqueues a frame for a single peer.
	Send(peerID string, frame []byte) error

	// Close tears down every channel.
	Close() error
}

// Compile-time check that the fabric satisfies the session's needs.
var _ Transport = (*transport.Fabric)(nil)
