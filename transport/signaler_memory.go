// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time interface check.
var _ Signaler = (*MemoryEndpoint)(nil)

// MemoryExchange is an in-process signaling hub. Each participant
// obtains an Endpoint; signals route directly between endpoint inboxes
// with no network involved. Two Fabrics sharing an exchange can
// establish PeerConnections entirely in-process, which is how the
// transport and session tests run, and how a deployment with no
// rendezvous service degrades to a single-process loopback.
type MemoryExchange struct {
	mu      sync.Mutex
	inboxes map[string]chan Signal
}

// NewMemoryExchange creates an empty exchange.
func NewMemoryExchange() *MemoryExchange {
	return &MemoryExchange{inboxes: make(map[string]chan Signal)}
}

// Endpoint registers a participant and returns its signaler. Calling
// Endpoint twice for the same id replaces the previous registration.
func (x *MemoryExchange) Endpoint(participantID string) *MemoryEndpoint {
	x.mu.Lock()
	defer x.mu.Unlock()

	inbox := make(chan Signal, 16)
	x.inboxes[participantID] = inbox
	return &MemoryEndpoint{
		exchange: x,
		id:       participantID,
		inbox:    inbox,
	}
}

// route delivers a signal to the recipient's inbox. The lock is held
// across the send so a concurrent unregister cannot close the inbox
// mid-delivery; a full inbox is an error rather than a block.
func (x *MemoryExchange) route(signal Signal) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	inbox, ok := x.inboxes[signal.To]
	if !ok {
		return fmt.Errorf("no participant %q registered with the exchange", signal.To)
	}
	select {
	case inbox <- signal:
		return nil
	default:
		return fmt.Errorf("signal inbox for %q is full", signal.To)
	}
}

// unregister removes a participant and closes its inbox.
func (x *MemoryExchange) unregister(participantID string, inbox chan Signal) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if current, ok := x.inboxes[participantID]; ok && current == inbox {
		delete(x.inboxes, participantID)
		close(inbox)
	}
}

// MemoryEndpoint is one participant's view of a MemoryExchange.
type MemoryEndpoint struct {
	exchange *MemoryExchange
	id       string
	inbox    chan Signal

	closeOnce sync.Once
}

// Send stamps the signal with this endpoint's id and routes it.
func (e *MemoryEndpoint) Send(_ context.Context, signal Signal) error {
	signal.From = e.id
	return e.exchange.route(signal)
}

// Signals returns the inbound signal channel.
func (e *MemoryEndpoint) Signals() <-chan Signal {
	return e.inbox
}

// Close unregisters the endpoint from the exchange.
func (e *MemoryEndpoint) Close() error {
	e.closeOnce.Do(func() {
		e.exchange.unregister(e.id, e.inbox)
	})
	return nil
}
