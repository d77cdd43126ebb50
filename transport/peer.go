// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/casemarket/collab/wire"
)

// ChannelState is the lifecycle of one peer channel.
type ChannelState int32

const (
	// ChannelConnecting means the handshake is in flight.
	ChannelConnecting ChannelState = iota

	// ChannelOpen means the data channel is established and both
	// loops are running.
	ChannelOpen

	// ChannelClosed is terminal.
	ChannelClosed
)

// String returns the state name.
func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Channel-local failure sentinels.
var (
	errQueueFull      = errors.New("outbound queue full")
	errChannelNotOpen = errors.New("channel not open")
)

// peerChannel is the fabric's handle on one remote participant: a
// single ordered reliable byte stream plus a bounded outbound queue.
// One read loop and one write loop run per open channel. The zero
// state is connecting; open happens exactly once, when the underlying
// data channel delivers its detached stream.
//
// open runs on pion's OnOpen goroutine while close can arrive
// concurrently from the handshake watchdog or an ICE-state callback,
// so state, stream, and connection are all guarded by one mutex.
type peerChannel struct {
	id     string
	logger *slog.Logger

	// mu guards state, stream, and connection.
	mu    sync.Mutex
	state ChannelState

	// connection is the owning PeerConnection. Nil in tests that
	// drive the channel over an in-memory pipe.
	connection *webrtc.PeerConnection

	// stream is the detached data channel, set by open.
	stream io.ReadWriteCloser

	// outbound is the bounded frame queue drained by the write loop.
	// A full queue is a channel failure, never a broadcast stall.
	outbound chan []byte

	// answers carries SDP answers routed to this channel by the
	// fabric's signal loop during an outbound handshake.
	answers chan string

	done      chan struct{}
	closeOnce sync.Once

	// onEnvelope delivers decoded inbound envelopes.
	onEnvelope func(peerID string, envelope wire.Envelope)

	// onFailure reports a loop-detected failure to the fabric, which
	// owns teardown and handler notification.
	onFailure func(p *peerChannel, reason error)
}

func newPeerChannel(id string, queueSize int, logger *slog.Logger,
	onEnvelope func(string, wire.Envelope), onFailure func(*peerChannel, error)) *peerChannel {
	return &peerChannel{
		id:         id,
		logger:     logger,
		outbound:   make(chan []byte, queueSize),
		answers:    make(chan string, 1),
		done:       make(chan struct{}),
		onEnvelope: onEnvelope,
		onFailure:  onFailure,
	}
}

// State returns the current lifecycle state.
func (p *peerChannel) State() ChannelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// setConnection records the owning PeerConnection for teardown. A
// connection handed to an already-closed channel is closed on the
// spot: the watchdog may have fired while the handshake was still
// constructing it.
func (p *peerChannel) setConnection(connection *webrtc.PeerConnection) {
	p.mu.Lock()
	if p.state == ChannelClosed {
		p.mu.Unlock()
		connection.Close()
		return
	}
	p.connection = connection
	p.mu.Unlock()
}

// open attaches the established stream and starts both loops. Returns
// false if the channel was closed while the handshake completed, in
// which case the stream is closed immediately and nothing is retained.
func (p *peerChannel) open(stream io.ReadWriteCloser) bool {
	p.mu.Lock()
	if p.state != ChannelConnecting {
		p.mu.Unlock()
		stream.Close()
		return false
	}
	p.state = ChannelOpen
	p.stream = stream
	p.mu.Unlock()

	go p.readLoop(stream)
	go p.writeLoop(stream)
	return true
}

// enqueue queues one pre-encoded frame. Returns errChannelNotOpen for
// channels still connecting or already closed (the caller skips those
// silently) and errQueueFull when the bounded queue is saturated (the
// caller fails the channel).
func (p *peerChannel) enqueue(frame []byte) error {
	if p.State() != ChannelOpen {
		return errChannelNotOpen
	}
	select {
	case p.outbound <- frame:
		return nil
	default:
		return errQueueFull
	}
}

// close makes the channel terminal: stops both loops, closes the
// stream and the PeerConnection. Returns true for the first caller
// only, so failure notification happens at most once.
func (p *peerChannel) close() bool {
	first := false
	p.closeOnce.Do(func() {
		first = true
		p.mu.Lock()
		p.state = ChannelClosed
		stream := p.stream
		connection := p.connection
		p.mu.Unlock()

		close(p.done)
		if stream != nil {
			stream.Close()
		}
		if connection != nil {
			connection.Close()
		}
	})
	return first
}

// readLoop decodes inbound frames until the stream dies. A malformed
// envelope inside an intact frame is dropped and logged — the frame
// boundary is unharmed, so the stream remains usable. Anything else is
// a channel failure.
func (p *peerChannel) readLoop(stream io.Reader) {
	for {
		envelope, err := wire.ReadEnvelope(stream)
		if err != nil {
			if errors.Is(err, wire.ErrMalformedEnvelope) {
				p.logger.Warn("dropping malformed message", "peer", p.id, "error", err)
				continue
			}
			select {
			case <-p.done:
				// Closed locally; the read error is the teardown.
			default:
				p.onFailure(p, fmt.Errorf("reading from %s: %w", p.id, err))
			}
			return
		}
		p.onEnvelope(p.id, envelope)
	}
}

// writeLoop drains the outbound queue onto the stream.
func (p *peerChannel) writeLoop(stream io.Writer) {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.outbound:
			if _, err := stream.Write(frame); err != nil {
				select {
				case <-p.done:
				default:
					p.onFailure(p, fmt.Errorf("writing to %s: %w", p.id, err))
				}
				return
			}
		}
	}
}
