// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/casemarket/collab/wire"
)

// channelLabel is the single data channel each peer pair shares. All
// session traffic is multiplexed as frames on this one ordered,
// reliable channel.
const channelLabel = "collab"

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before the SDP would have been published.
const iceGatherTimeout = 15 * time.Second

// Defaults for FabricConfig zero values.
const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultQueueSize        = 256
)

// Handshake failure sentinels.
var (
	// ErrHandshakeTimeout means a channel did not reach open within
	// the handshake window. The participant is reported closed and may
	// be re-admitted by the caller.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrFabricClosed is returned for operations on a closed fabric.
	ErrFabricClosed = errors.New("fabric is closed")
)

// Handler receives fabric events. Implementations must not block:
// callbacks run on transport goroutines.
type Handler interface {
	// ChannelOpened fires when a channel to peerID reaches open, for
	// both outbound and inbound establishment.
	ChannelOpened(peerID string)

	// ChannelClosed fires when a channel fails or closes for any
	// reason other than a local Disconnect/Close call.
	ChannelClosed(peerID string, reason error)

	// HandleEnvelope delivers one decoded inbound envelope.
	HandleEnvelope(peerID string, envelope wire.Envelope)
}

// FabricConfig tunes the fabric. Zero values select defaults.
type FabricConfig struct {
	// HandshakeTimeout bounds connect-to-open. Channels that miss it
	// are declared failed.
	HandshakeTimeout time.Duration

	// QueueSize is the per-channel outbound frame bound.
	QueueSize int
}

// Fabric owns every peer channel for one local participant: handshake
// bootstrapping through the Signaler, channel lifecycle, and fan-out.
type Fabric struct {
	signaler Signaler
	localID  string
	handler  Handler
	logger   *slog.Logger

	handshakeTimeout time.Duration
	queueSize        int

	// iceConfig is read for each new PeerConnection; the owner may
	// refresh TURN credentials at runtime.
	configMu  sync.RWMutex
	iceConfig ICEConfig

	// peers maps remote participant id to its channel.
	mu    sync.Mutex
	peers map[string]*peerChannel

	closed    chan struct{}
	closeOnce sync.Once
}

// NewFabric creates a fabric for the given local participant.
func NewFabric(signaler Signaler, localID string, iceConfig ICEConfig, handler Handler, cfg FabricConfig, logger *slog.Logger) *Fabric {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Fabric{
		signaler:         signaler,
		localID:          localID,
		handler:          handler,
		logger:           logger,
		handshakeTimeout: cfg.HandshakeTimeout,
		queueSize:        cfg.QueueSize,
		iceConfig:        iceConfig,
		peers:            make(map[string]*peerChannel),
		closed:           make(chan struct{}),
	}
}

// LocalID returns the local participant id.
func (f *Fabric) LocalID() string { return f.localID }

// UpdateICEConfig replaces the ICE configuration for future
// PeerConnections; existing ones keep their current servers.
func (f *Fabric) UpdateICEConfig(config ICEConfig) {
	f.configMu.Lock()
	defer f.configMu.Unlock()
	f.iceConfig = config
}

// Run dispatches inbound signals until ctx is cancelled, Close is
// called, or the signaler shuts down. Inbound offers are answered;
// answers are routed to the channel waiting on them.
func (f *Fabric) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.closed:
			return nil
		case signal, ok := <-f.signaler.Signals():
			if !ok {
				f.logger.Info("signaler closed, stopping fabric dispatch")
				return nil
			}
			switch signal.Kind {
			case SignalOffer:
				go f.handleOffer(signal)
			case SignalAnswer:
				f.routeAnswer(signal)
			default:
				f.logger.Warn("dropping signal of unknown kind",
					"kind", string(signal.Kind),
					"from", signal.From,
				)
			}
		}
	}
}

// Connect starts establishing a channel to peerID. It returns once
// the channel is registered in connecting state; the handshake runs
// asynchronously and reports through the Handler — ChannelOpened on
// success, ChannelClosed with ErrHandshakeTimeout (or the underlying
// error) on failure. Idempotent while a channel to peerID is live.
func (f *Fabric) Connect(ctx context.Context, peerID string) error {
	select {
	case <-f.closed:
		return ErrFabricClosed
	default:
	}
	if peerID == f.localID {
		return fmt.Errorf("cannot connect to self (%s)", peerID)
	}

	f.mu.Lock()
	if existing, ok := f.peers[peerID]; ok && existing.State() != ChannelClosed {
		f.mu.Unlock()
		return nil
	}
	peer := f.newChannelLocked(peerID)
	f.mu.Unlock()

	go f.establishOutbound(ctx, peer)
	return nil
}

// Disconnect closes and forgets the channel to peerID. No handler
// notification: the caller initiated this. Safe to call repeatedly.
func (f *Fabric) Disconnect(peerID string) {
	f.mu.Lock()
	peer, ok := f.peers[peerID]
	if ok {
		delete(f.peers, peerID)
	}
	f.mu.Unlock()

	if ok {
		peer.close()
	}
}

// Broadcast enqueues a pre-encoded frame on every open channel.
// Channels still connecting or already closed are skipped silently; a
// saturated queue fails that one channel without delaying the rest.
func (f *Fabric) Broadcast(frame []byte) {
	f.mu.Lock()
	peers := make([]*peerChannel, 0, len(f.peers))
	for _, peer := range f.peers {
		peers = append(peers, peer)
	}
	f.mu.Unlock()

	for _, peer := range peers {
		switch err := peer.enqueue(frame); {
		case err == nil:
		case errors.Is(err, errChannelNotOpen):
			// Not part of the broadcast set yet (or anymore).
		case errors.Is(err, errQueueFull):
			go f.failChannel(peer, fmt.Errorf("peer %s: %w", peer.id, errQueueFull))
		}
	}
}

// Send enqueues a frame for a single peer.
func (f *Fabric) Send(peerID string, frame []byte) error {
	f.mu.Lock()
	peer, ok := f.peers[peerID]
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("no channel to %s", peerID)
	}
	switch err := peer.enqueue(frame); {
	case err == nil:
		return nil
	case errors.Is(err, errQueueFull):
		go f.failChannel(peer, fmt.Errorf("peer %s: %w", peerID, errQueueFull))
		return err
	default:
		return fmt.Errorf("channel to %s is %s: %w", peerID, peer.State(), err)
	}
}

// Close tears down every channel. No handler notifications fire.
func (f *Fabric) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
	})

	f.mu.Lock()
	peers := f.peers
	f.peers = make(map[string]*peerChannel)
	f.mu.Unlock()

	for _, peer := range peers {
		peer.close()
	}
	return nil
}

// newChannelLocked creates and registers a channel in connecting
// state, with a watchdog that fails it if it has not opened within the
// handshake window. Caller holds f.mu.
func (f *Fabric) newChannelLocked(peerID string) *peerChannel {
	peer := newPeerChannel(peerID, f.queueSize, f.logger, f.handler.HandleEnvelope, f.failChannel)
	f.peers[peerID] = peer

	time.AfterFunc(f.handshakeTimeout, func() {
		if peer.State() == ChannelConnecting {
			f.failChannel(peer, ErrHandshakeTimeout)
		}
	})
	return peer
}

// failChannel tears a channel down and notifies the handler exactly
// once. Used for handshake failures, loop errors, queue saturation,
// and ICE-level failures. Only the currently registered channel for
// the peer notifies the handler: a channel that was already displaced
// (glare, reconnect) dies silently rather than reporting the live
// participant as closed.
func (f *Fabric) failChannel(peer *peerChannel, reason error) {
	f.mu.Lock()
	current := f.peers[peer.id] == peer
	if current {
		delete(f.peers, peer.id)
	}
	f.mu.Unlock()

	if peer.close() && current {
		f.logger.Warn("peer channel failed", "peer", peer.id, "error", reason)
		f.handler.ChannelClosed(peer.id, reason)
	}
}

// routeAnswer delivers an SDP answer to the channel waiting on it.
func (f *Fabric) routeAnswer(signal Signal) {
	f.mu.Lock()
	peer, ok := f.peers[signal.From]
	f.mu.Unlock()

	if !ok {
		f.logger.Warn("answer from unknown peer", "peer", signal.From)
		return
	}
	select {
	case peer.answers <- signal.SDP:
	default:
		f.logger.Warn("discarding duplicate answer", "peer", signal.From)
	}
}

// establishOutbound runs the offering side of the handshake: create
// the PeerConnection and data channel, gather all candidates, send the
// complete offer, wait for the answer.
func (f *Fabric) establishOutbound(ctx context.Context, peer *peerChannel) {
	ctx, cancel := context.WithTimeout(ctx, f.handshakeTimeout)
	defer cancel()

	connection, err := f.newPeerConnection()
	if err != nil {
		f.failChannel(peer, fmt.Errorf("creating PeerConnection: %w", err))
		return
	}
	peer.setConnection(connection)
	f.watchICEState(peer, connection)

	ordered := true
	dataChannel, err := connection.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		f.failChannel(peer, fmt.Errorf("creating data channel: %w", err))
		return
	}
	f.attachDataChannel(peer, dataChannel)

	offer, err := connection.CreateOffer(nil)
	if err != nil {
		f.failChannel(peer, fmt.Errorf("creating SDP offer: %w", err))
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(connection)
	if err := connection.SetLocalDescription(offer); err != nil {
		f.failChannel(peer, fmt.Errorf("setting local description: %w", err))
		return
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		f.failChannel(peer, fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout))
		return
	case <-ctx.Done():
		f.failChannel(peer, ErrHandshakeTimeout)
		return
	}

	err = f.signaler.Send(ctx, Signal{
		To:   peer.id,
		Kind: SignalOffer,
		SDP:  connection.LocalDescription().SDP,
	})
	if err != nil {
		f.failChannel(peer, fmt.Errorf("sending offer: %w", err))
		return
	}
	f.logger.Info("offer sent", "peer", peer.id)

	var answerSDP string
	select {
	case answerSDP = <-peer.answers:
	case <-ctx.Done():
		f.failChannel(peer, fmt.Errorf("waiting for answer from %s: %w", peer.id, ErrHandshakeTimeout))
		return
	case <-peer.done:
		return
	case <-f.closed:
		peer.close()
		return
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := connection.SetRemoteDescription(answer); err != nil {
		f.failChannel(peer, fmt.Errorf("setting remote description: %w", err))
		return
	}
	// The data channel's OnOpen moves the channel to open; the
	// handshake watchdog covers the remaining window.
}

// handleOffer answers an inbound offer, resolving simultaneous-connect
// glare first: the lexicographically smaller id is the canonical
// offerer, so an inbound offer from a larger id is ignored while our
// own attempt to that peer is live, and an offer from a smaller id
// displaces our attempt.
func (f *Fabric) handleOffer(signal Signal) {
	peerID := signal.From

	f.mu.Lock()
	if existing, ok := f.peers[peerID]; ok && existing.State() != ChannelClosed {
		if peerID > f.localID && existing.State() == ChannelConnecting {
			f.mu.Unlock()
			f.logger.Info("ignoring offer from larger id during our attempt", "peer", peerID)
			return
		}
		// They are the canonical offerer, or our channel is being
		// replaced by a reconnect. Drop ours silently.
		delete(f.peers, peerID)
		f.mu.Unlock()
		existing.close()
		f.mu.Lock()
	}
	peer := f.newChannelLocked(peerID)
	f.mu.Unlock()

	if err := f.answerOffer(peer, signal.SDP); err != nil {
		f.failChannel(peer, err)
	}
}

// answerOffer runs the answering side of the handshake.
func (f *Fabric) answerOffer(peer *peerChannel, offerSDP string) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.handshakeTimeout)
	defer cancel()

	connection, err := f.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}
	peer.setConnection(connection)
	f.watchICEState(peer, connection)

	connection.OnDataChannel(func(dataChannel *webrtc.DataChannel) {
		if dataChannel.Label() != channelLabel {
			f.logger.Warn("ignoring unexpected data channel",
				"peer", peer.id,
				"label", dataChannel.Label(),
			)
			return
		}
		f.attachDataChannel(peer, dataChannel)
	})

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := connection.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := connection.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(connection)
	if err := connection.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ErrHandshakeTimeout
	}

	err = f.signaler.Send(ctx, Signal{
		To:   peer.id,
		Kind: SignalAnswer,
		SDP:  connection.LocalDescription().SDP,
	})
	if err != nil {
		return fmt.Errorf("sending answer: %w", err)
	}
	f.logger.Info("offer answered", "peer", peer.id)
	return nil
}

// attachDataChannel wires the channel's OnOpen to detach the stream
// and start the loops.
func (f *Fabric) attachDataChannel(peer *peerChannel, dataChannel *webrtc.DataChannel) {
	dataChannel.OnOpen(func() {
		stream, err := dataChannel.Detach()
		if err != nil {
			f.failChannel(peer, fmt.Errorf("detaching data channel: %w", err))
			return
		}
		if peer.open(stream) {
			f.logger.Info("peer channel open", "peer", peer.id)
			f.handler.ChannelOpened(peer.id)
		}
	})
}

// watchICEState fails the channel when the ICE connection degrades
// past recovery.
func (f *Fabric) watchICEState(peer *peerChannel, connection *webrtc.PeerConnection) {
	connection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		f.logger.Debug("ICE state change", "peer", peer.id, "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateFailed:
			f.failChannel(peer, errors.New("ice connection failed"))
		case webrtc.ICEConnectionStateClosed:
			// Follows local teardown; failChannel is a no-op then.
			f.failChannel(peer, errors.New("ice connection closed"))
		}
	})
}

// newPeerConnection creates a pion PeerConnection with the current
// ICE servers. The SettingEngine enables data channel detach (the
// loops need stream access) and loopback candidates (same-machine
// sessions and tests).
func (f *Fabric) newPeerConnection() (*webrtc.PeerConnection, error) {
	f.configMu.RLock()
	configuration := webrtc.Configuration{ICEServers: f.iceConfig.Servers}
	f.configMu.RUnlock()

	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(configuration)
}
