// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/casemarket/collab/lib/clock"
	"github.com/casemarket/collab/lib/config"
	"github.com/casemarket/collab/lib/ident"
	"github.com/casemarket/collab/state"
	"github.com/casemarket/collab/wire"
)

// Options configures a Session.
type Options struct {
	// SessionID identifies the session at the rendezvous service.
	SessionID string

	// Self describes the local participant. Self.ID becomes the
	// transport peer id and the state origin.
	Self Participant

	// Transport is the connection fabric. The session must be
	// registered as the fabric's Handler.
	Transport Transport

	// Clock drives throttling, staleness, and digest scheduling. Nil
	// selects the real clock.
	Clock clock.Clock

	// Config tunes intervals and buffer sizes. The zero value selects
	// defaults.
	Config config.SessionConfig

	// Logger receives session lifecycle and protocol logging.
	Logger *slog.Logger
}

// Session is one participant's live collaboration state: roster,
// shared dashboard state, cursors, and chat. It implements the
// transport fabric's Handler.
type Session struct {
	id     string
	self   Participant
	logger *slog.Logger
	clk    clock.Clock
	cfg    config.SessionConfig

	transport Transport
	sync      *state.Synchronizer
	cursors   *cursorTracker
	throttle  *cursorThrottle

	mu       sync.Mutex
	roster   map[string]*rosterEntry
	chat     []ChatEntry
	chatSeen map[string]struct{}

	// lastSnapshotRequest rate-limits divergence recovery per peer to
	// one request per digest interval.
	lastSnapshotRequest map[string]time.Time

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a session. The caller must register the returned session
// as the transport's Handler before any channel opens.
func New(options Options) (*Session, error) {
	if options.Self.ID == "" {
		return nil, errors.New("session: Self.ID is required")
	}
	if options.Transport == nil {
		return nil, errors.New("session: Transport is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	defaults := config.Defaults().Session
	if options.Config.CursorInterval <= 0 {
		options.Config.CursorInterval = defaults.CursorInterval
	}
	if options.Config.CursorStaleAfter <= 0 {
		options.Config.CursorStaleAfter = defaults.CursorStaleAfter
	}
	if options.Config.DigestInterval <= 0 {
		options.Config.DigestInterval = defaults.DigestInterval
	}
	if options.Config.EventBuffer <= 0 {
		options.Config.EventBuffer = defaults.EventBuffer
	}

	s := &Session{
		id:                  options.SessionID,
		self:                options.Self,
		logger:              options.Logger.With("session", options.SessionID, "participant", options.Self.ID),
		clk:                 options.Clock,
		cfg:                 options.Config,
		transport:           options.Transport,
		sync:                state.NewSynchronizer(options.Self.ID, options.Clock),
		cursors:             newCursorTracker(options.Config.CursorStaleAfter.Std()),
		roster:              make(map[string]*rosterEntry),
		chatSeen:            make(map[string]struct{}),
		lastSnapshotRequest: make(map[string]time.Time),
		events:              make(chan Event, options.Config.EventBuffer),
		closed:              make(chan struct{}),
	}
	s.throttle = newCursorThrottle(options.Clock, options.Config.CursorInterval.Std(), s.publishCursor)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Self returns the local participant.
func (s *Session) Self() Participant { return s.self }

// Events returns the renderer event channel. When the buffer is full,
// new events are dropped with a log line; the session never blocks on
// a slow consumer.
func (s *Session) Events() <-chan Event { return s.events }

// Run drives the periodic work: digest broadcasts for divergence
// detection and the cursor staleness sweep. It blocks until ctx is
// cancelled or the session closes.
func (s *Session) Run(ctx context.Context) error {
	digestTicker := s.clk.NewTicker(s.cfg.DigestInterval.Std())
	defer digestTicker.Stop()

	// Sweeping at half the staleness window bounds how long a stale
	// cursor can linger past its deadline.
	sweepTicker := s.clk.NewTicker(s.cfg.CursorStaleAfter.Std() / 2)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		case <-digestTicker.C:
			s.broadcastDigest()
		case <-sweepTicker.C:
			for _, participantID := range s.cursors.sweep(s.clk.Now()) {
				s.emit(CursorCleared{ParticipantID: participantID})
			}
		}
	}
}

// Close shuts the session down: stops cursor publishing and tears down
// every transport channel. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.throttle.close()
		err = s.transport.Close()
	})
	return err
}

// Admit brings a participant into the session by dialing its channel.
// Idempotent while a channel to the participant is live; the roster
// entry stays provisional until the peer's hello arrives.
func (s *Session) Admit(ctx context.Context, participantID string) error {
	if participantID == s.self.ID {
		return fmt.Errorf("cannot admit self (%s)", participantID)
	}

	s.mu.Lock()
	if _, ok := s.roster[participantID]; !ok {
		s.roster[participantID] = &rosterEntry{}
	}
	s.mu.Unlock()

	if err := s.transport.Connect(ctx, participantID); err != nil {
		return fmt.Errorf("admitting %s: %w", participantID, err)
	}
	s.logger.Info("participant admitted", "peer", participantID)
	return nil
}

// Remove evicts a participant: tears down its channel, drops its
// roster entry and cursor. Idempotent.
func (s *Session) Remove(participantID string) {
	s.transport.Disconnect(participantID)
	s.evict(participantID)
}

// evict clears all session state for a participant and emits the
// departure events. Shared state the participant authored is
// unaffected; annotations and chat lines outlive their author.
func (s *Session) evict(participantID string) {
	s.mu.Lock()
	entry, known := s.roster[participantID]
	if known {
		delete(s.roster, participantID)
	}
	s.mu.Unlock()

	if s.cursors.remove(participantID) {
		s.emit(CursorCleared{ParticipantID: participantID})
	}
	if known && entry.announced {
		s.logger.Info("participant left", "peer", participantID)
		s.emit(ParticipantLeft{ParticipantID: participantID})
	}
}

// Participants returns the visible roster: the local participant plus
// every announced remote, ordered by join time.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	participants := []Participant{s.self}
	for _, entry := range s.roster {
		if entry.announced {
			participants = append(participants, entry.participant)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(participants, func(a, b Participant) int {
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Compare(b.JoinedAt)
		}
		return bytes.Compare([]byte(a.ID), []byte(b.ID))
	})
	return participants
}

// State returns a copy of the current shared dashboard state.
func (s *Session) State() state.SharedState { return s.sync.State() }

// Cursors returns a copy of the remote cursor positions.
func (s *Session) Cursors() map[string]CursorPosition { return s.cursors.positions() }

// Chat returns a copy of the chat log in arrival order.
func (s *Session) Chat() []ChatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chat)
}

// SetView switches the active dashboard view everywhere.
func (s *Session) SetView(view string) error {
	envelope, err := s.sync.SetView(view)
	if err != nil {
		return err
	}
	return s.broadcastStateChange(envelope)
}

// ToggleChart flips a chart in or out of the shared selection.
func (s *Session) ToggleChart(chartID string) error {
	envelope, err := s.sync.ToggleChart(chartID)
	if err != nil {
		return err
	}
	return s.broadcastStateChange(envelope)
}

// SetFilter sets one named filter everywhere.
func (s *Session) SetFilter(name, value string) error {
	envelope, err := s.sync.SetFilter(name, value)
	if err != nil {
		return err
	}
	return s.broadcastStateChange(envelope)
}

// AddAnnotation creates an annotation at the given viewport-relative
// position and returns its id.
func (s *Session) AddAnnotation(x, y float64, shape, content string) (string, error) {
	id := ident.Qualified(s.self.ID)
	envelope, err := s.sync.AddAnnotation(id, x, y, shape, content)
	if err != nil {
		return "", err
	}
	if err := s.broadcastStateChange(envelope); err != nil {
		return "", err
	}
	return id, nil
}

// RemoveAnnotation deletes an annotation everywhere.
func (s *Session) RemoveAnnotation(id string) error {
	envelope, err := s.sync.RemoveAnnotation(id)
	if err != nil {
		return err
	}
	return s.broadcastStateChange(envelope)
}

// SendChat appends a message to the session chat and broadcasts it.
func (s *Session) SendChat(content string) error {
	now := s.clk.Now()
	entry := ChatEntry{
		ID:       ident.Qualified(s.self.ID),
		AuthorID: s.self.ID,
		Content:  content,
		SentAt:   now,
	}
	envelope, err := wire.NewEnvelope(s.self.ID, now.UnixMilli(), &wire.ChatMessage{
		ID:      entry.ID,
		Content: entry.Content,
	})
	if err != nil {
		return err
	}
	frame, err := wire.Encode(envelope)
	if err != nil {
		return err
	}

	s.appendChat(entry)
	s.transport.Broadcast(frame)
	return nil
}

// PublishCursor reports the local cursor position. Calls are throttled
// to one broadcast per cursor interval, keeping the final position.
func (s *Session) PublishCursor(x, y float64) {
	s.throttle.offer(x, y)
}

// publishCursor is the throttle's broadcast callback.
func (s *Session) publishCursor(x, y float64) {
	envelope, err := wire.NewEnvelope(s.self.ID, s.clk.Now().UnixMilli(), &wire.CursorMove{X: x, Y: y})
	if err != nil {
		s.logger.Warn("encoding cursor move", "error", err)
		return
	}
	frame, err := wire.Encode(envelope)
	if err != nil {
		s.logger.Warn("framing cursor move", "error", err)
		return
	}
	s.transport.Broadcast(frame)
}

// ChannelOpened implements transport.Handler. A fresh channel gets our
// identity and a full state snapshot; both sides do this, and snapshot
// merges are idempotent, so whoever has newer state wins entry by
// entry.
func (s *Session) ChannelOpened(peerID string) {
	s.logger.Info("channel open", "peer", peerID)

	hello := &wire.Hello{
		ID:          s.self.ID,
		DisplayName: s.self.DisplayName,
		Role:        string(s.self.Role),
		HasAudio:    s.self.HasAudio,
		HasVideo:    s.self.HasVideo,
		JoinedAt:    s.self.JoinedAt.UnixMilli(),
	}
	if err := s.sendMessage(peerID, hello); err != nil {
		s.logger.Warn("sending hello", "peer", peerID, "error", err)
		return
	}
	if err := s.sendSnapshot(peerID); err != nil {
		s.logger.Warn("sending bootstrap snapshot", "peer", peerID, "error", err)
	}
}

// ChannelClosed implements transport.Handler.
func (s *Session) ChannelClosed(peerID string, reason error) {
	s.logger.Info("channel closed", "peer", peerID, "reason", reason)
	s.evict(peerID)
}

// HandleEnvelope implements transport.Handler, dispatching one inbound
// message. Unknown kinds and malformed bodies are dropped with a log
// line; they never fail the channel.
func (s *Session) HandleEnvelope(peerID string, envelope wire.Envelope) {
	message, err := envelope.Message()
	if err != nil {
		s.logger.Warn("dropping undecodable message",
			"peer", peerID,
			"kind", envelope.Kind.String(),
			"error", err,
		)
		return
	}

	stamp := state.Stamp{Timestamp: envelope.Timestamp, Origin: envelope.Origin}

	switch message := message.(type) {
	case *wire.Hello:
		s.handleHello(message)

	case *wire.Snapshot:
		s.handleSnapshot(peerID, message)

	case *wire.SnapshotRequest:
		if err := s.sendSnapshot(peerID); err != nil {
			s.logger.Warn("answering snapshot request", "peer", peerID, "error", err)
		}

	case *wire.StateDelta:
		changed, err := s.sync.ApplyDelta(stamp, message)
		if err != nil {
			s.logger.Warn("dropping bad state delta", "peer", peerID, "error", err)
			return
		}
		if changed {
			s.emit(StateChanged{State: s.sync.State()})
		}

	case *wire.AnnotationAdd:
		if s.sync.ApplyAnnotationAdd(stamp, message) {
			s.emit(StateChanged{State: s.sync.State()})
		}

	case *wire.AnnotationRemove:
		if s.sync.ApplyAnnotationRemove(stamp, message) {
			s.emit(StateChanged{State: s.sync.State()})
		}

	case *wire.CursorMove:
		s.cursors.update(envelope.Origin, message.X, message.Y, s.clk.Now())
		s.emit(CursorMoved{ParticipantID: envelope.Origin, X: message.X, Y: message.Y})

	case *wire.ChatMessage:
		s.handleChat(envelope, message)

	case *wire.StateDigest:
		s.handleDigest(peerID, message)
	}
}

// handleHello announces a roster entry. A hello for an unknown peer
// (the remote admitted us first) creates the entry directly.
func (s *Session) handleHello(hello *wire.Hello) {
	participant := Participant{
		ID:          hello.ID,
		DisplayName: hello.DisplayName,
		Role:        Role(hello.Role),
		HasAudio:    hello.HasAudio,
		HasVideo:    hello.HasVideo,
		JoinedAt:    time.UnixMilli(hello.JoinedAt),
	}

	s.mu.Lock()
	entry, ok := s.roster[hello.ID]
	if !ok {
		entry = &rosterEntry{}
		s.roster[hello.ID] = entry
	}
	firstAnnounce := !entry.announced
	entry.participant = participant
	entry.announced = true
	s.mu.Unlock()

	if firstAnnounce {
		s.logger.Info("participant announced",
			"peer", hello.ID,
			"name", hello.DisplayName,
			"role", hello.Role,
		)
		s.emit(ParticipantJoined{Participant: participant})
	}
}

func (s *Session) handleSnapshot(peerID string, message *wire.Snapshot) {
	snapshot, err := state.UnmarshalSnapshot(message.Data)
	if err != nil {
		s.logger.Warn("dropping bad snapshot", "peer", peerID, "error", err)
		return
	}
	if s.sync.Merge(snapshot) {
		s.logger.Info("snapshot merged", "peer", peerID)
		s.emit(StateChanged{State: s.sync.State()})
	}
}

// handleChat appends a remote chat line. Ids deduplicate redeliveries
// after a reconnect.
func (s *Session) handleChat(envelope wire.Envelope, message *wire.ChatMessage) {
	entry := ChatEntry{
		ID:       message.ID,
		AuthorID: envelope.Origin,
		Content:  message.Content,
		SentAt:   time.UnixMilli(envelope.Timestamp),
	}
	if s.appendChat(entry) {
		s.emit(ChatReceived{Entry: entry})
	}
}

// appendChat adds an entry to the log unless its id was already seen.
// Local sends emit their event inline to keep local echo immediate.
func (s *Session) appendChat(entry ChatEntry) bool {
	s.mu.Lock()
	if _, seen := s.chatSeen[entry.ID]; seen {
		s.mu.Unlock()
		return false
	}
	s.chatSeen[entry.ID] = struct{}{}
	s.chat = append(s.chat, entry)
	local := entry.AuthorID == s.self.ID
	s.mu.Unlock()

	if local {
		s.emit(ChatReceived{Entry: entry})
	}
	return true
}

// handleDigest compares a peer's state digest against ours and
// requests a snapshot on mismatch, rate-limited per peer.
func (s *Session) handleDigest(peerID string, message *wire.StateDigest) {
	local, err := s.sync.Digest()
	if err != nil {
		s.logger.Warn("computing local digest", "error", err)
		return
	}
	if bytes.Equal(local, message.Digest) {
		return
	}

	now := s.clk.Now()
	s.mu.Lock()
	last, ok := s.lastSnapshotRequest[peerID]
	if ok && now.Sub(last) < s.cfg.DigestInterval.Std() {
		s.mu.Unlock()
		return
	}
	s.lastSnapshotRequest[peerID] = now
	s.mu.Unlock()

	s.logger.Warn("state digest mismatch, requesting snapshot", "peer", peerID)
	if err := s.sendMessage(peerID, &wire.SnapshotRequest{}); err != nil {
		s.logger.Warn("requesting snapshot", "peer", peerID, "error", err)
	}
}

// broadcastDigest publishes the local state digest to every peer.
func (s *Session) broadcastDigest() {
	digest, err := s.sync.Digest()
	if err != nil {
		s.logger.Warn("computing state digest", "error", err)
		return
	}
	envelope, err := wire.NewEnvelope(s.self.ID, s.clk.Now().UnixMilli(), &wire.StateDigest{Digest: digest})
	if err != nil {
		s.logger.Warn("encoding state digest", "error", err)
		return
	}
	frame, err := wire.Encode(envelope)
	if err != nil {
		s.logger.Warn("framing state digest", "error", err)
		return
	}
	s.transport.Broadcast(frame)
}

// broadcastStateChange frames and fans out a local mutation, then
// reflects it back to the renderer.
func (s *Session) broadcastStateChange(envelope wire.Envelope) error {
	frame, err := wire.Encode(envelope)
	if err != nil {
		return err
	}
	s.transport.Broadcast(frame)
	s.emit(StateChanged{State: s.sync.State()})
	return nil
}

// sendSnapshot sends the full current state to one peer.
func (s *Session) sendSnapshot(peerID string) error {
	data, err := state.MarshalSnapshot(s.sync.Snapshot())
	if err != nil {
		return err
	}
	return s.sendMessage(peerID, &wire.Snapshot{Data: data})
}

// sendMessage encodes and sends one message point-to-point.
func (s *Session) sendMessage(peerID string, message wire.Message) error {
	envelope, err := wire.NewEnvelope(s.self.ID, s.clk.Now().UnixMilli(), message)
	if err != nil {
		return err
	}
	frame, err := wire.Encode(envelope)
	if err != nil {
		return err
	}
	return s.transport.Send(peerID, frame)
}

// emit delivers an event to the renderer without blocking. Overflow
// drops the event; the accessors always hold the truth.
func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Warn("event buffer full, dropping event", "event", fmt.Sprintf("%T", event))
	}
}
