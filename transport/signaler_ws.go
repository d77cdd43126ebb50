// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Compile-time interface check.
var _ Signaler = (*WebSocketSignaler)(nil)

// Keepalive and write-pacing constants for the rendezvous connection.
const (
	// wsWriteTimeout bounds a single signal write.
	wsWriteTimeout = 10 * time.Second

	// wsPongTimeout is how long the connection may stay silent before
	// it is considered dead. Must exceed wsPingInterval.
	wsPongTimeout = 60 * time.Second

	// wsPingInterval is how often a keepalive ping is sent.
	wsPingInterval = 25 * time.Second
)

// WebSocketSignaler exchanges handshake blobs through an external
// rendezvous service over one WebSocket connection. The service's only
// job is fan-out: every signal names its recipient, and the service
// delivers it to that participant's connection. Signal frames are JSON
// because the rendezvous contract is language-neutral.
type WebSocketSignaler struct {
	conn    *websocket.Conn
	localID string
	logger  *slog.Logger

	// writeMu serializes writes; gorilla connections allow at most
	// one concurrent writer.
	writeMu sync.Mutex

	signals   chan Signal
	closed    chan struct{}
	closeOnce sync.Once
}

// DialWebSocketSignaler connects to the rendezvous service. The
// session and participant ids travel as query parameters; the service
// uses them to route signals addressed to this participant.
func DialWebSocketSignaler(ctx context.Context, rawURL, sessionID, participantID string, logger *slog.Logger) (*WebSocketSignaler, error) {
	endpoint, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing signaling URL: %w", err)
	}
	query := endpoint.Query()
	query.Set("session", sessionID)
	query.Set("participant", participantID)
	endpoint.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing rendezvous service %s: %w", endpoint.Host, err)
	}

	signaler := &WebSocketSignaler{
		conn:    conn,
		localID: participantID,
		logger:  logger,
		signals: make(chan Signal, 16),
		closed:  make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	go signaler.readPump()
	go signaler.pingLoop()
	return signaler, nil
}

// Send delivers one signal through the rendezvous service.
func (s *WebSocketSignaler) Send(ctx context.Context, signal Signal) error {
	select {
	case <-s.closed:
		return fmt.Errorf("signaler is closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	signal.From = s.localID

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteJSON(signal); err != nil {
		return fmt.Errorf("writing signal to rendezvous service: %w", err)
	}
	return nil
}

// Signals returns the inbound signal channel. It closes when the
// rendezvous connection drops or Close is called.
func (s *WebSocketSignaler) Signals() <-chan Signal {
	return s.signals
}

// Close tears down the rendezvous connection.
func (s *WebSocketSignaler) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
	return nil
}

// readPump decodes inbound signal frames until the connection dies.
// Signals not addressed to this participant indicate a misbehaving
// rendezvous service and are dropped with a log line.
func (s *WebSocketSignaler) readPump() {
	defer close(s.signals)
	defer s.Close()

	for {
		var signal Signal
		if err := s.conn.ReadJSON(&signal); err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Warn("rendezvous connection lost", "error", err)
			}
			return
		}
		if signal.To != "" && signal.To != s.localID {
			s.logger.Warn("dropping misrouted signal",
				"from", signal.From,
				"to", signal.To,
			)
			continue
		}
		select {
		case s.signals <- signal:
		case <-s.closed:
			return
		}
	}
}

// pingLoop keeps the connection alive through idle periods.
func (s *WebSocketSignaler) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn("rendezvous ping failed", "error", err)
				s.Close()
				return
			}
		}
	}
}
