// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/casemarket/collab/lib/testutil"
	"github.com/casemarket/collab/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func encodeTestEnvelope(t *testing.T, origin string, message wire.Message) []byte {
	t.Helper()
	envelope, err := wire.NewEnvelope(origin, time.Now().UnixMilli(), message)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	frame, err := wire.Encode(envelope)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return frame
}

// TestPeerChannelDelivery drives a channel over an in-memory pipe and
// verifies that enqueued frames arrive as decoded envelopes on the
// other side, in order.
func TestPeerChannelDelivery(t *testing.T) {
	local, remote := net.Pipe()

	received := make(chan wire.Envelope, 16)
	peer := newPeerChannel("beta", 16, testLogger(),
		func(_ string, envelope wire.Envelope) { received <- envelope },
		func(_ *peerChannel, reason error) { t.Errorf("unexpected failure: %v", reason) },
	)
	if !peer.open(local) {
		t.Fatal("open returned false on a fresh channel")
	}
	defer peer.close()

	for _, content := range []string{"first", "second", "third"} {
		frame := encodeTestEnvelope(t, "alpha", &wire.ChatMessage{ID: content, Content: content})
		if err := peer.enqueue(frame); err != nil {
			t.Fatalf("enqueue(%s): %v", content, err)
		}
	}

	for _, want := range []string{"first", "second", "third"} {
		envelope, err := wire.ReadEnvelope(remote)
		if err != nil {
			t.Fatalf("ReadEnvelope: %v", err)
		}
		message, err := envelope.Message()
		if err != nil {
			t.Fatalf("Message: %v", err)
		}
		chat, ok := message.(*wire.ChatMessage)
		if !ok {
			t.Fatalf("message type = %T, want *wire.ChatMessage", message)
		}
		if chat.Content != want {
			t.Errorf("content = %q, want %q (per-sender order violated)", chat.Content, want)
		}
	}

	// Inbound direction: write a frame from the remote side.
	frame := encodeTestEnvelope(t, "beta", &wire.CursorMove{X: 0.25, Y: 0.75})
	if _, err := remote.Write(frame); err != nil {
		t.Fatalf("remote write: %v", err)
	}
	select {
	case envelope := <-received:
		if envelope.Kind != wire.KindCursorMove {
			t.Errorf("kind = %s, want %s", envelope.Kind, wire.KindCursorMove)
		}
	case <-time.After(time.Second):
		t.Fatal("inbound envelope was not delivered")
	}
}

// TestPeerChannelMalformedEnvelopeDropped verifies that an intact frame
// with an undecodable envelope is dropped without killing the stream.
func TestPeerChannelMalformedEnvelopeDropped(t *testing.T) {
	local, remote := net.Pipe()

	received := make(chan wire.Envelope, 16)
	peer := newPeerChannel("beta", 16, testLogger(),
		func(_ string, envelope wire.Envelope) { received <- envelope },
		func(_ *peerChannel, reason error) { t.Errorf("unexpected failure: %v", reason) },
	)
	peer.open(local)
	defer peer.close()

	// A well-framed payload that is not valid CBOR.
	garbage := []byte{0xff, 0xfe, 0xfd, 0xfc}
	framed := make([]byte, 4+len(garbage))
	binary.BigEndian.PutUint32(framed[:4], uint32(len(garbage)))
	copy(framed[4:], garbage)
	if _, err := remote.Write(framed); err != nil {
		t.Fatalf("remote write: %v", err)
	}

	// The next valid envelope must still come through.
	frame := encodeTestEnvelope(t, "beta", &wire.ChatMessage{ID: "m1", Content: "still alive"})
	if _, err := remote.Write(frame); err != nil {
		t.Fatalf("remote write: %v", err)
	}
	select {
	case envelope := <-received:
		if envelope.Kind != wire.KindChatMessage {
			t.Errorf("kind = %s, want %s", envelope.Kind, wire.KindChatMessage)
		}
	case <-time.After(time.Second):
		t.Fatal("envelope after malformed frame was not delivered")
	}
}

// TestPeerChannelQueueOverflow verifies that a peer that stops reading
// saturates its bounded queue and gets errQueueFull rather than
// stalling the sender.
func TestPeerChannelQueueOverflow(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	const queueSize = 4
	peer := newPeerChannel("beta", queueSize, testLogger(),
		func(string, wire.Envelope) {},
		func(*peerChannel, error) {},
	)
	peer.open(local)
	defer peer.close()

	frame := encodeTestEnvelope(t, "alpha", &wire.ChatMessage{ID: "m", Content: "payload"})

	// The remote never reads, so the write loop blocks on its first
	// frame; wait for it to drain that one from the queue, then fill
	// the queue and overflow it.
	deadline := time.After(time.Second)
	overflowed := false
	for !overflowed {
		if err := peer.enqueue(frame); errors.Is(err, errQueueFull) {
			overflowed = true
		}
		select {
		case <-deadline:
			t.Fatal("queue never reported overflow")
		default:
		}
	}
}

// TestPeerChannelEnqueueStates verifies the state gating on enqueue.
func TestPeerChannelEnqueueStates(t *testing.T) {
	peer := newPeerChannel("beta", 4, testLogger(),
		func(string, wire.Envelope) {},
		func(*peerChannel, error) {},
	)

	if err := peer.enqueue([]byte{0}); !errors.Is(err, errChannelNotOpen) {
		t.Errorf("enqueue while connecting = %v, want errChannelNotOpen", err)
	}

	local, remote := net.Pipe()
	defer remote.Close()
	peer.open(local)
	if !peer.close() {
		t.Fatal("first close returned false")
	}
	if peer.close() {
		t.Fatal("second close returned true")
	}
	if err := peer.enqueue([]byte{0}); !errors.Is(err, errChannelNotOpen) {
		t.Errorf("enqueue after close = %v, want errChannelNotOpen", err)
	}
	if peer.State() != ChannelClosed {
		t.Errorf("state = %s, want closed", peer.State())
	}
}

// TestPeerChannelOpenAfterClose verifies the handshake-races-teardown
// path: open on a closed channel refuses and closes the stream.
func TestPeerChannelOpenAfterClose(t *testing.T) {
	peer := newPeerChannel("beta", 4, testLogger(),
		func(string, wire.Envelope) {},
		func(*peerChannel, error) {},
	)
	peer.close()

	local, remote := net.Pipe()
	defer remote.Close()
	if peer.open(local) {
		t.Fatal("open succeeded on a closed channel")
	}
	// The stream must have been closed for us.
	if _, err := local.Write([]byte{0}); err == nil {
		t.Error("stream left open after refused open")
	}
}

// TestPeerChannelOpenCloseRace races the data channel's OnOpen path
// against a concurrent teardown, as happens when the handshake
// watchdog or an ICE failure fires just as the channel comes up.
// Whichever side wins, the channel must end up closed with the stream
// released. Run under the race detector this also covers the
// state/stream/connection accesses themselves.
func TestPeerChannelOpenCloseRace(t *testing.T) {
	for i := 0; i < 100; i++ {
		local, remote := net.Pipe()

		peer := newPeerChannel("beta", 4, testLogger(),
			func(string, wire.Envelope) {},
			func(*peerChannel, error) {},
		)

		var waitGroup sync.WaitGroup
		waitGroup.Add(2)
		go func() {
			defer waitGroup.Done()
			peer.open(local)
		}()
		go func() {
			defer waitGroup.Done()
			peer.close()
		}()
		waitGroup.Wait()

		peer.close()
		if got := peer.State(); got != ChannelClosed {
			t.Fatalf("iteration %d: state = %s, want closed", i, got)
		}
		// The stream is closed on both outcomes: either close saw it
		// attached, or open refused it.
		if _, err := local.Write([]byte{0}); err == nil {
			t.Fatalf("iteration %d: stream left open", i)
		}
		remote.Close()
	}
}

// TestPeerChannelStreamFailure verifies that a dead stream reports
// through onFailure exactly once.
func TestPeerChannelStreamFailure(t *testing.T) {
	local, remote := net.Pipe()

	failures := make(chan error, 2)
	peer := newPeerChannel("beta", 4, testLogger(),
		func(string, wire.Envelope) {},
		func(_ *peerChannel, reason error) { failures <- reason },
	)
	peer.open(local)

	remote.Close()

	testutil.RequireReceive(t, failures, time.Second, "stream failure report")
	select {
	case reason := <-failures:
		t.Fatalf("failure reported twice: %v", reason)
	case <-time.After(100 * time.Millisecond):
	}
}
