// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/casemarket/collab/lib/codec"
)

// frameHeaderLength is the fixed frame header: a 4-byte big-endian
// envelope length.
const frameHeaderLength = 4

// MaxFrameLength caps a single envelope at 1 MiB. Deltas, cursor
// moves, and chat lines are tiny; only compressed snapshots approach
// kilobytes. Anything larger is a protocol violation.
const MaxFrameLength = 1 << 20

// ErrMalformedEnvelope marks a frame whose length prefix was intact
// but whose envelope bytes did not decode. The frame boundary is
// unaffected, so the reader may drop the message and continue; stream
// errors, by contrast, are unrecoverable.
var ErrMalformedEnvelope = errors.New("wire: malformed envelope")

// Encode serializes the envelope into a single framed byte slice:
// header plus CBOR envelope. Broadcast callers encode once and hand
// the same slice to every channel.
func Encode(envelope Envelope) ([]byte, error) {
	body, err := codec.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	if len(body) > MaxFrameLength {
		return nil, fmt.Errorf("envelope %s is %d bytes, exceeds frame cap %d", envelope.Kind, len(body), MaxFrameLength)
	}
	frame := make([]byte, frameHeaderLength+len(body))
	binary.BigEndian.PutUint32(frame[:frameHeaderLength], uint32(len(body)))
	copy(frame[frameHeaderLength:], body)
	return frame, nil
}

// ReadEnvelope reads one framed envelope from r. A malformed frame
// (oversized length, truncated stream, undecodable CBOR) is an error;
// the caller decides whether that fails the channel or is dropped.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Envelope{}, fmt.Errorf("reading frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameLength {
		return Envelope{}, fmt.Errorf("frame length %d exceeds cap %d", length, MaxFrameLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("reading frame body: %w", err)
	}
	var envelope Envelope
	if err := codec.Unmarshal(body, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return envelope, nil
}
