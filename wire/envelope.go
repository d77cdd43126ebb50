// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"

	"github.com/casemarket/collab/lib/codec"
)

// Kind identifies a message type on the wire.
type Kind byte

// Message kinds. Values are stable wire constants; do not renumber.
const (
	// KindHello is the participant identity exchange sent once after a
	// channel opens, in both directions.
	KindHello Kind = 0x01

	// KindSnapshot carries the full synchronizer state, compressed.
	// Sent point-to-point to bootstrap a newly admitted participant
	// and in response to a snapshot request.
	KindSnapshot Kind = 0x02

	// KindSnapshotRequest asks the receiving peer for a fresh
	// snapshot, typically after a digest mismatch.
	KindSnapshotRequest Kind = 0x03

	// KindStateDelta is a single shared-state mutation: current view,
	// chart selection, or one filter entry.
	KindStateDelta Kind = 0x10

	// KindAnnotationAdd creates an annotation. Idempotent by id.
	KindAnnotationAdd Kind = 0x11

	// KindAnnotationRemove tombstones an annotation id.
	KindAnnotationRemove Kind = 0x12

	// KindCursorMove is the high-frequency ephemeral cursor stream.
	KindCursorMove Kind = 0x20

	// KindChatMessage appends to the session chat log.
	KindChatMessage Kind = 0x30

	// KindStateDigest is the periodic BLAKE3 digest of the visible
	// shared state, used to detect divergence.
	KindStateDigest Kind = 0x40
)

// String returns the protocol name of the kind.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindSnapshot:
		return "snapshot"
	case KindSnapshotRequest:
		return "snapshot_request"
	case KindStateDelta:
		return "state_delta"
	case KindAnnotationAdd:
		return "annotation_add"
	case KindAnnotationRemove:
		return "annotation_remove"
	case KindCursorMove:
		return "cursor_move"
	case KindChatMessage:
		return "chat_message"
	case KindStateDigest:
		return "state_digest"
	}
	return fmt.Sprintf("kind(0x%02x)", byte(k))
}

// ErrUnknownKind is returned by Envelope.Message for kinds this build
// does not understand. Receivers drop and log such messages; they are
// never a channel failure.
var ErrUnknownKind = errors.New("wire: unknown message kind")

// Envelope is the wire representation of one message.
type Envelope struct {
	// Kind selects the body type.
	Kind Kind `cbor:"kind"`

	// Origin is the participant id that authored the message. Ordering
	// is guaranteed per origin only; origin also breaks last-write-wins
	// timestamp ties.
	Origin string `cbor:"origin"`

	// Timestamp is milliseconds since the Unix epoch at the origin.
	Timestamp int64 `cbor:"ts"`

	// Body is the CBOR-encoded payload for Kind.
	Body codec.RawMessage `cbor:"body,omitempty"`
}

// NewEnvelope encodes message and wraps it with the given origin and
// timestamp.
func NewEnvelope(origin string, timestamp int64, message Message) (Envelope, error) {
	body, err := codec.Marshal(message)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s body: %w", message.Kind(), err)
	}
	return Envelope{
		Kind:      message.Kind(),
		Origin:    origin,
		Timestamp: timestamp,
		Body:      body,
	}, nil
}

// Message decodes the envelope body into its typed payload. The switch
// covers every kind this build knows; anything else is ErrUnknownKind.
func (e Envelope) Message() (Message, error) {
	var message Message
	switch e.Kind {
	case KindHello:
		message = &Hello{}
	case KindSnapshot:
		message = &Snapshot{}
	case KindSnapshotRequest:
		message = &SnapshotRequest{}
	case KindStateDelta:
		message = &StateDelta{}
	case KindAnnotationAdd:
		message = &AnnotationAdd{}
	case KindAnnotationRemove:
		message = &AnnotationRemove{}
	case KindCursorMove:
		message = &CursorMove{}
	case KindChatMessage:
		message = &ChatMessage{}
	case KindStateDigest:
		message = &StateDigest{}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, byte(e.Kind))
	}
	if err := codec.Unmarshal(e.Body, message); err != nil {
		return nil, fmt.Errorf("decoding %s body: %w", e.Kind, err)
	}
	return message, nil
}

// Message is implemented by every typed payload.
type Message interface {
	// Kind returns the wire kind this payload travels under.
	Kind() Kind
}

// Hello announces a participant's identity after a channel opens.
type Hello struct {
	ID          string `cbor:"id"`
	DisplayName string `cbor:"displayName"`
	Role        string `cbor:"role"`
	HasAudio    bool   `cbor:"hasAudio"`
	HasVideo    bool   `cbor:"hasVideo"`
	JoinedAt    int64  `cbor:"joinedAt"`
}

// Kind implements Message.
func (*Hello) Kind() Kind { return KindHello }

// Snapshot carries a zstd-compressed CBOR encoding of the full
// synchronizer state (values, write stamps, tombstones).
type Snapshot struct {
	Data []byte `cbor:"data"`
}

// Kind implements Message.
func (*Snapshot) Kind() Kind { return KindSnapshot }

// SnapshotRequest asks the receiver to send a fresh Snapshot back.
type SnapshotRequest struct{}

// Kind implements Message.
func (*SnapshotRequest) Kind() Kind { return KindSnapshotRequest }

// Shared-state delta keys.
const (
	KeyCurrentView    = "currentView"
	KeySelectedCharts = "selectedCharts"
	KeyFilters        = "filters"
)

// StateDelta is one shared-state mutation. Value is CBOR-encoded per
// key: a string for currentView, a string slice for selectedCharts,
// and a FilterValue for filters.
type StateDelta struct {
	Key   string           `cbor:"key"`
	Value codec.RawMessage `cbor:"value"`
}

// Kind implements Message.
func (*StateDelta) Kind() Kind { return KindStateDelta }

// FilterValue is the payload of a filters delta: one named filter set
// to a value.
type FilterValue struct {
	Name  string `cbor:"name"`
	Value string `cbor:"value"`
}

// AnnotationAdd creates a freeform annotation on the shared dashboard.
// Shape travels under the "kind" wire key (arrow, highlight, note);
// the Go name avoids colliding with the Message interface method.
type AnnotationAdd struct {
	ID      string  `cbor:"id"`
	X       float64 `cbor:"x"`
	Y       float64 `cbor:"y"`
	Shape   string  `cbor:"kind"`
	Content string  `cbor:"content"`
}

// Kind implements Message.
func (*AnnotationAdd) Kind() Kind { return KindAnnotationAdd }

// AnnotationRemove tombstones the annotation with the given id.
type AnnotationRemove struct {
	ID string `cbor:"id"`
}

// Kind implements Message.
func (*AnnotationRemove) Kind() Kind { return KindAnnotationRemove }

// CursorMove reports the origin's cursor in viewport-relative
// coordinates.
type CursorMove struct {
	X float64 `cbor:"x"`
	Y float64 `cbor:"y"`
}

// Kind implements Message.
func (*CursorMove) Kind() Kind { return KindCursorMove }

// ChatMessage appends one line to the session chat.
type ChatMessage struct {
	ID      string `cbor:"id"`
	Content string `cbor:"content"`
}

// Kind implements Message.
func (*ChatMessage) Kind() Kind { return KindChatMessage }

// StateDigest is the BLAKE3-256 digest of the deterministic encoding
// of the sender's visible shared state.
type StateDigest struct {
	Digest []byte `cbor:"digest"`
}

// Kind implements Message.
func (*StateDigest) Kind() Kind { return KindStateDigest }
