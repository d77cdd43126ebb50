// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// entropy is the shared monotonic entropy source for ULID generation.
// Monotonic mode keeps ids minted in the same millisecond ordered,
// which keeps annotation lists stable under the created-at sort.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID for the current time. Panics only if the system
// entropy source fails, which is not a recoverable condition.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Qualified returns an id of the form "<ulid>.<origin>". The ULID
// alone is collision-safe; the origin suffix additionally makes ids
// from different participants distinct by construction, so annotation
// ids never need coordination to stay unique across concurrent
// authors.
func Qualified(origin string) string {
	return New() + "." + origin
}

// SessionID returns a new random session identifier.
func SessionID() string {
	return uuid.NewString()
}
