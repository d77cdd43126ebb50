// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now() when
// tests need unique identifiers for annotations, chat messages, or
// participants that must be distinguishable in assertions.
//
//	annotationID := testutil.UniqueID("note")   // "note-1", "note-2", ...
//	content := testutil.UniqueID("hello-from-b") // "hello-from-b-3", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
