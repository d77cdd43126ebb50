// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the time operations the collaboration session
// depends on: cursor publish throttling, cursor staleness sweeps, and
// the periodic state digest. Production code injects Real(); tests
// inject Fake() and advance time deterministically, so staleness and
// throttle behavior can be asserted without sleeping.
package clock
