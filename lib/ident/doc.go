// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

// Package ident generates the identifiers used across a collaboration
// session. Annotation and chat message ids are origin-qualified ULIDs:
// time-ordered, unique across concurrent authors without any
// coordination, and carrying the authoring participant in the id
// itself. Session ids are plain UUIDs minted by whoever creates the
// session.
package ident
