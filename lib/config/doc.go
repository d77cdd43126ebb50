// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads collaboration peer configuration from a single
// YAML file specified by the COLLAB_CONFIG environment variable or a
// --config flag. There are no fallbacks or automatic discovery: a peer
// either has an explicit config or runs on defaults, never on hidden
// overrides.
package config
