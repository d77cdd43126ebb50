// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "COLLAB_CONFIG"

// Config is the full configuration for a collaboration peer.
type Config struct {
	// Signaling configures the rendezvous service connection.
	Signaling SignalingConfig `yaml:"signaling"`

	// ICE lists STUN/TURN servers for candidate gathering. Empty means
	// host candidates only, which is sufficient for same-machine and
	// same-LAN sessions.
	ICE []ICEServer `yaml:"ice"`

	// Session tunes the collaboration session itself.
	Session SessionConfig `yaml:"session"`
}

// SignalingConfig configures the WebSocket rendezvous client.
type SignalingConfig struct {
	// URL is the rendezvous service endpoint,
	// e.g. "wss://signal.casemarket.internal/v1/sessions".
	URL string `yaml:"url"`

	// HandshakeTimeout bounds connection establishment to a peer. A
	// channel that has not opened within this window is declared
	// failed.
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
}

// ICEServer is one STUN or TURN server entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// SessionConfig tunes throttling, staleness, and queue bounds.
type SessionConfig struct {
	// CursorInterval caps outbound cursor messages to one per
	// interval.
	CursorInterval Duration `yaml:"cursor_interval"`

	// CursorStaleAfter clears a remote cursor not refreshed within
	// this window.
	CursorStaleAfter Duration `yaml:"cursor_stale_after"`

	// DigestInterval is how often the state digest is broadcast for
	// divergence detection.
	DigestInterval Duration `yaml:"digest_interval"`

	// OutboundQueue is the per-channel outbound message bound. A full
	// queue fails that channel, isolating slow peers.
	OutboundQueue int `yaml:"outbound_queue"`

	// EventBuffer is the renderer event channel capacity.
	EventBuffer int `yaml:"event_buffer"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	return Config{
		Signaling: SignalingConfig{
			HandshakeTimeout: Duration(30 * time.Second),
		},
		Session: SessionConfig{
			CursorInterval:   Duration(50 * time.Millisecond),
			CursorStaleAfter: Duration(5 * time.Second),
			DigestInterval:   Duration(15 * time.Second),
			OutboundQueue:    256,
			EventBuffer:      512,
		},
	}
}

// Load reads the config file at path. When path is empty, the
// COLLAB_CONFIG environment variable is consulted; when that is also
// empty, Defaults() is returned. Fields absent from the file keep
// their default values.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Session.OutboundQueue <= 0 {
		return fmt.Errorf("session.outbound_queue must be positive, got %d", c.Session.OutboundQueue)
	}
	if c.Session.EventBuffer <= 0 {
		return fmt.Errorf("session.event_buffer must be positive, got %d", c.Session.EventBuffer)
	}
	if c.Session.CursorInterval <= 0 || c.Session.CursorStaleAfter <= 0 || c.Session.DigestInterval <= 0 {
		return fmt.Errorf("session intervals must be positive")
	}
	if time.Duration(c.Session.CursorStaleAfter) <= time.Duration(c.Session.CursorInterval) {
		return fmt.Errorf("cursor_stale_after (%s) must exceed cursor_interval (%s)",
			time.Duration(c.Session.CursorStaleAfter), time.Duration(c.Session.CursorInterval))
	}
	return nil
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "250ms" or "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
