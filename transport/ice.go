// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/casemarket/collab/lib/config"
)

// ICEConfig holds the STUN/TURN servers used during candidate
// gathering. An empty config produces host candidates only, which is
// sufficient for same-machine and same-LAN sessions (and for tests).
type ICEConfig struct {
	// Servers is tried in order by pion.
	Servers []webrtc.ICEServer
}

// ICEConfigFromServers converts configured ICE server entries into a
// pion-ready ICEConfig.
func ICEConfigFromServers(servers []config.ICEServer) ICEConfig {
	if len(servers) == 0 {
		return ICEConfig{}
	}
	iceServers := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		entry := webrtc.ICEServer{URLs: server.URLs}
		if server.Username != "" {
			entry.Username = server.Username
			entry.Credential = server.Credential
		}
		iceServers = append(iceServers, entry)
	}
	return ICEConfig{Servers: iceServers}
}
