// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

// collab-peer is a headless collaboration session peer. It joins a
// session through the rendezvous service, connects to the peers named
// on the command line, and logs every session event as JSON. It is the
// reference wiring of the session stack and the tool used to exercise
// a session without a dashboard frontend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/casemarket/collab/lib/config"
	"github.com/casemarket/collab/lib/ident"
	"github.com/casemarket/collab/lib/version"
	"github.com/casemarket/collab/session"
	"github.com/casemarket/collab/transport"
	"github.com/casemarket/collab/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		sessionID   string
		participant string
		displayName string
		role        string
		signalURL   string
		peers       []string
	)

	flagSet := pflag.NewFlagSet("collab-peer", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&sessionID, "session", "", "session id to join (default: start a new session)")
	flagSet.StringVar(&participant, "id", "", "participant id (default: generated)")
	flagSet.StringVar(&displayName, "name", "", "display name shown in the roster (default: the participant id)")
	flagSet.StringVar(&role, "role", string(session.RoleParticipant), "session role: host or participant")
	flagSet.StringVar(&signalURL, "signal-url", "", "rendezvous service URL (overrides the config file)")
	flagSet.StringSliceVar(&peers, "peer", nil, "participant id to connect to (repeatable)")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("collab-peer %s\n", version.Info())
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	switch session.Role(role) {
	case session.RoleHost, session.RoleParticipant:
	default:
		return fmt.Errorf("invalid --role %q: must be host or participant", role)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if signalURL != "" {
		cfg.Signaling.URL = signalURL
	}
	if cfg.Signaling.URL == "" {
		return fmt.Errorf("no rendezvous URL: set --signal-url or signaling.url in the config")
	}
	if sessionID == "" {
		sessionID = ident.SessionID()
	}
	if participant == "" {
		participant = ident.New()
	}
	if displayName == "" {
		displayName = participant
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signaler, err := transport.DialWebSocketSignaler(ctx, cfg.Signaling.URL, sessionID, participant, logger)
	if err != nil {
		return err
	}
	defer signaler.Close()

	// The fabric needs its handler at construction and the session
	// needs the fabric; the proxy breaks the cycle.
	var handler handlerProxy
	fabric := transport.NewFabric(signaler, participant, transport.ICEConfigFromServers(cfg.ICE), &handler, transport.FabricConfig{
		HandshakeTimeout: cfg.Signaling.HandshakeTimeout.Std(),
		QueueSize:        cfg.Session.OutboundQueue,
	}, logger)

	sess, err := session.New(session.Options{
		SessionID: sessionID,
		Self: session.Participant{
			ID:          participant,
			DisplayName: displayName,
			Role:        session.Role(role),
			JoinedAt:    time.Now(),
		},
		Transport: fabric,
		Config:    cfg.Session,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	handler.session.Store(sess)
	defer sess.Close()

	go fabric.Run(ctx)
	go sess.Run(ctx)
	go logEvents(ctx, sess, logger)

	for _, peer := range peers {
		if err := sess.Admit(ctx, peer); err != nil {
			logger.Warn("admitting peer", "peer", peer, "error", err)
		}
	}

	logger.Info("collab peer running",
		"session", sessionID,
		"participant", participant,
		"role", role,
		"rendezvous", cfg.Signaling.URL,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return sess.Close()
}

// handlerProxy forwards fabric callbacks to the session once it
// exists. Callbacks arriving before the store are impossible in
// practice: no channel can open before Admit is called.
type handlerProxy struct {
	session atomic.Pointer[session.Session]
}

func (p *handlerProxy) ChannelOpened(peerID string) {
	if s := p.session.Load(); s != nil {
		s.ChannelOpened(peerID)
	}
}

func (p *handlerProxy) ChannelClosed(peerID string, reason error) {
	if s := p.session.Load(); s != nil {
		s.ChannelClosed(peerID, reason)
	}
}

func (p *handlerProxy) HandleEnvelope(peerID string, envelope wire.Envelope) {
	if s := p.session.Load(); s != nil {
		s.HandleEnvelope(peerID, envelope)
	}
}

// logEvents renders session events as log lines.
func logEvents(ctx context.Context, sess *session.Session, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sess.Events():
			switch event := event.(type) {
			case session.ParticipantJoined:
				logger.Info("participant joined",
					"peer", event.Participant.ID,
					"name", event.Participant.DisplayName,
					"role", string(event.Participant.Role),
				)
			case session.ParticipantLeft:
				logger.Info("participant left", "peer", event.ParticipantID)
			case session.StateChanged:
				logger.Info("state changed",
					"view", event.State.CurrentView,
					"charts", event.State.SelectedCharts,
					"filters", event.State.Filters,
					"annotations", len(event.State.Annotations),
				)
			case session.CursorMoved:
				logger.Debug("cursor moved", "peer", event.ParticipantID, "x", event.X, "y", event.Y)
			case session.CursorCleared:
				logger.Debug("cursor cleared", "peer", event.ParticipantID)
			case session.ChatReceived:
				logger.Info("chat",
					"author", event.Entry.AuthorID,
					"content", event.Entry.Content,
				)
			}
		}
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Print(`collab-peer - headless collaboration session peer

Joins a dashboard collaboration session via the rendezvous service and
logs session activity. Peers named with --peer are dialed on startup;
other participants may dial this peer at any time.

Usage:
  collab-peer [flags]

Flags:
`)
	fmt.Print(flagSet.FlagUsages())
}
