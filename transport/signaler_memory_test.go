// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/casemarket/collab/lib/testutil"
)

func TestMemoryExchangeRoutesBetweenEndpoints(t *testing.T) {
	exchange := NewMemoryExchange()
	alpha := exchange.Endpoint("alpha")
	defer alpha.Close()
	beta := exchange.Endpoint("beta")
	defer beta.Close()

	err := alpha.Send(context.Background(), Signal{
		To:   "beta",
		Kind: SignalOffer,
		SDP:  "offer-sdp",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	signal := testutil.RequireReceive(t, beta.Signals(), time.Second, "routed signal")
	if signal.From != "alpha" {
		t.Errorf("From = %q, want %q", signal.From, "alpha")
	}
	if signal.Kind != SignalOffer {
		t.Errorf("Kind = %q, want %q", signal.Kind, SignalOffer)
	}
	if signal.SDP != "offer-sdp" {
		t.Errorf("SDP = %q, want %q", signal.SDP, "offer-sdp")
	}
}

func TestMemoryExchangeUnknownRecipient(t *testing.T) {
	exchange := NewMemoryExchange()
	alpha := exchange.Endpoint("alpha")
	defer alpha.Close()

	err := alpha.Send(context.Background(), Signal{To: "nobody", Kind: SignalOffer})
	if err == nil {
		t.Fatal("expected error sending to unregistered participant")
	}
}

func TestMemoryEndpointCloseUnregisters(t *testing.T) {
	exchange := NewMemoryExchange()
	alpha := exchange.Endpoint("alpha")
	beta := exchange.Endpoint("beta")

	if err := beta.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := beta.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := alpha.Send(context.Background(), Signal{To: "beta", Kind: SignalAnswer}); err == nil {
		t.Fatal("expected error sending to closed endpoint")
	}

	// The inbox closes on unregister.
	select {
	case _, ok := <-beta.Signals():
		if ok {
			t.Fatal("unexpected signal on closed endpoint")
		}
	case <-time.After(time.Second):
		t.Fatal("inbox was not closed")
	}
}

func TestMemoryExchangeReplacedRegistration(t *testing.T) {
	exchange := NewMemoryExchange()
	alpha := exchange.Endpoint("alpha")
	defer alpha.Close()

	stale := exchange.Endpoint("beta")
	fresh := exchange.Endpoint("beta")
	defer fresh.Close()

	// Closing the stale endpoint must not unregister the fresh one.
	stale.Close()

	if err := alpha.Send(context.Background(), Signal{To: "beta", Kind: SignalOffer}); err != nil {
		t.Fatalf("Send after re-registration: %v", err)
	}
	select {
	case <-fresh.Signals():
	case <-time.After(time.Second):
		t.Fatal("signal was not delivered to the fresh endpoint")
	}
}
