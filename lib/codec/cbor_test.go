// Copyright 2026 The Casemarket Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	// Two maps with the same entries inserted in different orders must
	// encode to identical bytes — the state digest depends on it.
	first := map[string]string{"status": "open", "region": "west", "tier": "pro"}
	second := map[string]string{"tier": "pro", "status": "open", "region": "west"}

	firstBytes, err := Marshal(first)
	if err != nil {
		t.Fatalf("Marshal first: %v", err)
	}
	secondBytes, err := Marshal(second)
	if err != nil {
		t.Fatalf("Marshal second: %v", err)
	}
	if !bytes.Equal(firstBytes, secondBytes) {
		t.Errorf("equal maps encoded differently:\n  %x\n  %x", firstBytes, secondBytes)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	type wide struct {
		Name  string `cbor:"name"`
		Extra string `cbor:"extra"`
	}
	type narrow struct {
		Name string `cbor:"name"`
	}

	data, err := Marshal(wide{Name: "filters", Extra: "future field"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got narrow
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if got.Name != "filters" {
		t.Errorf("Name = %q, want %q", got.Name, "filters")
	}
}

func TestUnmarshalAnyMapType(t *testing.T) {
	data, err := Marshal(map[string]any{"value": map[string]any{"x": 1}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded["value"].(map[string]any); !ok {
		t.Errorf("nested map decoded as %T, want map[string]any", decoded["value"])
	}
}
