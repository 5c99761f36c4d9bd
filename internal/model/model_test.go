package model

import "testing"

func TestParseSlotHandle(t *testing.T) {
	t.Parallel()

	h, err := ParseSlotHandle("node-1:v7")
	if err != nil {
		t.Fatalf("ParseSlotHandle: %v", err)
	}
	if h.NodeID() != "node-1" || h.Slot() != "v7" {
		t.Fatalf("node=%q slot=%q", h.NodeID(), h.Slot())
	}
	if h != NewSlotHandle("node-1", "v7") {
		t.Fatalf("handles should compare by value")
	}

	for _, bad := range []string{"", "node", ":v1", "node:", "a:b:c"} {
		if _, err := ParseSlotHandle(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseSlotType(t *testing.T) {
	t.Parallel()

	if got, ok := ParseSlotType(" WAN "); !ok || got != SlotTypeWAN {
		t.Fatalf("got=%q ok=%v", got, ok)
	}
	if got, ok := ParseSlotType("Random"); !ok || got != SlotTypeRandom {
		t.Fatalf("got=%q ok=%v", got, ok)
	}
	if _, ok := ParseSlotType("gpu"); ok {
		t.Fatalf("expected gpu to be rejected")
	}
}

func TestVesselStatusRunning(t *testing.T) {
	t.Parallel()

	if !StatusStarted.Running() {
		t.Fatalf("started should be running")
	}
	for _, s := range []VesselStatus{StatusFresh, StatusStopped, StatusTerminated, StatusThreadErr, "Weird"} {
		if s.Running() {
			t.Fatalf("%q should not be running", s)
		}
	}
}
