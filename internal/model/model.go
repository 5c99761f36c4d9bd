package model

import (
	"fmt"
	"strings"
)

// SlotHandle identifies one leased vessel as "nodeID:slotName".
type SlotHandle string

// NewSlotHandle joins a node ID and slot name into a handle.
func NewSlotHandle(nodeID, slot string) SlotHandle {
	return SlotHandle(nodeID + ":" + slot)
}

// ParseSlotHandle validates a handle string received from the allocator.
func ParseSlotHandle(s string) (SlotHandle, error) {
	nodeID, slot, ok := strings.Cut(s, ":")
	if !ok || nodeID == "" || slot == "" || strings.Contains(slot, ":") {
		return "", fmt.Errorf("invalid slot handle %q", s)
	}
	return SlotHandle(s), nil
}

// NodeID returns the node part of the handle.
func (h SlotHandle) NodeID() string {
	nodeID, _, _ := strings.Cut(string(h), ":")
	return nodeID
}

// Slot returns the slot name within the node.
func (h SlotHandle) Slot() string {
	_, slot, _ := strings.Cut(string(h), ":")
	return slot
}

func (h SlotHandle) String() string { return string(h) }

// SlotType is the kind of vessel requested from the allocator.
type SlotType string

const (
	SlotTypeWAN    SlotType = "wan"
	SlotTypeLAN    SlotType = "lan"
	SlotTypeNAT    SlotType = "nat"
	SlotTypeRandom SlotType = "random"
)

// SlotTypes lists every slot type the controller knows about.
var SlotTypes = []SlotType{SlotTypeWAN, SlotTypeLAN, SlotTypeNAT, SlotTypeRandom}

// ParseSlotType accepts any case of a known slot type.
func ParseSlotType(s string) (SlotType, bool) {
	t := SlotType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range SlotTypes {
		if t == known {
			return t, true
		}
	}
	return "", false
}

// VesselStatus is the state string reported by the allocator for a vessel.
type VesselStatus string

const (
	StatusFresh      VesselStatus = "Fresh"
	StatusStarted    VesselStatus = "Started"
	StatusStopped    VesselStatus = "Stopped"
	StatusStaged     VesselStatus = "Staged"
	StatusTerminated VesselStatus = "Terminated"
	StatusThreadErr  VesselStatus = "ThreadErr"
)

// Running reports whether the program is believed to be running.
func (s VesselStatus) Running() bool { return s == StatusStarted }
