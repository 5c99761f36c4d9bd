// Package allocator defines the contract the fleet controller needs from the
// external vessel allocation service, the error categories it reports, and
// an HTTP client for allocation gateways.
package allocator

import (
	"context"

	"vesselctl/internal/identity"
	"vesselctl/internal/model"
)

// Allocator leases, renews and reclaims vessels, and reaches the programs
// running on them.
//
// Acquire, Renew and Release fail with *AllocationError. Acquire and
// Acquired may return usable handles together with an error when part of
// the reply was malformed; callers own those leases. Upload, Status and
// RemoteLog fail with *CommunicationError. Start fails with *LaunchError.
type Allocator interface {
	// ValidateSlotType reports whether the service advertises t.
	ValidateSlotType(ctx context.Context, t model.SlotType) (bool, error)
	// MaxSlots is the identity's vessel credit ceiling.
	MaxSlots(ctx context.Context, id *identity.Identity) (int, error)
	// Port is the side-channel port assigned to the identity.
	Port(ctx context.Context, id *identity.Identity) (int, error)

	Acquire(ctx context.Context, id *identity.Identity, t model.SlotType, n int) ([]model.SlotHandle, error)
	Renew(ctx context.Context, id *identity.Identity, handles []model.SlotHandle) error
	Release(ctx context.Context, id *identity.Identity, handles []model.SlotHandle) error
	Acquired(ctx context.Context, id *identity.Identity) ([]model.SlotHandle, error)

	Upload(ctx context.Context, id *identity.Identity, h model.SlotHandle, path string) error
	Start(ctx context.Context, id *identity.Identity, h model.SlotHandle, path string, args []string) error
	Status(ctx context.Context, id *identity.Identity, h model.SlotHandle) (model.VesselStatus, error)
	RemoteLog(ctx context.Context, id *identity.Identity, h model.SlotHandle) (string, error)

	// Location is a human-readable description of where a node is. It
	// never fails; unknown nodes get a descriptive fallback.
	Location(ctx context.Context, nodeID string) string
}
