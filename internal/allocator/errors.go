package allocator

import (
	"fmt"
	"strings"

	"vesselctl/internal/model"
)

// AllocationError is a batch-level failure of acquire, renew or release.
type AllocationError struct {
	Op  string
	Err error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocator %s: %v", e.Op, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// CommunicationError is a per-vessel failure to reach a node during
// upload, status or log retrieval.
type CommunicationError struct {
	Op     string
	Handle model.SlotHandle
	Err    error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Handle, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// LaunchError is a per-vessel failure to start the program.
type LaunchError struct {
	Handle model.SlotHandle
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Handle, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// MalformedHandlesError lists handles returned by the gateway that are not
// of the form node:vessel.
type MalformedHandlesError struct {
	Values []string
}

func (e *MalformedHandlesError) Error() string {
	return fmt.Sprintf("malformed vessel handle(s) %q", strings.Join(e.Values, ", "))
}
