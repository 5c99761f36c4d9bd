// Package fleet keeps a target number of leased vessels running a program:
// it validates the deployment, wraps allocator calls in failure-isolating
// batch operations, and drives the reconciliation loop.
package fleet

import (
	"context"
	"fmt"
	"os"
	"strings"

	"vesselctl/internal/allocator"
	"vesselctl/internal/config"
	"vesselctl/internal/identity"
	"vesselctl/internal/model"
)

// ValidationError reports a deployment that cannot start. It is fatal.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Params are the raw inputs to Init.
type Params struct {
	Username       string
	PublicKeyPath  string
	PrivateKeyPath string
	DesiredCount   int
	SlotType       string
	ProgramPath    string
	// ProgramArgs may reference config.PortPlaceholder.
	ProgramArgs []string
	ExtraArgs   []string
}

// FleetConfig is the validated deployment. It is read-only after Init.
type FleetConfig struct {
	Identity     *identity.Identity
	DesiredCount int
	SlotType     model.SlotType
	ProgramPath  string
	Port         int
	MaxCredit    int
	// Args is the argument list passed to every started program.
	Args []string
}

// Init validates p against the local filesystem and the allocator and
// returns the deployment description. Failures are not retried.
func Init(ctx context.Context, alloc allocator.Allocator, p Params) (*FleetConfig, error) {
	slotType, ok := model.ParseSlotType(p.SlotType)
	if !ok {
		return nil, &ValidationError{
			Field:  "slot type",
			Reason: fmt.Sprintf("%q is not one of %s", p.SlotType, slotTypeList()),
		}
	}
	advertised, err := alloc.ValidateSlotType(ctx, slotType)
	if err != nil {
		return nil, fmt.Errorf("query slot types: %w", err)
	}
	if !advertised {
		return nil, &ValidationError{Field: "slot type", Reason: fmt.Sprintf("%q is not offered by the allocator", slotType)}
	}

	info, err := os.Stat(p.ProgramPath)
	if err != nil {
		return nil, &ValidationError{Field: "program", Reason: fmt.Sprintf("%s does not exist", p.ProgramPath), Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &ValidationError{Field: "program", Reason: fmt.Sprintf("%s is not a regular file", p.ProgramPath)}
	}

	if p.DesiredCount < 1 {
		return nil, &ValidationError{Field: "vessel count", Reason: fmt.Sprintf("must be positive, got %d", p.DesiredCount)}
	}

	id, err := identity.LoadFiles(p.Username, p.PublicKeyPath, p.PrivateKeyPath)
	if err != nil {
		return nil, &ValidationError{Field: "credential", Reason: "cannot load key pair", Err: err}
	}

	port, err := alloc.Port(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("query port: %w", err)
	}
	maxCredit, err := alloc.MaxSlots(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("query vessel credits: %w", err)
	}
	if p.DesiredCount > maxCredit {
		return nil, &ValidationError{
			Field:  "vessel count",
			Reason: fmt.Sprintf("%d exceeds the %d vessel credits of %s", p.DesiredCount, maxCredit, p.Username),
		}
	}

	args := p.ProgramArgs
	if len(args) == 0 {
		args = []string{config.PortPlaceholder}
	}
	return &FleetConfig{
		Identity:     id,
		DesiredCount: p.DesiredCount,
		SlotType:     slotType,
		ProgramPath:  p.ProgramPath,
		Port:         port,
		MaxCredit:    maxCredit,
		Args:         config.ExpandArgs(args, port, p.ExtraArgs...),
	}, nil
}

func slotTypeList() string {
	names := make([]string, len(model.SlotTypes))
	for i, t := range model.SlotTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
