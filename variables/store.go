// Package variables holds the layered participant variable state read by
// the resolver: computed system values, intervention defaults and
// participant overrides.
package variables

import (
	"context"
	"errors"
)

var (
	// ErrWriteProtected is returned when writing a reserved name without override
	ErrWriteProtected = errors.New("variable is write protected")

	// ErrInvalidName is returned for names violating the naming pattern
	ErrInvalidName = errors.New("invalid variable name")

	// ErrUnknownParticipant is returned when the participant has no record
	ErrUnknownParticipant = errors.New("unknown participant")
)

// Scope is the layer a variable value comes from
type Scope string

const (
	ScopeSystem       Scope = "system"
	ScopeIntervention Scope = "intervention"
	ScopeParticipant  Scope = "participant"
)

// Variable is one named value of a scope
type Variable struct {
	Name  string
	Value string
	Scope Scope
}

// Store gives the resolver layered reads and guarded writes.
// Writes for a single participant must be serialised by the caller (see Locker).
type Store interface {
	// Snapshot returns participant > intervention > system values by name.
	// System values are computed on every call.
	Snapshot(ctx context.Context, participantID string) (map[string]string, error)

	// Write persists a participant value. Reserved names need override.
	Write(ctx context.Context, participantID, name, value string, override bool) error

	// HasDuplicate reports whether a participant of another intervention
	// holds the same value under name
	HasDuplicate(ctx context.Context, participantID, name, value string) (bool, error)
}

// Layer merges variable layers; later layers shadow earlier ones
func Layer(layers ...map[string]string) map[string]string {
	size := 0
	for _, l := range layers {
		size += len(l)
	}
	merged := make(map[string]string, size)
	for _, l := range layers {
		for k, v := range l {
			merged[k] = v
		}
	}
	return merged
}
