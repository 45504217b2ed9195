package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTransitionNotAllowed matches every TransitionNotAllowedError via errors.Is.
	ErrTransitionNotAllowed = errors.New("transition not allowed")

	// ErrDataUnavailable marks a readiness dependency that could not be read.
	ErrDataUnavailable    = errors.New("data unavailable")
	ErrNotReady           = errors.New("item not ready")
	ErrOverrideForbidden  = errors.New("override not permitted")
	ErrUnknownDefinition  = errors.New("unknown workflow definition")
	ErrDefinitionInactive = errors.New("workflow definition is inactive")
	ErrNoChecklist        = errors.New("definition has no checklist")
	ErrInvalidInput       = errors.New("invalid input")
)

const (
	ReasonNoSuchTransition   = "no such transition from this state"
	ReasonRoleNotPermitted   = "role not permitted"
	ReasonStateConflict      = "entity state changed since it was read"
	ReasonDefinitionInactive = "workflow definition is inactive"
)

// TransitionNotAllowedError is a recoverable rejection of a transition attempt.
type TransitionNotAllowedError struct {
	Definition string
	From       string
	Code       string
	Role       Role
	Reason     string
}

func (e *TransitionNotAllowedError) Error() string {
	return fmt.Sprintf("transition %s from %s/%s rejected: %s", e.Code, e.Definition, e.From, e.Reason)
}

func (e *TransitionNotAllowedError) Is(target error) bool {
	return target == ErrTransitionNotAllowed
}

// Conflict reports whether the rejection came from a stale read rather than the graph.
func (e *TransitionNotAllowedError) Conflict() bool {
	return e.Reason == ReasonStateConflict
}

// NotReadyError carries the readiness verdict that blocked a completion.
type NotReadyError struct {
	ItemCode string
	Reason   string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("item %s cannot be completed: %s", e.ItemCode, e.Reason)
}

func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}
