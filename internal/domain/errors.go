package domain

import "fmt"

// ValidationError reports a malformed command or scenario input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError reports a reference to an unknown entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvariantViolation is returned when a staged tick breaks a safety
// invariant; the tick is not committed.
type InvariantViolation struct {
	Message string
}

func (e *InvariantViolation) Error() string { return "invariant violation: " + e.Message }

// CapacityExceededAtInsert rejects a train whose first section is full and
// for which no alternate route with spare capacity exists.
type CapacityExceededAtInsert struct {
	TrainID   string
	SectionID string
}

func (e *CapacityExceededAtInsert) Error() string {
	return fmt.Sprintf("train %s cannot enter %s: capacity exceeded and no alternate route", e.TrainID, e.SectionID)
}

func Validation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func Invariant(format string, args ...any) error {
	return &InvariantViolation{Message: fmt.Sprintf(format, args...)}
}
