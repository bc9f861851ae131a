package engine

import "fmt"

// ValidationError indicates malformed input: unknown form type or missing
// required payload fields. Nothing was mutated.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// InvalidStateError indicates the requested transition is not legal from
// the form's current state, including double decisions for one role.
type InvalidStateError struct {
	FormID string
	State  string
	Action string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("form %s cannot %s in state %s", e.FormID, e.Action, e.State)
}

// OutOfOrderError indicates a stage-gate prerequisite is unmet. Required
// names the predecessor role the caller is waiting on.
type OutOfOrderError struct {
	Role     string
	Required string
}

func (e OutOfOrderError) Error() string {
	return fmt.Sprintf("role %s must wait for %s approval", e.Role, e.Required)
}

// MissingReasonError indicates a rejection without notes.
type MissingReasonError struct {
	Role string
}

func (e MissingReasonError) Error() string {
	return fmt.Sprintf("rejection by %s requires notes", e.Role)
}

// LockedError indicates a mutation attempt on a locked form. Only an admin
// unlock recovers from it.
type LockedError struct {
	FormID string
}

func (e LockedError) Error() string {
	return fmt.Sprintf("form %s is locked", e.FormID)
}

// InvalidTargetError indicates assignment to an ineligible staff account.
type InvalidTargetError struct {
	StaffID  string
	Required string
}

func (e InvalidTargetError) Error() string {
	return fmt.Sprintf("staff %s is not an active %s account", e.StaffID, e.Required)
}

// RetryExhaustedError wraps a version conflict that survived the single
// internal retry.
type RetryExhaustedError struct {
	FormID string
	Err    error
}

func (e RetryExhaustedError) Error() string {
	return fmt.Sprintf("form %s: concurrent update, retry exhausted: %v", e.FormID, e.Err)
}

func (e RetryExhaustedError) Unwrap() error { return e.Err }
