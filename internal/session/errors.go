package session

import "fmt"

// NotFoundError is returned when a session or permission request does not
// exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ConflictError is returned when a session id is already registered.
type ConflictError struct {
	Resource string
	ID       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s with id %q already exists", e.Resource, e.ID)
}

// ValidationError is returned when request data fails validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error for %q: %s", e.Field, e.Message)
	}
	return e.Message
}

// StartError is returned when the agent CLI refuses the initial request.
// The session is not registered.
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting agent session: %v", e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// SendError is returned when delivering input to a running agent fails.
// The session stays open.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending to agent: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ClosedError is returned for operations on a closed session.
type ClosedError struct {
	ID string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("session %q is closed", e.ID)
}
