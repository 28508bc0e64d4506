package orchestrator

import (
	"fmt"

	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// Error is an operation failure carrying the wire-level error code. The
// gateway turns it into an error event for the originating client.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func errNotFound(sessionID string) *Error {
	return &Error{Code: v1.ErrNotFound, Message: fmt.Sprintf("session %s not found", sessionID)}
}

func errBusy(message string) *Error {
	return &Error{Code: v1.ErrBusy, Message: message}
}

func errWorkspace(err error) *Error {
	return &Error{Code: v1.ErrWorkspace, Message: err.Error(), Err: err}
}

func errInternal(message string, err error) *Error {
	return &Error{Code: v1.ErrInternal, Message: message, Err: err}
}
