package backend

import (
	"errors"
	"fmt"
)

var (
	ErrSpawn          = errors.New("backend failed to spawn")
	ErrWrite          = errors.New("write to backend failed")
	ErrDecode         = errors.New("backend response did not decode")
	ErrTimeout        = errors.New("backend request timed out")
	ErrClosed         = errors.New("backend connection closed")
	ErrNotInitialized = errors.New("backend not initialized")
	ErrAlreadyStarted = errors.New("backend already started")
)

// FramingError reports a malformed Content-Length header block.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing error: %s: %v", e.Reason, e.Err)
	}
	return "framing error: " + e.Reason
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// Error is a failed backend operation. Stderr holds the tail of the
// backend's stderr at the time of failure, when there was any.
type Error struct {
	Language string
	Op       string
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s backend: %s: %v", e.Language, e.Op, e.Err)
	if e.Stderr != "" {
		msg += "\nstderr:\n" + e.Stderr
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}
