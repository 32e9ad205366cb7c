package handoff

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrSessionInactive is returned when the liveness check reports the primary session gone.
	ErrSessionInactive = errors.New("session inactive")
	// ErrRelayDeliveryUnknown marks a relay send whose delivery to the peer cannot be confirmed.
	ErrRelayDeliveryUnknown = errors.New("relay delivery unknown")
	// ErrSessionClosed is returned by a companion after the primary closed the session.
	ErrSessionClosed = errors.New("session closed by peer")
	ErrClosed        = errors.New("coordinator closed")
	ErrBusy          = errors.New("operation already in progress")
)

type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("relay connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// RegisterError is non-fatal: the channel stays open but pairing will not be discoverable.
type RegisterError struct {
	SessionID string
	Message   string
}

func (e *RegisterError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay register %s rejected", e.SessionID)
	}
	return fmt.Sprintf("relay register %s rejected: %s", e.SessionID, e.Message)
}

// UploadError carries the HTTP status; Status is 0 for network failures.
type UploadError struct {
	Status int
	Err    error
}

func (e *UploadError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upload failed: %v", e.Err)
	}
	return fmt.Sprintf("upload failed with status %d: %v", e.Status, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

type DeleteError struct {
	Status int
	Err    error
}

func (e *DeleteError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("delete failed: %v", e.Err)
	}
	return fmt.Sprintf("delete failed with status %d: %v", e.Status, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }

type ExtractionError struct {
	Status int
	Detail string
}

func (e *ExtractionError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("extraction failed: %s", e.Detail)
	}
	return fmt.Sprintf("extraction failed with status %d: %s", e.Status, e.Detail)
}
