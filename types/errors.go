package types

import (
	"errors"
	"fmt"
)

// Error codes grouped by taxonomy.
const (
	ErrCodeStoreRead    = "STORE_READ"
	ErrCodeStoreWrite   = "STORE_WRITE"
	ErrCodeStoreDelete  = "STORE_DELETE"
	ErrCodeStoreCorrupt = "STORE_CORRUPT"
	ErrCodeDialFailed   = "DIAL_FAILED"
	ErrCodeLoggedOut    = "LOGGED_OUT"
	ErrCodeConnClosed   = "CONNECTION_CLOSED"
	ErrCodeRegisteredQR = "REGISTERED_SESSION_QR"
	ErrCodeMissingField = "MISSING_FIELD"
	ErrCodeInvalidField = "INVALID_FIELD"
)

// StoreError reports a credential read/write/delete failure. It is fatal to
// the affected operation but never to the process.
type StoreError struct {
	Code      string
	SessionID string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error [%s] session=%s: %v", e.Code, e.SessionID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError creates a StoreError for a session.
func NewStoreError(code, sessionID string, err error) *StoreError {
	return &StoreError{Code: code, SessionID: sessionID, Err: err}
}

// ConnectionError reports a remote endpoint failure. The lifecycle manager
// converts it into either a retry or a terminal cleanup.
type ConnectionError struct {
	Code      string
	SessionID string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error [%s] session=%s: %v", e.Code, e.SessionID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NewConnectionError creates a ConnectionError for a session.
func NewConnectionError(code, sessionID string, err error) *ConnectionError {
	return &ConnectionError{Code: code, SessionID: sessionID, Err: err}
}

// InvariantViolation reports a state contradiction that forces terminal
// cleanup, such as a QR challenge arriving for an already registered session.
type InvariantViolation struct {
	Code      string
	SessionID string
	Message   string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation [%s] session=%s: %s", e.Code, e.SessionID, e.Message)
}

// NewInvariantViolation creates an InvariantViolation for a session.
func NewInvariantViolation(code, sessionID, message string) *InvariantViolation {
	return &InvariantViolation{Code: code, SessionID: sessionID, Message: message}
}

// ValidationError reports malformed API input, rejected before any session
// is touched.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error [%s] field=%s: %s", e.Code, e.Field, e.Message)
}

// NewValidationError creates a ValidationError for a request field.
func NewValidationError(code, field, message string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: message}
}

// ErrLoggedOut signals a terminal disconnect: the remote side revoked the
// session and reconnecting is pointless.
var ErrLoggedOut = errors.New("logged out")

// IsLoggedOut reports whether err marks a terminal logout.
func IsLoggedOut(err error) bool {
	if errors.Is(err, ErrLoggedOut) {
		return true
	}
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Code == ErrCodeLoggedOut
}

// IsStoreError reports whether err originated in the credential store.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
