package chatcore

import (
	"errors"
	"fmt"
)

// Error represents a chatcore error with categorization.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error (if any)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Error codes for chatcore operations.
const (
	// ErrCodeNoData indicates no data was found.
	ErrCodeNoData = "NO_DATA"

	// ErrCodeValidation indicates validation failed.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodeConfiguration indicates invalid configuration.
	ErrCodeConfiguration = "CONFIGURATION_ERROR"

	// ErrCodeDatabase indicates database operation failed.
	ErrCodeDatabase = "DATABASE_ERROR"

	// ErrCodeNotConnected indicates the broker connection is not established.
	ErrCodeNotConnected = "NOT_CONNECTED"

	// ErrCodeTransport indicates the socket failed (dial, read or write).
	ErrCodeTransport = "TRANSPORT_ERROR"

	// ErrCodeAuthentication indicates the broker or token check rejected the identity.
	ErrCodeAuthentication = "AUTHENTICATION_ERROR"

	// ErrCodeProtocol indicates the broker sent an ERROR frame or an unexpected reply.
	ErrCodeProtocol = "PROTOCOL_ERROR"

	// ErrCodeHeartbeatTimeout indicates nothing arrived within the negotiated heart-beat window.
	ErrCodeHeartbeatTimeout = "HEARTBEAT_TIMEOUT"

	// ErrCodeQueueFull indicates the outbound queue rejected a message.
	ErrCodeQueueFull = "QUEUE_FULL"

	// ErrCodeExpired indicates an outbound message outlived its TTL.
	ErrCodeExpired = "EXPIRED"

	// ErrCodeDecode indicates an inbound body could not be decoded.
	ErrCodeDecode = "DECODE_ERROR"

	// ErrCodeCallInProgress indicates a call is already being negotiated or active.
	ErrCodeCallInProgress = "CALL_IN_PROGRESS"

	// ErrCodeNoActiveCall indicates a call control was used without a call.
	ErrCodeNoActiveCall = "NO_ACTIVE_CALL"

	// ErrCodeInvalidTransition indicates a call action not allowed in the current state.
	ErrCodeInvalidTransition = "INVALID_TRANSITION"

	// ErrCodeCallSetup indicates credential fetch or media join failed.
	ErrCodeCallSetup = "CALL_SETUP_ERROR"

	// ErrCodeCredential indicates the credential provider failed.
	ErrCodeCredential = "CREDENTIAL_ERROR"
)

// Common errors.
var (
	// ErrNoData is returned when a query returns no results.
	// This is not necessarily an error condition in all cases.
	ErrNoData = &Error{
		Code:    ErrCodeNoData,
		Message: "no data found",
	}

	// ErrNotConnected is returned by direct publishes while the broker is unreachable.
	ErrNotConnected = &Error{
		Code:    ErrCodeNotConnected,
		Message: "broker connection is not established",
	}

	// ErrQueueFull is returned when the outbound queue is at capacity under OverflowReject.
	ErrQueueFull = &Error{
		Code:    ErrCodeQueueFull,
		Message: "outbound queue is full",
	}

	// ErrCallInProgress is returned when starting a call while another one exists.
	ErrCallInProgress = &Error{
		Code:    ErrCodeCallInProgress,
		Message: "a call is already in progress",
	}

	// ErrNoActiveCall is returned by call controls when there is no call.
	ErrNoActiveCall = &Error{
		Code:    ErrCodeNoActiveCall,
		Message: "no active call",
	}
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error wrapping an underlying error.
func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// IsNoData checks if an error is ErrNoData.
func IsNoData(err error) bool {
	return IsCode(err, ErrCodeNoData)
}

// IsCode reports whether err is an *Error carrying code anywhere in its chain.
func IsCode(err error, code string) bool {
	var chatErr *Error
	if errors.As(err, &chatErr) {
		return chatErr.Code == code
	}
	return false
}

// Is matches errors by code, so errors.Is(err, ErrNoActiveCall) holds for any
// error of that category.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}
