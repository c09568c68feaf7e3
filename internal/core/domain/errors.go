// Package domain defines the core domain models for CloudNet nodes.
package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain error with a structured error code.
// Codes have the form CN-<AREA>-<NNNN>.
type DomainError struct {
	Code    string // Error code (e.g., "CN-NET-4100")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support; two domain errors match by code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithDetailsf is WithDetails with fmt.Sprintf formatting.
func (e *DomainError) WithDetailsf(format string, args ...any) *DomainError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Network Errors (NET)
// ============================================================================

var (
	// ErrMalformedFrame indicates an undecodable frame. Fatal for the connection.
	ErrMalformedFrame = NewDomainError("CN-NET-4000", "malformed frame")

	// ErrReservedChannel indicates a packet channel id collides with a reserved id.
	ErrReservedChannel = NewDomainError("CN-NET-4001", "packet channel id is reserved")

	// ErrChannelClosed indicates an operation on a channel that is no longer active.
	ErrChannelClosed = NewDomainError("CN-NET-4100", "channel closed")

	// ErrConnectionRejected indicates the remote address is not whitelisted.
	ErrConnectionRejected = NewDomainError("CN-NET-4030", "connection rejected")
)

// ============================================================================
// RPC Errors (RPC)
// ============================================================================

var (
	// ErrRPCTimeout indicates no response arrived within the configured bound.
	ErrRPCTimeout = NewDomainError("CN-RPC-4080", "rpc timeout")

	// ErrRemoteInvocation indicates the remote handler failed; Details carries
	// the remote description.
	ErrRemoteInvocation = NewDomainError("CN-RPC-5000", "remote invocation failed")
)

// ============================================================================
// Cluster Errors (SYNC, CLUS)
// ============================================================================

var (
	// ErrUnknownSyncKey indicates a data sync entry without a registered handler.
	ErrUnknownSyncKey = NewDomainError("CN-SYNC-4040", "unknown data sync key")

	// ErrHandshakeRejected indicates a peer failed node authentication.
	ErrHandshakeRejected = NewDomainError("CN-CLUS-4010", "node handshake rejected")

	// ErrNodeNotConnected indicates no open channel to the requested node.
	ErrNodeNotConnected = NewDomainError("CN-CLUS-4040", "node not connected")
)

// ============================================================================
// Task, Storage and Argument Errors
// ============================================================================

var (
	// ErrInvalidTask indicates a service task failed validation.
	ErrInvalidTask = NewDomainError("CN-TASK-4001", "invalid service task")

	// ErrTaskNotFound indicates the requested service task does not exist.
	ErrTaskNotFound = NewDomainError("CN-TASK-4040", "service task not found")

	// ErrStorage indicates a local storage failure.
	ErrStorage = NewDomainError("CN-SYS-5001", "storage error")

	// ErrDocumentNotFound indicates a missing database document.
	ErrDocumentNotFound = NewDomainError("CN-DB-4040", "document not found")

	// ErrDatabaseNotFound indicates a database that was never created.
	ErrDatabaseNotFound = NewDomainError("CN-DB-4041", "database not found")

	// ErrInvalidDocument indicates a document that is not valid JSON.
	ErrInvalidDocument = NewDomainError("CN-DB-4001", "invalid document")

	// ErrInvalidArgument indicates an invalid argument.
	ErrInvalidArgument = NewDomainError("CN-ARG-1001", "invalid argument")
)
