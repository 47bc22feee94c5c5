package meshberry

import (
	"errors"
	"fmt"

	"github.com/blockberries/meshberry/pkg/identity"
)

// ErrorCode identifies the type of error for programmatic handling.
type ErrorCode int

const (
	// ErrCodeUnknown indicates an unknown or unclassified error.
	ErrCodeUnknown ErrorCode = iota

	// ErrCodeTimeout indicates no response arrived within the caller's
	// deadline.
	ErrCodeTimeout

	// ErrCodeStreamReset indicates the peer aborted the stream.
	ErrCodeStreamReset

	// ErrCodePeerUnavailable indicates the peer has no Connected connection
	// at call time.
	ErrCodePeerUnavailable

	// ErrCodePeerRemoved indicates the peer was removed from the topology
	// while the operation was in flight.
	ErrCodePeerRemoved

	// ErrCodeStaleGeneration indicates the connection was superseded by a
	// newer generation mid-flight; retry against the fresh connection.
	ErrCodeStaleGeneration

	// ErrCodeDialFailed indicates a transport-level connect failed.
	ErrCodeDialFailed

	// ErrCodeAuthFailed indicates the peer presented an identity other than
	// the expected one.
	ErrCodeAuthFailed

	// ErrCodeAttestationFailed indicates the attestation checker rejected
	// the peer after a successful cryptographic handshake.
	ErrCodeAttestationFailed

	// ErrCodeUnknownPeer indicates an inbound connection from an identity
	// not present in the topology.
	ErrCodeUnknownPeer

	// ErrCodeInvalidConfig indicates the configuration is invalid.
	ErrCodeInvalidConfig

	// ErrCodeNotStarted indicates the transport has not been started.
	ErrCodeNotStarted

	// ErrCodeAlreadyStarted indicates the transport is already running.
	ErrCodeAlreadyStarted

	// ErrCodeMessageTooLarge indicates a payload exceeds the frame limit.
	ErrCodeMessageTooLarge

	// ErrCodeTransportClosed indicates the connection failed or the
	// transport is stopping.
	ErrCodeTransportClosed
)

// String returns a human-readable name for the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeUnknown:
		return "Unknown"
	case ErrCodeTimeout:
		return "Timeout"
	case ErrCodeStreamReset:
		return "StreamReset"
	case ErrCodePeerUnavailable:
		return "PeerUnavailable"
	case ErrCodePeerRemoved:
		return "PeerRemoved"
	case ErrCodeStaleGeneration:
		return "StaleGeneration"
	case ErrCodeDialFailed:
		return "DialFailed"
	case ErrCodeAuthFailed:
		return "AuthFailed"
	case ErrCodeAttestationFailed:
		return "AttestationFailed"
	case ErrCodeUnknownPeer:
		return "UnknownPeer"
	case ErrCodeInvalidConfig:
		return "InvalidConfig"
	case ErrCodeNotStarted:
		return "NotStarted"
	case ErrCodeAlreadyStarted:
		return "AlreadyStarted"
	case ErrCodeMessageTooLarge:
		return "MessageTooLarge"
	case ErrCodeTransportClosed:
		return "TransportClosed"
	default:
		return fmt.Sprintf("ErrorCode(%d)", c)
	}
}

// Error represents a transport error with structured context for
// programmatic handling.
type Error struct {
	// Code identifies the type of error.
	Code ErrorCode

	// Message is a human-readable description of the error.
	Message string

	// NodeID is the peer associated with the error, if any.
	NodeID identity.NodeID

	// Generation is the connection generation associated with the error,
	// when known.
	Generation uint64

	// Cause is the underlying error, if any.
	Cause error

	// Retriable indicates whether retrying the operation can succeed.
	Retriable bool
}

// Error returns a human-readable error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("meshberry: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("meshberry: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Two transport errors match
// when they carry the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewPeerError creates an Error associated with a specific peer.
func NewPeerError(code ErrorCode, message string, id identity.NodeID, cause error) *Error {
	return &Error{Code: code, Message: message, NodeID: id, Cause: cause}
}

// code extracts the transport error code, or ErrCodeUnknown.
func code(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeUnknown
}

// IsTimeout reports whether the error is a deadline expiry.
func IsTimeout(err error) bool { return code(err) == ErrCodeTimeout }

// IsPeerRemoved reports whether the error is a topology removal.
func IsPeerRemoved(err error) bool { return code(err) == ErrCodePeerRemoved }

// IsStaleGeneration reports whether the error is a generation supersession.
func IsStaleGeneration(err error) bool { return code(err) == ErrCodeStaleGeneration }

// IsRetriable reports whether retrying the operation can succeed.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable
	}
	return false
}
