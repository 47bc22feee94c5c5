package meshberry

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodeString(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{ErrCodeUnknown, "Unknown"},
		{ErrCodeTimeout, "Timeout"},
		{ErrCodeStreamReset, "StreamReset"},
		{ErrCodePeerUnavailable, "PeerUnavailable"},
		{ErrCodePeerRemoved, "PeerRemoved"},
		{ErrCodeStaleGeneration, "StaleGeneration"},
		{ErrCodeDialFailed, "DialFailed"},
		{ErrCodeAuthFailed, "AuthFailed"},
		{ErrCodeAttestationFailed, "AttestationFailed"},
		{ErrCodeUnknownPeer, "UnknownPeer"},
		{ErrCodeInvalidConfig, "InvalidConfig"},
		{ErrCodeNotStarted, "NotStarted"},
		{ErrCodeAlreadyStarted, "AlreadyStarted"},
		{ErrCodeMessageTooLarge, "MessageTooLarge"},
		{ErrCodeTransportClosed, "TransportClosed"},
		{ErrorCode(999), "ErrorCode(999)"},
	}
	for _, tt := range tests {
		if got := tt.code.String(); got != tt.want {
			t.Errorf("ErrorCode(%d).String() = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewError(ErrCodeTimeout, "request timed out")
	if got, want := err.Error(), "meshberry: request timed out"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	cause := errors.New("context deadline exceeded")
	err = NewPeerError(ErrCodeTimeout, "request timed out", "abcd", cause)
	if got, want := err.Error(), "meshberry: request timed out: context deadline exceeded"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewPeerError(ErrCodeDialFailed, "dial failed", "abcd", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is did not reach the cause")
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap() did not return the cause")
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	a := NewPeerError(ErrCodePeerRemoved, "peer gone", "aaaa", nil)
	b := NewPeerError(ErrCodePeerRemoved, "different message", "bbbb", errors.New("x"))
	c := NewError(ErrCodeTimeout, "timed out")

	if !errors.Is(a, b) {
		t.Error("errors with the same code should match")
	}
	if errors.Is(a, c) {
		t.Error("errors with different codes should not match")
	}
	if errors.Is(a, errors.New("peer gone")) {
		t.Error("plain errors should not match")
	}
}

func TestErrorIsThroughWrapping(t *testing.T) {
	inner := NewError(ErrCodeStaleGeneration, "superseded")
	wrapped := fmt.Errorf("send: %w", inner)

	if !errors.Is(wrapped, &Error{Code: ErrCodeStaleGeneration}) {
		t.Error("wrapped transport error did not match by code")
	}
	if !IsStaleGeneration(wrapped) {
		t.Error("IsStaleGeneration(wrapped) = false")
	}
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		pred func(error) bool
		want bool
	}{
		{"timeout", NewError(ErrCodeTimeout, "t"), IsTimeout, true},
		{"timeout wrong code", NewError(ErrCodeDialFailed, "d"), IsTimeout, false},
		{"peer removed", NewError(ErrCodePeerRemoved, "r"), IsPeerRemoved, true},
		{"stale generation", NewError(ErrCodeStaleGeneration, "s"), IsStaleGeneration, true},
		{"plain error", errors.New("nope"), IsTimeout, false},
		{"nil error", nil, IsPeerRemoved, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pred(tt.err); got != tt.want {
				t.Errorf("predicate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetriable(t *testing.T) {
	retriable := &Error{Code: ErrCodeTimeout, Message: "t", Retriable: true}
	if !IsRetriable(retriable) {
		t.Error("IsRetriable = false for a retriable error")
	}
	if !IsRetriable(fmt.Errorf("send: %w", retriable)) {
		t.Error("IsRetriable = false through wrapping")
	}
	if IsRetriable(NewError(ErrCodeInvalidConfig, "bad")) {
		t.Error("IsRetriable = true for a non-retriable error")
	}
	if IsRetriable(errors.New("plain")) {
		t.Error("IsRetriable = true for a plain error")
	}
	if IsRetriable(nil) {
		t.Error("IsRetriable(nil) = true")
	}
}
