// Package connection provides the per-peer connection lifecycle: the state
// machine, the connection record owning the transport handle, dial backoff,
// and the QUIC dialer/listener adapters.
package connection

import "fmt"

// State represents the lifecycle state of a peer connection.
type State int

const (
	// StateIdle indicates no connection exists or is being attempted.
	StateIdle State = iota

	// StateDialing indicates a transport-level connect is in progress.
	StateDialing

	// StateHandshaking indicates the transport connected and mutual
	// authentication (and optional attestation) is in progress.
	StateHandshaking

	// StateConnected indicates the peer is authenticated and streams may
	// be opened.
	StateConnected

	// StateClosing indicates graceful shutdown: in-flight streams drain or
	// are aborted after a bounded grace period.
	StateClosing

	// StateClosed indicates the connection is fully torn down.
	StateClosed

	// StateRejected is the terminal state of an attempt whose handshake
	// failed authentication or attestation, or whose peer left the
	// topology before the handshake completed.
	StateRejected
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDialing:
		return "Dialing"
	case StateHandshaking:
		return "Handshaking"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true if no further transitions occur from the state.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateRejected
}

// IsLive returns true while the connection is usable or becoming usable.
func (s State) IsLive() bool {
	return s == StateDialing || s == StateHandshaking || s == StateConnected
}

// CanTransitionTo checks whether a transition to target is valid. Any
// non-terminal state may move directly to Closed on an unrecoverable
// transport error. StateRejected is reachable from Dialing as well as
// Handshaking: QUIC folds the TLS handshake into the dial, so an identity
// mismatch surfaces as a dial failure.
func (s State) CanTransitionTo(target State) bool {
	if target == StateClosed {
		return !s.IsTerminal()
	}

	validTransitions := map[State][]State{
		StateIdle:        {StateDialing, StateHandshaking},
		StateDialing:     {StateHandshaking, StateRejected},
		StateHandshaking: {StateConnected, StateRejected},
		StateConnected:   {StateClosing},
		StateClosing:     {},
		StateClosed:      {},
		StateRejected:    {},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, t := range allowed {
		if t == target {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error if the transition is invalid.
func (s State) ValidateTransition(target State) error {
	if !s.CanTransitionTo(target) {
		return fmt.Errorf("invalid state transition: %s -> %s", s, target)
	}
	return nil
}
