package meshberry

import (
	"github.com/blockberries/meshberry/pkg/connection"
	"github.com/blockberries/meshberry/pkg/reconcile"
)

// ConnState is the lifecycle state of a peer connection.
type ConnState = connection.State

// Connection states, re-exported so callers need not import pkg/connection.
const (
	StateIdle        = connection.StateIdle
	StateDialing     = connection.StateDialing
	StateHandshaking = connection.StateHandshaking
	StateConnected   = connection.StateConnected
	StateClosing     = connection.StateClosing
	StateClosed      = connection.StateClosed
	StateRejected    = connection.StateRejected
)

// ConnectionEvent is one entry in the per-peer connection-state log: the
// peer's identity, the state entered, the dial generation it belongs to,
// and the reason for Disconnected/Rejected transitions.
//
// Events for the same peer are delivered in transition order. Delivery is
// lossy: a subscriber that does not keep up loses its oldest buffered
// events first.
type ConnectionEvent = reconcile.Event

// Reason explains a Disconnected or Rejected transition.
type Reason = reconcile.Reason

// Transition reasons.
const (
	ReasonNone              = reconcile.ReasonNone
	ReasonDialFailed        = reconcile.ReasonDialFailed
	ReasonAuthFailed        = reconcile.ReasonAuthFailed
	ReasonAttestationFailed = reconcile.ReasonAttestationFailed
	ReasonUnknownPeer       = reconcile.ReasonUnknownPeer
	ReasonGlare             = reconcile.ReasonGlare
	ReasonRemoved           = reconcile.ReasonRemoved
	ReasonSuperseded        = reconcile.ReasonSuperseded
	ReasonEndpointChanged   = reconcile.ReasonEndpointChanged
	ReasonIdleTimeout       = reconcile.ReasonIdleTimeout
	ReasonTransportError    = reconcile.ReasonTransportError
	ReasonShutdown          = reconcile.ReasonShutdown
)
