package reconcile

import (
	"time"

	"github.com/blockberries/meshberry/pkg/connection"
	"github.com/blockberries/meshberry/pkg/identity"
)

// Reason explains a Disconnected or Rejected transition. Values double as
// metrics labels.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonDialFailed        Reason = "dial_failed"
	ReasonAuthFailed        Reason = "auth_failed"
	ReasonAttestationFailed Reason = "attestation_failed"
	ReasonUnknownPeer       Reason = "unknown_peer"
	ReasonGlare             Reason = "glare"
	ReasonRemoved           Reason = "removed"
	ReasonSuperseded        Reason = "superseded"
	ReasonEndpointChanged   Reason = "endpoint_changed"
	ReasonIdleTimeout       Reason = "idle_timeout"
	ReasonTransportError    Reason = "transport_error"
	ReasonShutdown          Reason = "shutdown"
)

// Event is one entry in the per-peer connection-state log. Events for the
// same peer are emitted in transition order; Generation identifies which
// dial attempt they belong to.
type Event struct {
	ID         identity.NodeID
	State      connection.State
	Generation uint64
	Reason     Reason
	Time       time.Time
}

// Monitor receives connection-level measurements from the reconciler.
// Implementations must not block.
type Monitor interface {
	PeerState(id identity.NodeID, state connection.State)
	DialAttempt(success bool)
	Rejection(reason string)
	Disconnect(reason string)
}

// NopMonitor discards all measurements.
type NopMonitor struct{}

var _ Monitor = NopMonitor{}

func (NopMonitor) PeerState(identity.NodeID, connection.State) {}
func (NopMonitor) DialAttempt(bool)                            {}
func (NopMonitor) Rejection(string)                            {}
func (NopMonitor) Disconnect(string)                           {}

// Logger is the subset of the transport's logging interface the reconciler
// uses. Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
