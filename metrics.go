package meshberry

// Metrics defines the metrics collection interface for the transport.
// It is designed to be compatible with Prometheus and other metrics systems.
//
// Implementations must be safe for concurrent use and must not block; the
// transport never waits on its observability collaborators.
//
// Metric naming convention:
//   - Counters: <name>_total (e.g., dial_attempts_total)
//   - Histograms: <name>_seconds or <name>_bytes (e.g., request_duration_seconds)
//   - Gauges: current_<name> (e.g., current_peer_state)
type Metrics interface {
	// Connection metrics

	// PeerState records a peer's connection-state transition.
	// Labels: peer, state
	PeerState(peer string, state string)

	// DialAttempt records a dial attempt result.
	// Labels: result (success, failure)
	DialAttempt(result string)

	// Rejection increments when a connection attempt is rejected.
	// Labels: reason (auth_failed, attestation_failed, unknown_peer, glare)
	Rejection(reason string)

	// Disconnect increments when an established connection closes.
	// Labels: reason (removed, superseded, transport_error, shutdown, ...)
	Disconnect(reason string)

	// Stream metrics

	// StreamOpened increments when a stream is opened.
	// Labels: kind (request, push)
	StreamOpened(kind string)

	// StreamClosed increments when a stream is closed.
	// Labels: kind (request, push)
	StreamClosed(kind string)

	// BytesSent records framed payload bytes written.
	// Labels: kind (request, push)
	BytesSent(kind string, bytes int)

	// BytesReceived records framed payload bytes read.
	// Labels: kind (request, push)
	BytesReceived(kind string, bytes int)

	// RequestDuration records the round-trip time of one request/response
	// exchange.
	RequestDuration(seconds float64)

	// Backpressure increments when an outbound stream open blocks on the
	// per-connection concurrency limit.
	Backpressure()

	// Event metrics

	// EventDropped increments when a slow subscriber loses its oldest
	// buffered event.
	EventDropped()
}

// NopMetrics is a no-op metrics implementation that discards all metrics.
// It is the default when no metrics collector is configured.
type NopMetrics struct{}

// Ensure NopMetrics implements Metrics.
var _ Metrics = NopMetrics{}

// PeerState implements Metrics.PeerState (no-op).
func (NopMetrics) PeerState(peer string, state string) {}

// DialAttempt implements Metrics.DialAttempt (no-op).
func (NopMetrics) DialAttempt(result string) {}

// Rejection implements Metrics.Rejection (no-op).
func (NopMetrics) Rejection(reason string) {}

// Disconnect implements Metrics.Disconnect (no-op).
func (NopMetrics) Disconnect(reason string) {}

// StreamOpened implements Metrics.StreamOpened (no-op).
func (NopMetrics) StreamOpened(kind string) {}

// StreamClosed implements Metrics.StreamClosed (no-op).
func (NopMetrics) StreamClosed(kind string) {}

// BytesSent implements Metrics.BytesSent (no-op).
func (NopMetrics) BytesSent(kind string, bytes int) {}

// BytesReceived implements Metrics.BytesReceived (no-op).
func (NopMetrics) BytesReceived(kind string, bytes int) {}

// RequestDuration implements Metrics.RequestDuration (no-op).
func (NopMetrics) RequestDuration(seconds float64) {}

// Backpressure implements Metrics.Backpressure (no-op).
func (NopMetrics) Backpressure() {}

// EventDropped implements Metrics.EventDropped (no-op).
func (NopMetrics) EventDropped() {}
