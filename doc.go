/*
Package meshberry provides a QUIC transport layer for replicated clusters:
it maintains authenticated connections to every peer named by a topology
source and multiplexes request/response and push messaging over them.

The transport owns connection lifecycles end to end. Peer identity,
attestation policy, and cluster membership are collaborator interfaces
supplied by the application; meshberry never decides who belongs to the
cluster, only how to stay connected to them.

# Features

  - TLS 1.3 mutual authentication over QUIC, identities pinned per dial
  - Pluggable identity verification and post-handshake attestation
  - Topology-driven dialing: peers appear, change address, and disappear
    as snapshots arrive
  - One stream per message exchange: requests await one framed response,
    pushes are fire-and-forget
  - Automatic reconnection with jittered exponential backoff
  - Per-peer backpressure on outbound streams
  - Lossy, ordered connection-event subscriptions

# Quick Start

Create and start a transport:

	privateKey, _ := ed25519.GenerateKey(rand.Reader)
	source := topology.NewStaticSource(1)

	cfg := meshberry.NewConfig(privateKey, "0.0.0.0:9000", source)

	tp, err := meshberry.New(cfg)
	if err != nil {
		// Handle error
	}
	tp.RegisterRequestHandler(func(ctx context.Context, from identity.NodeID, payload []byte) ([]byte, error) {
		return []byte("ack"), nil
	})

	if err := tp.Start(); err != nil {
		// Handle error
	}
	defer tp.Stop()

Publish a membership snapshot and talk to a peer:

	source.Publish(topology.NewSnapshot(1, []identity.Endpoint{
		{ID: peerID, Addr: "10.0.0.2:9000"},
	}))

	resp, err := tp.SendRequest(ctx, peerID, []byte("hello"))

Watch connection state:

	events, cancel := tp.Subscribe(0)
	defer cancel()
	for ev := range events {
		if ev.State == meshberry.StateConnected {
			// Peer is reachable.
		}
	}

# Errors

Operations return *meshberry.Error carrying an ErrorCode. Callers branch on
codes rather than strings:

	_, err := tp.SendRequest(ctx, peerID, payload)
	switch {
	case meshberry.IsStaleGeneration(err):
		// The connection was replaced mid-flight; retry.
	case meshberry.IsPeerRemoved(err):
		// The peer left the topology; stop retrying.
	}

# Observability

A Metrics implementation receives state gauges, dial/rejection/disconnect
counters, stream and byte counters, and request latencies. The prometheus
subpackage provides a ready implementation; the otel subpackage adds
tracing spans for dial, handshake, and stream operations.
*/
package meshberry
