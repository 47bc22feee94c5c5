package meshberry

import "github.com/blockberries/meshberry/pkg/connection"

// Version is the library release version.
const Version = "0.3.1"

// ALPN is the TLS protocol identifier negotiated with peers. Nodes built
// against a different protocol generation fail the QUIC handshake instead
// of exchanging garbage frames.
const ALPN = connection.ALPN
