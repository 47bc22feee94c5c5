// Package identity defines cluster node identities and the interfaces
// through which the transport consumes identity verification and
// attestation collaborators.
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
)

// NodeID is the globally unique identifier of a cluster node, derived from
// its public key material: the lowercase hex encoding of the SHA-256 digest
// of the DER-encoded SubjectPublicKeyInfo of the node's certificate.
//
// A NodeID is stable across address changes and is never reused for a
// distinct node.
type NodeID string

// NodeIDLen is the length of a NodeID string (hex of a 32-byte digest).
const NodeIDLen = 2 * sha256.Size

// String returns the NodeID as a string.
func (id NodeID) String() string { return string(id) }

// Short returns a truncated form suitable for log output.
func (id NodeID) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

// Less reports whether id orders before other lexicographically.
// Used to resolve dial glare deterministically: the smaller identity
// is the dialer of record.
func (id NodeID) Less(other NodeID) bool { return id < other }

// Valid reports whether id has the expected length and hex alphabet.
func (id NodeID) Valid() bool {
	if len(id) != NodeIDLen {
		return false
	}
	_, err := hex.DecodeString(string(id))
	return err == nil
}

// NodeIDFromPublicKeyDER derives a NodeID from a DER-encoded
// SubjectPublicKeyInfo.
func NodeIDFromPublicKeyDER(spki []byte) NodeID {
	sum := sha256.Sum256(spki)
	return NodeID(hex.EncodeToString(sum[:]))
}

// NodeIDFromCertificate derives a NodeID from an X.509 certificate's
// public key.
func NodeIDFromCertificate(cert *x509.Certificate) (NodeID, error) {
	spki, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return NodeIDFromPublicKeyDER(spki), nil
}

// Endpoint pairs a node identity with the UDP address it is currently
// reachable at. Endpoints are replaceable; the identity is stable.
type Endpoint struct {
	ID   NodeID
	Addr string // host:port
}

// String returns a loggable representation of the endpoint.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s", e.ID.Short(), e.Addr)
}

// Verifier checks the credentials a peer presents during the transport
// handshake and returns the verified identity. It is authoritative: the
// transport accepts whatever identity the verifier reports and rejects the
// connection attempt on any error.
//
// Implementations must be safe for concurrent use.
type Verifier interface {
	// VerifyPeer receives the raw DER certificates presented by the peer,
	// leaf first. It returns the peer's verified NodeID, or an error if the
	// credentials are unacceptable.
	VerifyPeer(rawCerts [][]byte) (NodeID, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(rawCerts [][]byte) (NodeID, error)

// VerifyPeer implements Verifier.
func (f VerifierFunc) VerifyPeer(rawCerts [][]byte) (NodeID, error) {
	return f(rawCerts)
}

// AttestationChecker validates a peer's post-handshake attestation token.
// A rejection downgrades the connection attempt to Rejected even after
// successful cryptographic authentication.
//
// Implementations must be safe for concurrent use.
type AttestationChecker interface {
	// Check validates the attestation token presented by the peer with the
	// given verified identity. A nil return accepts the peer.
	Check(ctx context.Context, id NodeID, token []byte) error
}

// AttestationCheckerFunc adapts a function to the AttestationChecker
// interface.
type AttestationCheckerFunc func(ctx context.Context, id NodeID, token []byte) error

// Check implements AttestationChecker.
func (f AttestationCheckerFunc) Check(ctx context.Context, id NodeID, token []byte) error {
	return f(ctx, id, token)
}

// KeyHashVerifier is the default Verifier. It accepts any certificate chain
// and derives the peer's identity from the leaf certificate's public key.
// Authentication reduces to proof of possession of the key the NodeID was
// derived from, which TLS provides.
type KeyHashVerifier struct{}

// Ensure KeyHashVerifier implements Verifier.
var _ Verifier = KeyHashVerifier{}

// VerifyPeer implements Verifier.
func (KeyHashVerifier) VerifyPeer(rawCerts [][]byte) (NodeID, error) {
	if len(rawCerts) == 0 {
		return "", fmt.Errorf("peer presented no certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return "", fmt.Errorf("parse peer certificate: %w", err)
	}
	return NodeIDFromCertificate(cert)
}
