package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// Credentials holds the local node's TLS identity: the certificate presented
// to peers and the NodeID derived from its public key.
type Credentials struct {
	Certificate tls.Certificate
	ID          NodeID
}

// NewCredentials wraps an existing TLS certificate, deriving the NodeID from
// its leaf public key. The certificate's issuance and validation policy is
// the identity collaborator's concern; the transport only presents it.
func NewCredentials(cert tls.Certificate) (Credentials, error) {
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return Credentials{}, fmt.Errorf("certificate has no leaf")
		}
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return Credentials{}, fmt.Errorf("parse leaf certificate: %w", err)
		}
		leaf = parsed
	}
	id, err := NodeIDFromCertificate(leaf)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Certificate: cert, ID: id}, nil
}

// SelfSigned generates credentials from an Ed25519 private key by minting a
// self-signed certificate. The certificate carries no trust on its own; with
// the default KeyHashVerifier the identity is the key hash and the chain is
// irrelevant.
func SelfSigned(key ed25519.PrivateKey) (Credentials, error) {
	if len(key) != ed25519.PrivateKeySize {
		return Credentials{}, fmt.Errorf("invalid ed25519 private key length %d", len(key))
	}

	pub := key.Public().(ed25519.PublicKey)
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Credentials{}, fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "meshberry-node"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, key)
	if err != nil {
		return Credentials{}, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return Credentials{}, fmt.Errorf("parse generated certificate: %w", err)
	}

	return NewCredentials(tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	})
}
