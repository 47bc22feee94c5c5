package connection

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/blockberries/meshberry/pkg/identity"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "meshberry/1"

// AuthError reports a fatal authentication failure for a connection
// attempt: the peer's verified identity did not match the expected one, or
// the verifier rejected its credentials outright.
type AuthError struct {
	Expected identity.NodeID
	Got      identity.NodeID
	Cause    error
}

// Error implements error.
func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("peer authentication failed: %v", e.Cause)
	}
	return fmt.Sprintf("peer identity mismatch: expected %s, got %s",
		e.Expected.Short(), e.Got.Short())
}

// Unwrap returns the underlying verifier error.
func (e *AuthError) Unwrap() error { return e.Cause }

// IsAuthError reports whether err is a fatal authentication failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsIdleTimeout reports whether err is a QUIC idle-timeout closure.
func IsIdleTimeout(err error) bool {
	var ite *quic.IdleTimeoutError
	return errors.As(err, &ite)
}

// StreamResetError indicates the peer aborted a stream. The QUIC adapter
// surfaces quic.StreamError directly; mocks use this type.
type StreamResetError struct {
	Code uint64
}

// Error implements error.
func (e *StreamResetError) Error() string {
	return fmt.Sprintf("stream reset by peer (code %d)", e.Code)
}

// IsStreamReset reports whether err indicates a peer-initiated stream abort.
func IsStreamReset(err error) bool {
	var qse *quic.StreamError
	if errors.As(err, &qse) {
		return true
	}
	var sre *StreamResetError
	return errors.As(err, &sre)
}

// QUICConfig parameterizes the QUIC dialer and listener.
type QUICConfig struct {
	// Credentials is the local TLS identity presented to peers.
	Credentials identity.Credentials

	// Verifier authenticates peer credentials. Required.
	Verifier identity.Verifier

	// HandshakeTimeout bounds the QUIC+TLS handshake.
	HandshakeTimeout time.Duration

	// IdleTimeout closes connections with no activity. Idle closure is
	// reported as a transport-level disconnect and redialed with backoff.
	IdleTimeout time.Duration

	// KeepAlive, when non-zero, sends QUIC keepalives at this period.
	KeepAlive time.Duration
}

func (c QUICConfig) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: c.HandshakeTimeout,
		MaxIdleTimeout:       c.IdleTimeout,
		KeepAlivePeriod:      c.KeepAlive,
	}
}

// quicTransportConn adapts quic.Connection to TransportConn.
type quicTransportConn struct {
	conn quic.Connection
}

var _ TransportConn = (*quicTransportConn)(nil)

func (q *quicTransportConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := q.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{s}, nil
}

func (q *quicTransportConn) OpenUniStream(ctx context.Context) (SendStream, error) {
	s, err := q.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicSendStream{s}, nil
}

func (q *quicTransportConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := q.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{s}, nil
}

func (q *quicTransportConn) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	s, err := q.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicReceiveStream{s}, nil
}

func (q *quicTransportConn) Close(code uint64, reason string) error {
	return q.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (q *quicTransportConn) Done() <-chan struct{} {
	return q.conn.Context().Done()
}

func (q *quicTransportConn) DoneErr() error {
	return context.Cause(q.conn.Context())
}

func (q *quicTransportConn) RemoteAddr() string {
	return q.conn.RemoteAddr().String()
}

type quicStream struct {
	s quic.Stream
}

func (qs *quicStream) Read(p []byte) (int, error)  { return qs.s.Read(p) }
func (qs *quicStream) Write(p []byte) (int, error) { return qs.s.Write(p) }
func (qs *quicStream) Close() error                { return qs.s.Close() }
func (qs *quicStream) CancelWrite(code uint64) {
	qs.s.CancelWrite(quic.StreamErrorCode(code))
}
func (qs *quicStream) CancelRead(code uint64) {
	qs.s.CancelRead(quic.StreamErrorCode(code))
}

type quicSendStream struct {
	s quic.SendStream
}

func (qs *quicSendStream) Write(p []byte) (int, error) { return qs.s.Write(p) }
func (qs *quicSendStream) Close() error                { return qs.s.Close() }
func (qs *quicSendStream) CancelWrite(code uint64) {
	qs.s.CancelWrite(quic.StreamErrorCode(code))
}

type quicReceiveStream struct {
	s quic.ReceiveStream
}

func (qs *quicReceiveStream) Read(p []byte) (int, error) { return qs.s.Read(p) }
func (qs *quicReceiveStream) CancelRead(code uint64) {
	qs.s.CancelRead(quic.StreamErrorCode(code))
}

// QUICDialer dials peers over QUIC with verifier-driven mutual TLS.
type QUICDialer struct {
	cfg QUICConfig
}

var _ Dialer = (*QUICDialer)(nil)

// NewQUICDialer creates a dialer from the config.
func NewQUICDialer(cfg QUICConfig) *QUICDialer {
	return &QUICDialer{cfg: cfg}
}

// Dial connects to the endpoint and authenticates the peer. The endpoint's
// identity is pinned: if the verifier reports any other identity the dial
// fails with *AuthError, which the caller treats as a handshake rejection
// rather than a transient transport failure.
func (d *QUICDialer) Dial(ctx context.Context, ep identity.Endpoint) (TransportConn, error) {
	// Chain verification is delegated entirely to the Verifier, so
	// standard PKI validation is disabled.
	var (
		mu      sync.Mutex
		authErr error
	)
	tlsConf := &tls.Config{
		Certificates:       []tls.Certificate{d.cfg.Credentials.Certificate},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			id, err := d.cfg.Verifier.VerifyPeer(rawCerts)
			if err != nil {
				ae := &AuthError{Expected: ep.ID, Cause: err}
				mu.Lock()
				authErr = ae
				mu.Unlock()
				return ae
			}
			if id != ep.ID {
				ae := &AuthError{Expected: ep.ID, Got: id}
				mu.Lock()
				authErr = ae
				mu.Unlock()
				return ae
			}
			return nil
		},
	}

	conn, err := quic.DialAddr(ctx, ep.Addr, tlsConf, d.cfg.quicConfig())
	if err != nil {
		// The TLS layer wraps verification failures; surface the typed
		// error recorded by the callback so rejection handling sees it.
		mu.Lock()
		defer mu.Unlock()
		if authErr != nil {
			return nil, authErr
		}
		return nil, fmt.Errorf("dial %s: %w", ep.Addr, err)
	}
	return &quicTransportConn{conn: conn}, nil
}

// QUICListener accepts inbound QUIC connections and authenticates each
// peer via the verifier before returning it.
type QUICListener struct {
	cfg      QUICConfig
	listener *quic.Listener
}

var _ Listener = (*QUICListener)(nil)

// ListenQUIC binds a QUIC listener on addr. Failure to bind is a fatal,
// process-level startup error for the transport.
func ListenQUIC(addr string, cfg QUICConfig) (*QUICListener, error) {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cfg.Credentials.Certificate},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
		ClientAuth:   tls.RequireAnyClientCert,
		// Inbound identities are checked against the topology after
		// accept; here the verifier only validates the credentials.
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := cfg.Verifier.VerifyPeer(rawCerts)
			return err
		},
	}

	l, err := quic.ListenAddr(addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &QUICListener{cfg: cfg, listener: l}, nil
}

// Accept implements Listener.
func (l *QUICListener) Accept(ctx context.Context) (TransportConn, identity.NodeID, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, "", err
	}

	certs := conn.ConnectionState().TLS.PeerCertificates
	rawCerts := make([][]byte, len(certs))
	for i, cert := range certs {
		rawCerts[i] = cert.Raw
	}
	id, err := l.cfg.Verifier.VerifyPeer(rawCerts)
	if err != nil {
		_ = conn.CloseWithError(quic.ApplicationErrorCode(CodeRejected), "authentication failed")
		return nil, "", &AuthError{Cause: err}
	}

	return &quicTransportConn{conn: conn}, id, nil
}

// Addr returns the bound address.
func (l *QUICListener) Addr() string {
	return l.listener.Addr().String()
}

// Close stops accepting connections.
func (l *QUICListener) Close() error {
	return l.listener.Close()
}
