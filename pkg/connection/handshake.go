package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/blockberries/meshberry/pkg/identity"
	"github.com/blockberries/meshberry/pkg/wire"
)

// AttestationError reports a post-handshake attestation rejection. Like an
// identity mismatch it downgrades the attempt to Rejected, even though the
// cryptographic handshake succeeded.
type AttestationError struct {
	ID    identity.NodeID
	Cause error
}

// Error implements error.
func (e *AttestationError) Error() string {
	return fmt.Sprintf("attestation rejected for %s: %v", e.ID.Short(), e.Cause)
}

// Unwrap returns the checker's error.
func (e *AttestationError) Unwrap() error { return e.Cause }

// HelloConfig parameterizes the post-handshake hello exchange.
type HelloConfig struct {
	// Token is the local attestation token presented to the peer. May be
	// empty; the hello frame is exchanged regardless so the wire shape
	// does not depend on configuration.
	Token []byte

	// Checker validates the peer's token. Nil accepts every peer.
	Checker identity.AttestationChecker

	// Timeout bounds the whole exchange.
	Timeout time.Duration

	// MaxTokenSize bounds the accepted token frame.
	MaxTokenSize uint32
}

// Hello runs the attestation exchange on a freshly authenticated
// connection. The QUIC dialer opens a single bidirectional hello stream;
// the acceptor awaits it. Each side sends one framed token and checks the
// peer's token through the configured checker. An error means the attempt
// must be rejected.
func Hello(ctx context.Context, tc TransportConn, dialer bool, remote identity.NodeID, cfg HelloConfig) error {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var (
		token []byte
		err   error
	)
	if dialer {
		token, err = helloDial(ctx, tc, cfg)
	} else {
		token, err = helloAccept(ctx, tc, cfg)
	}
	if err != nil {
		return fmt.Errorf("hello with %s: %w", remote.Short(), err)
	}

	if cfg.Checker != nil {
		if err := cfg.Checker.Check(ctx, remote, token); err != nil {
			return &AttestationError{ID: remote, Cause: err}
		}
	}
	return nil
}

// DefaultMaxTokenSize bounds attestation tokens when the config leaves
// MaxTokenSize zero.
const DefaultMaxTokenSize = 64 << 10

func helloDial(ctx context.Context, tc TransportConn, cfg HelloConfig) ([]byte, error) {
	st, err := tc.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open hello stream: %w", err)
	}
	return helloExchange(ctx, st, cfg, true)
}

func helloAccept(ctx context.Context, tc TransportConn, cfg HelloConfig) ([]byte, error) {
	st, err := tc.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept hello stream: %w", err)
	}
	return helloExchange(ctx, st, cfg, false)
}

// helloExchange sends and receives one framed token. The stream work runs
// in a child goroutine so the exchange can be aborted on ctx expiry; the
// stream is cancelled on every early exit.
func helloExchange(ctx context.Context, st Stream, cfg HelloConfig, writeFirst bool) ([]byte, error) {
	maxSize := cfg.MaxTokenSize
	if maxSize == 0 {
		maxSize = DefaultMaxTokenSize
	}

	type result struct {
		token []byte
		err   error
	}
	done := make(chan result, 1)

	go func() {
		if writeFirst {
			if _, err := wire.WriteFrame(st, cfg.Token); err != nil {
				done <- result{err: err}
				return
			}
			_ = st.Close() // half-close the send side
			tok, err := wire.ReadFrame(st, maxSize)
			done <- result{token: tok, err: err}
			return
		}

		tok, err := wire.ReadFrame(st, maxSize)
		if err != nil {
			done <- result{err: err}
			return
		}
		if _, err := wire.WriteFrame(st, cfg.Token); err != nil {
			done <- result{err: err}
			return
		}
		_ = st.Close()
		done <- result{token: tok}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			st.CancelRead(CodeRejected)
			st.CancelWrite(CodeRejected)
		}
		return r.token, r.err
	case <-ctx.Done():
		st.CancelRead(CodeRejected)
		st.CancelWrite(CodeRejected)
		return nil, ctx.Err()
	}
}
