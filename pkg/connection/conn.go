package connection

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blockberries/meshberry/pkg/identity"
)

// SendStream is the send half of a unidirectional stream.
type SendStream interface {
	io.WriteCloser

	// CancelWrite aborts the stream; the peer observes a reset.
	CancelWrite(code uint64)
}

// ReceiveStream is the receive half of a unidirectional stream.
type ReceiveStream interface {
	io.Reader

	// CancelRead signals that no further data will be read; the peer's
	// writes are aborted.
	CancelRead(code uint64)
}

// Stream is a bidirectional stream. Close half-closes the send side;
// the receive side is drained or cancelled independently.
type Stream interface {
	io.Reader
	io.WriteCloser
	CancelWrite(code uint64)
	CancelRead(code uint64)
}

// TransportConn is the subset of a secure transport connection (QUIC in
// production, in-memory in tests) the transport layer uses. A TransportConn
// is owned exclusively by one Conn record.
type TransportConn interface {
	OpenStream(ctx context.Context) (Stream, error)
	OpenUniStream(ctx context.Context) (SendStream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)

	// Close tears the connection down with an application error code and
	// reason visible to the peer.
	Close(code uint64, reason string) error

	// Done is closed when the connection dies for any reason, local or
	// remote.
	Done() <-chan struct{}

	// DoneErr returns the error that closed the connection, once Done is
	// closed.
	DoneErr() error

	// RemoteAddr returns the peer's address for logging.
	RemoteAddr() string
}

// Dialer establishes authenticated connections to peer endpoints. Dial pins
// the expected identity from the endpoint: a peer presenting any other
// identity fails authentication.
type Dialer interface {
	Dial(ctx context.Context, ep identity.Endpoint) (TransportConn, error)
}

// Listener accepts inbound authenticated connections. Accept returns the
// verified identity of the remote peer alongside the connection.
type Listener interface {
	Accept(ctx context.Context) (TransportConn, identity.NodeID, error)
	Addr() string
	Close() error
}

// Application error codes carried on connection close frames.
const (
	CodeNone       uint64 = 0x0
	CodeShutdown   uint64 = 0x1
	CodeRemoved    uint64 = 0x2
	CodeSuperseded uint64 = 0x3
	CodeRejected   uint64 = 0x4
	CodeGlare      uint64 = 0x5
	CodeIdle       uint64 = 0x6
)

// CloseCause records why a connection was (or is being) torn down, so that
// callers with in-flight streams receive the right typed error.
type CloseCause int

const (
	// CauseNone means the connection is live.
	CauseNone CloseCause = iota

	// CauseRemoved means the peer was removed from the topology.
	CauseRemoved

	// CauseSuperseded means a newer generation replaced this connection.
	CauseSuperseded

	// CauseError means the underlying transport failed.
	CauseError

	// CauseShutdown means the local transport is stopping.
	CauseShutdown
)

// Conn is the mutable per-peer connection record. The reconciler creates
// and destroys Conns; each Conn's lifecycle task is the only writer of its
// state field. The TransportConn handle is owned exclusively by this record.
type Conn struct {
	id  identity.NodeID
	gen uint64
	tc  TransportConn

	mu            sync.RWMutex
	state         State
	cause         CloseCause
	causeErr      error
	establishedAt time.Time

	lastActivity atomic.Int64 // unix nanos
	openRequests atomic.Int64

	// ctx parents every stream task opened on this connection; cancelling
	// it aborts them all.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewConn creates a connection record in the given initial state
// (StateDialing for outbound attempts, StateHandshaking for accepted
// inbound connections).
func NewConn(parent context.Context, id identity.NodeID, gen uint64, initial State) *Conn {
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		id:     id,
		gen:    gen,
		state:  initial,
		ctx:    ctx,
		cancel: cancel,
	}
	c.Touch()
	return c
}

// ID returns the peer identity.
func (c *Conn) ID() identity.NodeID { return c.id }

// Generation returns the dial generation this record belongs to.
func (c *Conn) Generation() uint64 { return c.gen }

// Context returns the connection's context; it is cancelled when the
// connection is torn down, which cancels all child stream tasks.
func (c *Conn) Context() context.Context { return c.ctx }

// Transport returns the underlying handle, or nil before Attach.
func (c *Conn) Transport() TransportConn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tc
}

// Attach hands the transport handle to this record. Called exactly once,
// when the dial (or accept) produces a connection.
func (c *Conn) Attach(tc TransportConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tc = tc
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// TransitionTo moves the connection to a new state, validating the
// transition. Reaching StateConnected records the establishment time.
func (c *Conn) TransitionTo(target State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.state.ValidateTransition(target); err != nil {
		return err
	}
	c.state = target
	if target == StateConnected {
		c.establishedAt = time.Now()
	}
	return nil
}

// EstablishedAt returns when the connection reached Connected, or the zero
// time if it never did.
func (c *Conn) EstablishedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.establishedAt
}

// Touch records activity on the connection, feeding idle accounting.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent activity.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// AddRequest increments the open request count.
func (c *Conn) AddRequest() { c.openRequests.Add(1) }

// DoneRequest decrements the open request count.
func (c *Conn) DoneRequest() { c.openRequests.Add(-1) }

// OpenRequests returns the number of requests currently in flight.
func (c *Conn) OpenRequests() int { return int(c.openRequests.Load()) }

// Cause returns why the connection was closed, and the underlying error
// when the cause is CauseError.
func (c *Conn) Cause() (CloseCause, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cause, c.causeErr
}

// Shutdown tears the connection down: it records the cause, cancels all
// child stream tasks, closes the transport handle with the matching
// application error code, and moves the state to Closed. It is idempotent;
// only the first call's cause is kept.
func (c *Conn) Shutdown(cause CloseCause, err error) {
	c.mu.Lock()
	if c.cause == CauseNone {
		c.cause = cause
		c.causeErr = err
	}
	if !c.state.IsTerminal() {
		c.state = StateClosed
	}
	tc := c.tc
	c.mu.Unlock()

	c.cancel()
	if tc != nil {
		code, reason := closeFrame(cause)
		_ = tc.Close(code, reason) // teardown path
	}
}

// Reject marks an authentication or attestation failure terminal. Unlike
// Shutdown it lands in StateRejected when the transition is legal, whether
// the failure arrived during Dialing (TLS inside the QUIC dial) or during
// Handshaking (attestation hello).
func (c *Conn) Reject(err error) {
	c.mu.Lock()
	if c.cause == CauseNone {
		c.cause = CauseError
		c.causeErr = err
	}
	if c.state == StateHandshaking || c.state == StateDialing {
		c.state = StateRejected
	} else if !c.state.IsTerminal() {
		c.state = StateClosed
	}
	tc := c.tc
	c.mu.Unlock()

	c.cancel()
	if tc != nil {
		_ = tc.Close(CodeRejected, "handshake rejected")
	}
}

func closeFrame(cause CloseCause) (uint64, string) {
	switch cause {
	case CauseRemoved:
		return CodeRemoved, "peer removed from topology"
	case CauseSuperseded:
		return CodeSuperseded, "connection superseded"
	case CauseShutdown:
		return CodeShutdown, "transport shutting down"
	case CauseError:
		return CodeNone, "transport error"
	default:
		return CodeNone, ""
	}
}
