// Package testutil provides in-memory implementations of the transport's
// connection abstractions for tests: stream pairs, connection pairs, and a
// mock network with dialers and listeners.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/blockberries/meshberry/pkg/connection"
	"github.com/blockberries/meshberry/pkg/identity"
)

// ErrConnClosed is the DoneErr of a mock connection closed without an
// explicit error.
var ErrConnClosed = errors.New("testutil: connection closed")

// pipeBuf is one direction of an in-memory stream: an unbounded buffer with
// blocking reads, clean EOF, and reset support.
type pipeBuf struct {
	mu    sync.Mutex
	cond  *sync.Cond
	data  []byte
	eof   bool
	reset error
}

func newPipeBuf() *pipeBuf {
	b := &pipeBuf{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *pipeBuf) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reset != nil {
		return 0, b.reset
	}
	if b.eof {
		return 0, errors.New("testutil: write on closed stream")
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	return len(p), nil
}

func (b *pipeBuf) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.data) == 0 && !b.eof && b.reset == nil {
		b.cond.Wait()
	}
	if len(b.data) > 0 {
		n := copy(p, b.data)
		b.data = b.data[n:]
		return n, nil
	}
	if b.reset != nil {
		return 0, b.reset
	}
	return 0, io.EOF
}

func (b *pipeBuf) CloseWrite() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eof = true
	b.cond.Broadcast()
}

func (b *pipeBuf) Reset(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reset == nil {
		b.reset = err
	}
	b.cond.Broadcast()
}

// BidiStream is one end of an in-memory bidirectional stream.
type BidiStream struct {
	in  *pipeBuf // data readable locally
	out *pipeBuf // data readable remotely
}

var _ connection.Stream = (*BidiStream)(nil)

// StreamPipe creates a connected bidirectional stream pair.
func StreamPipe() (*BidiStream, *BidiStream) {
	a, b := newPipeBuf(), newPipeBuf()
	return &BidiStream{in: a, out: b}, &BidiStream{in: b, out: a}
}

// Read implements connection.Stream.
func (s *BidiStream) Read(p []byte) (int, error) { return s.in.Read(p) }

// Write implements connection.Stream.
func (s *BidiStream) Write(p []byte) (int, error) { return s.out.Write(p) }

// Close half-closes the send side; the peer reads EOF after buffered data.
func (s *BidiStream) Close() error {
	s.out.CloseWrite()
	return nil
}

// CancelWrite aborts the send side; the peer's reads fail with a reset.
func (s *BidiStream) CancelWrite(code uint64) {
	s.out.Reset(&connection.StreamResetError{Code: code})
}

// CancelRead aborts the receive side; local reads and remote writes fail.
func (s *BidiStream) CancelRead(code uint64) {
	s.in.Reset(&connection.StreamResetError{Code: code})
}

// SendHalf and ReceiveHalf view a BidiStream as unidirectional halves.
type SendHalf struct{ s *BidiStream }

var _ connection.SendStream = (*SendHalf)(nil)

func (h *SendHalf) Write(p []byte) (int, error) { return h.s.Write(p) }
func (h *SendHalf) Close() error                { return h.s.Close() }
func (h *SendHalf) CancelWrite(code uint64)     { h.s.CancelWrite(code) }

type ReceiveHalf struct{ s *BidiStream }

var _ connection.ReceiveStream = (*ReceiveHalf)(nil)

func (h *ReceiveHalf) Read(p []byte) (int, error) { return h.s.Read(p) }
func (h *ReceiveHalf) CancelRead(code uint64)     { h.s.CancelRead(code) }

// MockConn is an in-memory connection.TransportConn. Streams opened on one
// end surface on the other end's accept queues.
type MockConn struct {
	peer *MockConn

	acceptBidi chan connection.Stream
	acceptUni  chan connection.ReceiveStream

	mu     sync.Mutex
	done   chan struct{}
	err    error
	closed bool

	remote string
}

var _ connection.TransportConn = (*MockConn)(nil)

// ConnPipe creates a connected pair of mock connections.
func ConnPipe() (*MockConn, *MockConn) {
	a := &MockConn{
		acceptBidi: make(chan connection.Stream, 64),
		acceptUni:  make(chan connection.ReceiveStream, 64),
		done:       make(chan struct{}),
		remote:     "mock:b",
	}
	b := &MockConn{
		acceptBidi: make(chan connection.Stream, 64),
		acceptUni:  make(chan connection.ReceiveStream, 64),
		done:       make(chan struct{}),
		remote:     "mock:a",
	}
	a.peer, b.peer = b, a
	return a, b
}

// OpenStream implements connection.TransportConn.
func (c *MockConn) OpenStream(ctx context.Context) (connection.Stream, error) {
	if err := c.aliveErr(); err != nil {
		return nil, err
	}
	local, remote := StreamPipe()
	select {
	case c.peer.acceptBidi <- remote:
		return local, nil
	case <-c.done:
		return nil, c.DoneErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenUniStream implements connection.TransportConn.
func (c *MockConn) OpenUniStream(ctx context.Context) (connection.SendStream, error) {
	if err := c.aliveErr(); err != nil {
		return nil, err
	}
	local, remote := StreamPipe()
	select {
	case c.peer.acceptUni <- &ReceiveHalf{s: remote}:
		return &SendHalf{s: local}, nil
	case <-c.done:
		return nil, c.DoneErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcceptStream implements connection.TransportConn.
func (c *MockConn) AcceptStream(ctx context.Context) (connection.Stream, error) {
	select {
	case s := <-c.acceptBidi:
		return s, nil
	case <-c.done:
		return nil, c.DoneErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcceptUniStream implements connection.TransportConn.
func (c *MockConn) AcceptUniStream(ctx context.Context) (connection.ReceiveStream, error) {
	select {
	case s := <-c.acceptUni:
		return s, nil
	case <-c.done:
		return nil, c.DoneErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements connection.TransportConn. Both ends observe the close.
func (c *MockConn) Close(code uint64, reason string) error {
	err := fmt.Errorf("testutil: closed with code %d: %s", code, reason)
	c.closeWith(err)
	c.peer.closeWith(err)
	return nil
}

// Fail simulates an unrecoverable transport error visible on both ends.
func (c *MockConn) Fail(err error) {
	c.closeWith(err)
	c.peer.closeWith(err)
}

func (c *MockConn) closeWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
}

func (c *MockConn) aliveErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		if c.err != nil {
			return c.err
		}
		return ErrConnClosed
	}
	return nil
}

// Done implements connection.TransportConn.
func (c *MockConn) Done() <-chan struct{} { return c.done }

// DoneErr implements connection.TransportConn.
func (c *MockConn) DoneErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrConnClosed
}

// RemoteAddr implements connection.TransportConn.
func (c *MockConn) RemoteAddr() string { return c.remote }

// Network is an in-memory fabric of listeners and dialers keyed by address.
// It lets the reconciler and facade be exercised without QUIC.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*MockListener
	dialErrs  map[string]error
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		listeners: make(map[string]*MockListener),
		dialErrs:  make(map[string]error),
	}
}

// Listen registers a listener at addr belonging to the node with the given
// identity.
func (n *Network) Listen(addr string, id identity.NodeID) *MockListener {
	l := &MockListener{
		net:     n,
		addr:    addr,
		localID: id,
		accepts: make(chan acceptedConn, 64),
		done:    make(chan struct{}),
	}
	n.mu.Lock()
	n.listeners[addr] = l
	n.mu.Unlock()
	return l
}

// SetDialError makes every dial to addr fail with err (an unreachable
// address). Pass nil to clear.
func (n *Network) SetDialError(addr string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.dialErrs, addr)
	} else {
		n.dialErrs[addr] = err
	}
}

// Dialer returns a dialer that presents the given local identity.
func (n *Network) Dialer(localID identity.NodeID) *MockDialer {
	return &MockDialer{net: n, localID: localID}
}

// ListenerAt returns the listener registered at addr, or nil. Lets tests
// inject hand-built inbound connections.
func (n *Network) ListenerAt(addr string) *MockListener {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listeners[addr]
}

type acceptedConn struct {
	conn *MockConn
	id   identity.NodeID
	err  error
}

// MockListener implements connection.Listener.
type MockListener struct {
	net     *Network
	addr    string
	localID identity.NodeID
	accepts chan acceptedConn
	done    chan struct{}
	once    sync.Once
}

var _ connection.Listener = (*MockListener)(nil)

// Accept implements connection.Listener.
func (l *MockListener) Accept(ctx context.Context) (connection.TransportConn, identity.NodeID, error) {
	select {
	case ac := <-l.accepts:
		if ac.err != nil {
			return nil, "", ac.err
		}
		return ac.conn, ac.id, nil
	case <-l.done:
		return nil, "", errors.New("testutil: listener closed")
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// Addr implements connection.Listener.
func (l *MockListener) Addr() string { return l.addr }

// Close implements connection.Listener.
func (l *MockListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.mu.Lock()
		if l.net.listeners[l.addr] == l {
			delete(l.net.listeners, l.addr)
		}
		l.net.mu.Unlock()
	})
	return nil
}

// Inject delivers a pre-built inbound connection with the given remote
// identity, bypassing the dial path. Used to simulate glare and unknown
// peers.
func (l *MockListener) Inject(conn *MockConn, id identity.NodeID) {
	l.accepts <- acceptedConn{conn: conn, id: id}
}

// InjectError makes the next Accept return err, the way the QUIC listener
// surfaces a failed TLS handshake.
func (l *MockListener) InjectError(err error) {
	l.accepts <- acceptedConn{err: err}
}

// MockDialer implements connection.Dialer against the network fabric. The
// endpoint's identity is pinned the same way the QUIC dialer pins it.
type MockDialer struct {
	net     *Network
	localID identity.NodeID
}

var _ connection.Dialer = (*MockDialer)(nil)

// Dial implements connection.Dialer.
func (d *MockDialer) Dial(ctx context.Context, ep identity.Endpoint) (connection.TransportConn, error) {
	d.net.mu.Lock()
	if err, ok := d.net.dialErrs[ep.Addr]; ok {
		d.net.mu.Unlock()
		return nil, err
	}
	l, ok := d.net.listeners[ep.Addr]
	d.net.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("testutil: %s unreachable", ep.Addr)
	}
	if l.localID != ep.ID {
		return nil, &connection.AuthError{Expected: ep.ID, Got: l.localID}
	}

	dialSide, acceptSide := ConnPipe()
	select {
	case l.accepts <- acceptedConn{conn: acceptSide, id: d.localID}:
		return dialSide, nil
	case <-l.done:
		return nil, errors.New("testutil: listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
