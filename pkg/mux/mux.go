// Package mux multiplexes request/response and push messaging over an
// established connection. Each stream carries exactly one logical message
// exchange: a request stream writes one framed payload and awaits one framed
// response; a push stream writes one framed payload and closes.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/blockberries/meshberry/internal/flow"
	"github.com/blockberries/meshberry/pkg/connection"
	"github.com/blockberries/meshberry/pkg/identity"
	"github.com/blockberries/meshberry/pkg/wire"
)

// Stream kinds, used for handler registration and metrics labels.
const (
	KindRequest = "request"
	KindPush    = "push"
)

// Sentinel errors. The transport facade wraps these into its caller-visible
// error taxonomy.
var (
	// ErrNotConnected: the connection was not in Connected state at call
	// time.
	ErrNotConnected = errors.New("mux: peer not connected")

	// ErrRemoved: the peer was removed from the topology mid-flight.
	ErrRemoved = errors.New("mux: peer removed from topology")

	// ErrSuperseded: the connection was replaced by a newer generation
	// mid-flight; the caller should retry against the fresh connection.
	ErrSuperseded = errors.New("mux: connection superseded")

	// ErrReset: the peer aborted the stream.
	ErrReset = errors.New("mux: stream reset by peer")

	// ErrTimeout: no response arrived within the caller's deadline.
	ErrTimeout = errors.New("mux: request timed out")

	// ErrClosed: the connection failed or the transport is stopping.
	ErrClosed = errors.New("mux: connection closed")
)

// RequestHandler serves one inbound request stream. The returned payload is
// framed back to the peer before the stream closes. A non-nil error resets
// the stream instead.
type RequestHandler func(ctx context.Context, from identity.NodeID, payload []byte) ([]byte, error)

// PushHandler consumes one inbound push payload.
type PushHandler func(ctx context.Context, from identity.NodeID, payload []byte)

// Handlers is the inbound dispatch table. Nil entries reject the
// corresponding stream kind.
type Handlers struct {
	Request RequestHandler
	Push    PushHandler
}

// Observer receives stream-level measurements. Implementations must not
// block; the transport never waits on its observability collaborators.
type Observer interface {
	StreamOpened(kind string)
	StreamClosed(kind string)
	BytesSent(kind string, n int)
	BytesReceived(kind string, n int)
	RequestDuration(seconds float64)
	Backpressure()
}

// NopObserver discards all measurements.
type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) StreamOpened(string)       {}
func (NopObserver) StreamClosed(string)       {}
func (NopObserver) BytesSent(string, int)     {}
func (NopObserver) BytesReceived(string, int) {}
func (NopObserver) RequestDuration(float64)   {}
func (NopObserver) Backpressure()             {}

// Config parameterizes a Mux.
type Config struct {
	// MaxFrameSize bounds inbound payloads. 0 means wire.DefaultMaxFrameSize.
	MaxFrameSize uint32

	// MaxConcurrentStreams bounds simultaneously open outbound streams on
	// this connection. 0 means flow.DefaultLimit.
	MaxConcurrentStreams int
}

// Mux serves one connection generation. It is created after the connection
// reaches Connected and dies with it; a reconnect gets a fresh Mux.
//
// All exported methods are safe for concurrent use.
type Mux struct {
	conn     *connection.Conn
	cfg      Config
	handlers Handlers
	obs      Observer
	limiter  *flow.Limiter

	startOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Mux for the connection. Accept loops do not run until
// Start is called.
func New(conn *connection.Conn, cfg Config, handlers Handlers, obs Observer) *Mux {
	if obs == nil {
		obs = NopObserver{}
	}
	limiter := flow.NewLimiter(cfg.MaxConcurrentStreams)
	limiter.SetBlockedCallback(obs.Backpressure)
	return &Mux{
		conn:     conn,
		cfg:      cfg,
		handlers: handlers,
		obs:      obs,
		limiter:  limiter,
	}
}

// Start launches the inbound accept loops. They are parented to the
// connection's context: tearing down the connection cancels every stream
// task.
func (m *Mux) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(2)
		go m.acceptRequests()
		go m.acceptPushes()
	})
}

// Wait blocks until all inbound stream tasks have finished. Used by the
// reconciler during drain.
func (m *Mux) Wait() {
	m.wg.Wait()
}

// OpenRequest opens a bidirectional stream, writes the framed payload,
// half-closes the send side, and awaits a single framed response. The
// caller's ctx deadline bounds the whole exchange. Backpressure: it blocks
// while the connection has MaxConcurrentStreams outbound streams open.
func (m *Mux) OpenRequest(ctx context.Context, payload []byte) ([]byte, error) {
	if err := m.checkSize(payload); err != nil {
		return nil, err
	}
	if m.conn.State() != connection.StateConnected {
		return nil, m.closedErr(ErrNotConnected)
	}

	// Bind the operation to the connection's lifetime as well as the
	// caller's deadline.
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.conn.Context(), cancel)
	defer stop()

	if err := m.limiter.Acquire(sctx); err != nil {
		return nil, m.mapError(ctx, err)
	}
	defer m.limiter.Release()

	m.conn.AddRequest()
	defer m.conn.DoneRequest()

	st, err := m.conn.Transport().OpenStream(sctx)
	if err != nil {
		return nil, m.mapError(ctx, err)
	}
	m.obs.StreamOpened(KindRequest)
	defer m.obs.StreamClosed(KindRequest)

	start := time.Now()

	type result struct {
		resp []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		n, err := wire.WriteFrame(st, payload)
		if err != nil {
			done <- result{err: err}
			return
		}
		m.obs.BytesSent(KindRequest, n)
		if err := st.Close(); err != nil {
			done <- result{err: err}
			return
		}
		resp, err := wire.ReadFrame(st, m.cfg.MaxFrameSize)
		if err != nil {
			done <- result{err: err}
			return
		}
		m.obs.BytesReceived(KindRequest, len(resp))
		done <- result{resp: resp}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			st.CancelRead(connection.CodeNone)
			st.CancelWrite(connection.CodeNone)
			return nil, m.mapError(ctx, r.err)
		}
		m.conn.Touch()
		m.obs.RequestDuration(time.Since(start).Seconds())
		return r.resp, nil
	case <-sctx.Done():
		// The deadline timer or the connection teardown won the race;
		// abort the stream and release its resources either way.
		st.CancelRead(connection.CodeNone)
		st.CancelWrite(connection.CodeNone)
		return nil, m.mapError(ctx, sctx.Err())
	}
}

// Push opens a unidirectional stream, writes one framed payload, and
// closes it. The returned nil only acknowledges the send attempt, not
// receipt by the peer.
func (m *Mux) Push(ctx context.Context, payload []byte) error {
	if err := m.checkSize(payload); err != nil {
		return err
	}
	if m.conn.State() != connection.StateConnected {
		return m.closedErr(ErrNotConnected)
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.conn.Context(), cancel)
	defer stop()

	if err := m.limiter.Acquire(sctx); err != nil {
		return m.mapError(ctx, err)
	}
	defer m.limiter.Release()

	st, err := m.conn.Transport().OpenUniStream(sctx)
	if err != nil {
		return m.mapError(ctx, err)
	}
	m.obs.StreamOpened(KindPush)
	defer m.obs.StreamClosed(KindPush)

	done := make(chan error, 1)
	go func() {
		n, err := wire.WriteFrame(st, payload)
		if err != nil {
			done <- err
			return
		}
		m.obs.BytesSent(KindPush, n)
		done <- st.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			st.CancelWrite(connection.CodeNone)
			return m.mapError(ctx, err)
		}
		m.conn.Touch()
		return nil
	case <-sctx.Done():
		st.CancelWrite(connection.CodeNone)
		return m.mapError(ctx, sctx.Err())
	}
}

// checkSize rejects oversized payloads before any stream is opened; the
// peer would refuse the frame anyway.
func (m *Mux) checkSize(payload []byte) error {
	max := m.cfg.MaxFrameSize
	if max == 0 {
		max = wire.DefaultMaxFrameSize
	}
	if uint64(len(payload)) > uint64(max) {
		return &wire.ErrFrameTooLarge{Size: uint32(len(payload)), Max: max}
	}
	return nil
}

// Close releases the limiter, unblocking any callers waiting for a slot.
// The accept loops exit via the connection context.
func (m *Mux) Close() {
	m.limiter.Close()
}

// acceptRequests accepts inbound bidirectional streams until the
// connection dies.
func (m *Mux) acceptRequests() {
	defer m.wg.Done()
	ctx := m.conn.Context()
	tc := m.conn.Transport()

	for {
		st, err := tc.AcceptStream(ctx)
		if err != nil {
			return
		}
		m.obs.StreamOpened(KindRequest)
		m.wg.Add(1)
		go m.serveRequest(ctx, st)
	}
}

// acceptPushes accepts inbound unidirectional streams until the connection
// dies.
func (m *Mux) acceptPushes() {
	defer m.wg.Done()
	ctx := m.conn.Context()
	tc := m.conn.Transport()

	for {
		st, err := tc.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		m.obs.StreamOpened(KindPush)
		m.wg.Add(1)
		go m.servePush(ctx, st)
	}
}

// serveRequest decodes one framed request, invokes the handler, and writes
// the framed response back before closing the stream.
func (m *Mux) serveRequest(ctx context.Context, st connection.Stream) {
	defer m.wg.Done()
	defer m.obs.StreamClosed(KindRequest)

	payload, err := wire.ReadFrame(st, m.cfg.MaxFrameSize)
	if err != nil {
		st.CancelRead(connection.CodeNone)
		st.CancelWrite(connection.CodeNone)
		return
	}
	m.obs.BytesReceived(KindRequest, len(payload))
	m.conn.Touch()

	handler := m.handlers.Request
	if handler == nil {
		st.CancelWrite(connection.CodeNone)
		st.CancelRead(connection.CodeNone)
		return
	}

	resp, err := handler(ctx, m.conn.ID(), payload)
	if err != nil {
		// A handler failure aborts the stream; the peer observes a reset
		// rather than a bogus response.
		st.CancelWrite(connection.CodeNone)
		return
	}

	if n, err := wire.WriteFrame(st, resp); err == nil {
		m.obs.BytesSent(KindRequest, n)
		_ = st.Close()
	} else {
		st.CancelWrite(connection.CodeNone)
	}
}

// servePush decodes one framed push payload and hands it to the handler.
func (m *Mux) servePush(ctx context.Context, st connection.ReceiveStream) {
	defer m.wg.Done()
	defer m.obs.StreamClosed(KindPush)

	payload, err := wire.ReadFrame(st, m.cfg.MaxFrameSize)
	if err != nil {
		st.CancelRead(connection.CodeNone)
		return
	}
	m.obs.BytesReceived(KindPush, len(payload))
	m.conn.Touch()

	if handler := m.handlers.Push; handler != nil {
		handler(ctx, m.conn.ID(), payload)
	}
}

// mapError converts low-level failures into the mux's sentinel errors,
// consulting the connection's close cause so that callers can distinguish
// topology removal and generation supersession from peer failure.
func (m *Mux) mapError(callerCtx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callerCtx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(callerCtx.Err(), context.Canceled):
		return context.Canceled
	}

	if cErr := m.closeCauseErr(); cErr != nil {
		return cErr
	}

	var tooLarge *wire.ErrFrameTooLarge
	switch {
	case connection.IsStreamReset(err):
		return ErrReset
	case errors.Is(err, io.EOF):
		// The peer half-closed without sending a response.
		return ErrReset
	case errors.As(err, &tooLarge):
		return fmt.Errorf("%w: %v", ErrReset, err)
	default:
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
}

// closedErr refines a not-connected failure with the close cause when the
// connection already died.
func (m *Mux) closedErr(fallback error) error {
	if err := m.closeCauseErr(); err != nil {
		return err
	}
	return fallback
}

func (m *Mux) closeCauseErr() error {
	cause, _ := m.conn.Cause()
	switch cause {
	case connection.CauseRemoved:
		return ErrRemoved
	case connection.CauseSuperseded:
		return ErrSuperseded
	case connection.CauseError, connection.CauseShutdown:
		return ErrClosed
	default:
		return nil
	}
}
