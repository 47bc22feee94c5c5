package reconcile

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/blockberries/meshberry/internal/testutil"
	"github.com/blockberries/meshberry/pkg/connection"
	"github.com/blockberries/meshberry/pkg/identity"
	"github.com/blockberries/meshberry/pkg/mux"
	"github.com/blockberries/meshberry/pkg/topology"
)

const (
	nodeA = identity.NodeID("aaaa-node")
	nodeB = identity.NodeID("bbbb-node")
	nodeC = identity.NodeID("cccc-node")

	addrA = "127.0.0.1:7001"
	addrB = "127.0.0.1:7002"
	addrC = "127.0.0.1:7003"
)

// eventLog collects emitted events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) has(id identity.NodeID, state connection.State, reason Reason) bool {
	return l.count(id, state, reason) > 0
}

func (l *eventLog) count(id identity.NodeID, state connection.State, reason Reason) int {
	n := 0
	for _, ev := range l.snapshot() {
		if ev.ID == id && ev.State == state && ev.Reason == reason {
			n++
		}
	}
	return n
}

type node struct {
	rec      *Reconciler
	src      *topology.StaticSource
	log      *eventLog
	listener *testutil.MockListener
}

// newNode builds a reconciler wired to the mock network fabric.
func newNode(t *testing.T, net *testutil.Network, id identity.NodeID, addr string, handlers mux.Handlers) *node {
	t.Helper()

	log := &eventLog{}
	listener := net.Listen(addr, id)
	rec := New(Config{
		LocalID:         id,
		Dialer:          net.Dialer(id),
		Listener:        listener,
		DialTimeout:     time.Second,
		BackoffMin:      20 * time.Millisecond,
		BackoffMax:      200 * time.Millisecond,
		StabilityWindow: 50 * time.Millisecond,
		DrainGrace:      200 * time.Millisecond,
		Handlers:        handlers,
		Emit:            log.add,
	})
	src := topology.NewStaticSource(8)
	rec.Start(src.Snapshots())
	t.Cleanup(func() {
		rec.Stop()
		listener.Close()
		src.Close()
	})
	return &node{rec: rec, src: src, log: log, listener: listener}
}

func waitForState(t *testing.T, rec *Reconciler, id identity.NodeID, want connection.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec.State(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("peer %s never reached %s (last: %s)", id.Short(), want, rec.State(id))
}

func snapshotOf(version uint64, eps ...identity.Endpoint) topology.Snapshot {
	return topology.NewSnapshot(version, eps)
}

func fullMembership(version uint64) topology.Snapshot {
	return snapshotOf(version,
		identity.Endpoint{ID: nodeA, Addr: addrA},
		identity.Endpoint{ID: nodeB, Addr: addrB},
	)
}

func TestTwoNodesConverge(t *testing.T) {
	net := testutil.NewNetwork()
	echo := mux.Handlers{
		Request: func(_ context.Context, _ identity.NodeID, p []byte) ([]byte, error) {
			return append([]byte("re:"), p...), nil
		},
	}
	a := newNode(t, net, nodeA, addrA, echo)
	b := newNode(t, net, nodeB, addrB, echo)

	snap := fullMembership(1)
	a.src.Publish(snap)
	b.src.Publish(snap)

	waitForState(t, a.rec, nodeB, connection.StateConnected)
	waitForState(t, b.rec, nodeA, connection.StateConnected)

	m, ok := a.rec.Lookup(nodeB)
	if !ok {
		t.Fatal("no live mux for connected peer")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := m.OpenRequest(ctx, []byte("hi"))
	if err != nil {
		t.Fatalf("request over reconciled connection: %v", err)
	}
	if !bytes.Equal(resp, []byte("re:hi")) {
		t.Errorf("response = %q", resp)
	}

	// Glare or not, each side tracks exactly one live connection.
	if states := a.rec.States(); len(states) != 1 {
		t.Errorf("a tracks %d peers, want 1: %v", len(states), states)
	}
}

func TestUnknownInboundPeerRejected(t *testing.T) {
	net := testutil.NewNetwork()
	a := newNode(t, net, nodeA, addrA, mux.Handlers{})
	a.src.Publish(fullMembership(1))

	// nodeC is not in the snapshot; its inbound attempt must be rejected
	// and the connection closed.
	local, remote := testutil.ConnPipe()
	a.listener.Inject(remote, nodeC)

	deadline := time.Now().Add(3 * time.Second)
	for !a.log.has(nodeC, connection.StateRejected, ReasonUnknownPeer) {
		if time.Now().After(deadline) {
			t.Fatal("unknown inbound peer was not rejected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-local.Done():
	case <-time.After(2 * time.Second):
		t.Error("rejected inbound connection was not closed")
	}
}

func TestPeerRemovalFailsInFlightRequests(t *testing.T) {
	net := testutil.NewNetwork()
	stall := make(chan struct{})
	defer close(stall)
	slow := mux.Handlers{
		Request: func(ctx context.Context, _ identity.NodeID, _ []byte) ([]byte, error) {
			select {
			case <-stall:
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		},
	}
	a := newNode(t, net, nodeA, addrA, mux.Handlers{})
	b := newNode(t, net, nodeB, addrB, slow)

	snap := fullMembership(1)
	a.src.Publish(snap)
	b.src.Publish(snap)
	waitForState(t, a.rec, nodeB, connection.StateConnected)

	m, ok := a.rec.Lookup(nodeB)
	if !ok {
		t.Fatal("no live mux")
	}

	reqErr := make(chan error, 1)
	go func() {
		_, err := m.OpenRequest(context.Background(), []byte("x"))
		reqErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// Drop B from A's topology.
	a.src.Publish(snapshotOf(2, identity.Endpoint{ID: nodeA, Addr: addrA}))

	select {
	case err := <-reqErr:
		if !errors.Is(err, mux.ErrRemoved) {
			t.Errorf("in-flight request err = %v, want ErrRemoved", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight request did not fail after removal")
	}

	waitForState(t, a.rec, nodeB, connection.StateIdle)
	if _, ok := a.rec.Lookup(nodeB); ok {
		t.Error("removed peer still has a live mux")
	}
	if !a.log.has(nodeB, connection.StateClosed, ReasonRemoved) {
		t.Error("no Closed/removed event emitted")
	}
}

func TestEndpointChangeRedials(t *testing.T) {
	net := testutil.NewNetwork()
	a := newNode(t, net, nodeA, addrA, mux.Handlers{})
	b := newNode(t, net, nodeB, addrB, mux.Handlers{})

	// B is reachable on a second address too.
	altAddr := "127.0.0.1:7012"
	altListener := net.Listen(altAddr, nodeB)
	defer altListener.Close()
	go acceptForever(b.rec, altListener)

	snap := fullMembership(1)
	a.src.Publish(snap)
	b.src.Publish(snap)
	waitForState(t, a.rec, nodeB, connection.StateConnected)

	// Same identity, new address.
	a.src.Publish(snapshotOf(2,
		identity.Endpoint{ID: nodeA, Addr: addrA},
		identity.Endpoint{ID: nodeB, Addr: altAddr},
	))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a.log.has(nodeB, connection.StateClosed, ReasonEndpointChanged) &&
			a.rec.State(nodeB) == connection.StateConnected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("endpoint change did not produce close + reconnect")
}

// acceptForever feeds an extra listener's connections into the reconciler
// the way its primary accept loop does.
func acceptForever(r *Reconciler, l *testutil.MockListener) {
	ctx := context.Background()
	for {
		tc, id, err := l.Accept(ctx)
		if err != nil {
			return
		}
		r.do(func() { r.handleInbound(tc, id) })
	}
}

func lastGeneration(log *eventLog, id identity.NodeID, state connection.State) uint64 {
	var gen uint64
	for _, ev := range log.snapshot() {
		if ev.ID == id && ev.State == state {
			gen = ev.Generation
		}
	}
	return gen
}

func TestIdenticalSnapshotIsNoOp(t *testing.T) {
	net := testutil.NewNetwork()
	a := newNode(t, net, nodeA, addrA, mux.Handlers{})
	b := newNode(t, net, nodeB, addrB, mux.Handlers{})

	snap := fullMembership(1)
	a.src.Publish(snap)
	b.src.Publish(snap)
	waitForState(t, a.rec, nodeB, connection.StateConnected)

	before := len(a.log.snapshot())
	a.src.Publish(fullMembership(2)) // same membership, new version
	time.Sleep(150 * time.Millisecond)

	if after := len(a.log.snapshot()); after != before {
		t.Errorf("re-applying identical membership emitted %d events", after-before)
	}
	if a.rec.State(nodeB) != connection.StateConnected {
		t.Errorf("state after no-op re-apply = %s", a.rec.State(nodeB))
	}
}

func TestRedialAfterRemoteFailure(t *testing.T) {
	net := testutil.NewNetwork()
	a := newNode(t, net, nodeA, addrA, mux.Handlers{})
	b := newNode(t, net, nodeB, addrB, mux.Handlers{})

	snap := fullMembership(1)
	a.src.Publish(snap)
	b.src.Publish(snap)
	waitForState(t, a.rec, nodeB, connection.StateConnected)
	gen1 := lastGeneration(a.log, nodeB, connection.StateConnected)

	// Tear down whatever transport currently backs the peer, as a network
	// fault would.
	failLive(t, a.rec, nodeB, errors.New("injected fault"))

	// A disconnect event, then a fresh Connected at a higher generation.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if g := lastGeneration(a.log, nodeB, connection.StateConnected); g > gen1 {
			waitForState(t, a.rec, nodeB, connection.StateConnected)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("peer did not reconnect past generation %d", gen1)
}

// failLive injects a transport fault into the peer's current connection.
func failLive(t *testing.T, r *Reconciler, id identity.NodeID, fault error) {
	t.Helper()
	done := make(chan struct{})
	r.do(func() {
		defer close(done)
		ps, ok := r.peers[id]
		if !ok || ps.conn == nil {
			t.Error("no live connection to fail")
			return
		}
		if mc, ok := ps.conn.Transport().(*testutil.MockConn); ok {
			mc.Fail(fault)
		} else {
			t.Error("unexpected transport type")
		}
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fault injection command never ran")
	}
}

func TestStopDrainsAndCloses(t *testing.T) {
	net := testutil.NewNetwork()
	a := newNode(t, net, nodeA, addrA, mux.Handlers{})
	b := newNode(t, net, nodeB, addrB, mux.Handlers{})

	snap := fullMembership(1)
	a.src.Publish(snap)
	b.src.Publish(snap)
	waitForState(t, a.rec, nodeB, connection.StateConnected)

	a.rec.Stop()

	if st := a.rec.State(nodeB); st != connection.StateClosed {
		t.Errorf("state after Stop = %s, want Closed", st)
	}
	if _, ok := a.rec.Lookup(nodeB); ok {
		t.Error("live mux survived Stop")
	}
	if !a.log.has(nodeB, connection.StateClosing, ReasonNone) {
		t.Error("no Closing event during drain")
	}
	if !a.log.has(nodeB, connection.StateClosed, ReasonShutdown) {
		t.Error("no Closed/shutdown event")
	}

	// Idempotent.
	a.rec.Stop()
}

func TestGlareLeavesOneLiveConnection(t *testing.T) {
	net := testutil.NewNetwork()
	echo := mux.Handlers{
		Request: func(_ context.Context, _ identity.NodeID, p []byte) ([]byte, error) {
			return p, nil
		},
	}
	a := newNode(t, net, nodeA, addrA, echo)
	b := newNode(t, net, nodeB, addrB, echo)

	// Publish simultaneously so both sides dial each other.
	snap := fullMembership(1)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.src.Publish(snap) }()
	go func() { defer wg.Done(); b.src.Publish(snap) }()
	wg.Wait()

	waitForState(t, a.rec, nodeB, connection.StateConnected)
	waitForState(t, b.rec, nodeA, connection.StateConnected)

	// Requests flow in both directions over whichever connection won.
	for _, pair := range []struct {
		from *Reconciler
		to   identity.NodeID
	}{{a.rec, nodeB}, {b.rec, nodeA}} {
		m, ok := pair.from.Lookup(pair.to)
		if !ok {
			t.Fatalf("no live mux toward %s", pair.to.Short())
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		resp, err := m.OpenRequest(ctx, []byte("ping"))
		cancel()
		if err != nil {
			t.Fatalf("request toward %s: %v", pair.to.Short(), err)
		}
		if !bytes.Equal(resp, []byte("ping")) {
			t.Errorf("echo mismatch: %q", resp)
		}
	}
}

func TestGenerationIncreasesAcrossEndpointChange(t *testing.T) {
	net := testutil.NewNetwork()
	a := newNode(t, net, nodeA, addrA, mux.Handlers{})
	b := newNode(t, net, nodeB, addrB, mux.Handlers{})

	altAddr := "127.0.0.1:7022"
	altListener := net.Listen(altAddr, nodeB)
	defer altListener.Close()
	go acceptForever(b.rec, altListener)

	snap := fullMembership(1)
	a.src.Publish(snap)
	b.src.Publish(snap)
	waitForState(t, a.rec, nodeB, connection.StateConnected)
	gen1 := lastGeneration(a.log, nodeB, connection.StateConnected)

	// Same identity, new address. The peer's bookkeeping is rebuilt, but
	// its generation counter must keep climbing or consumers could not
	// order the new connection's events against the stale ones.
	a.src.Publish(snapshotOf(2,
		identity.Endpoint{ID: nodeA, Addr: addrA},
		identity.Endpoint{ID: nodeB, Addr: altAddr},
	))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if g := lastGeneration(a.log, nodeB, connection.StateConnected); g > gen1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("generation stuck at %d after endpoint change", gen1)
}

func TestAuthFailureRejectsThenRecovers(t *testing.T) {
	net := testutil.NewNetwork()
	a := newNode(t, net, nodeA, addrA, mux.Handlers{})

	// Something answers at B's address under the wrong identity, so every
	// dial fails authentication inside the handshake.
	imposter := net.Listen(addrB, nodeC)

	a.src.Publish(fullMembership(1))

	deadline := time.Now().Add(5 * time.Second)
	for a.log.count(nodeB, connection.StateRejected, ReasonAuthFailed) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("saw %d auth rejections, want at least 3",
				a.log.count(nodeB, connection.StateRejected, ReasonAuthFailed))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if a.log.has(nodeB, connection.StateClosed, ReasonAuthFailed) {
		t.Error("auth failure surfaced as Closed, want Rejected")
	}

	// The real node takes over the address; the next redial succeeds.
	imposter.Close()
	b := newNode(t, net, nodeB, addrB, mux.Handlers{})
	b.src.Publish(fullMembership(1))
	waitForState(t, a.rec, nodeB, connection.StateConnected)
	gen1 := lastGeneration(a.log, nodeB, connection.StateConnected)

	// Once the connection outlives the stability window, the failure
	// streak (auth included) resets on the next fault.
	time.Sleep(100 * time.Millisecond)
	failLive(t, a.rec, nodeB, errors.New("injected fault"))

	deadline = time.Now().Add(3 * time.Second)
	for lastGeneration(a.log, nodeB, connection.StateConnected) <= gen1 {
		if time.Now().After(deadline) {
			t.Fatal("peer did not reconnect after injected fault")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	a.rec.do(func() {
		defer close(done)
		ps, ok := a.rec.peers[nodeB]
		if !ok {
			t.Error("no peer record after recovery")
			return
		}
		if n := ps.backoff.Failures(); n != 1 {
			t.Errorf("failure streak after stable connection = %d, want 1", n)
		}
		if n := ps.backoff.AuthFailures(); n != 0 {
			t.Errorf("auth failure streak after stable connection = %d, want 0", n)
		}
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("backoff inspection never ran")
	}
}

// recordingMonitor counts rejection classifications.
type recordingMonitor struct {
	mu         sync.Mutex
	rejections map[string]int
}

func (m *recordingMonitor) PeerState(identity.NodeID, connection.State) {}
func (m *recordingMonitor) DialAttempt(bool)                            {}
func (m *recordingMonitor) Disconnect(string)                           {}

func (m *recordingMonitor) Rejection(reason string) {
	m.mu.Lock()
	if m.rejections == nil {
		m.rejections = make(map[string]int)
	}
	m.rejections[reason]++
	m.mu.Unlock()
}

func (m *recordingMonitor) rejected(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejections[reason]
}

func TestInboundAuthFailureCountsRejection(t *testing.T) {
	net := testutil.NewNetwork()
	log := &eventLog{}
	mon := &recordingMonitor{}
	listener := net.Listen(addrA, nodeA)
	rec := New(Config{
		LocalID:  nodeA,
		Dialer:   net.Dialer(nodeA),
		Listener: listener,
		Monitor:  mon,
		Emit:     log.add,
	})
	src := topology.NewStaticSource(8)
	rec.Start(src.Snapshots())
	t.Cleanup(func() {
		rec.Stop()
		listener.Close()
		src.Close()
	})

	listener.InjectError(&connection.AuthError{
		Got:   nodeC,
		Cause: errors.New("bad certificate"),
	})

	deadline := time.Now().Add(3 * time.Second)
	for !log.has(nodeC, connection.StateRejected, ReasonAuthFailed) {
		if time.Now().After(deadline) {
			t.Fatal("inbound auth failure emitted no Rejected event")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := mon.rejected(string(ReasonAuthFailed)); n != 1 {
		t.Errorf("auth rejections counted = %d, want 1", n)
	}
}

func TestIdleTimeoutDisconnectReason(t *testing.T) {
	net := testutil.NewNetwork()
	a := newNode(t, net, nodeA, addrA, mux.Handlers{})
	b := newNode(t, net, nodeB, addrB, mux.Handlers{})

	snap := fullMembership(1)
	a.src.Publish(snap)
	b.src.Publish(snap)
	waitForState(t, a.rec, nodeB, connection.StateConnected)

	failLive(t, a.rec, nodeB, &quic.IdleTimeoutError{})

	deadline := time.Now().Add(3 * time.Second)
	for !a.log.has(nodeB, connection.StateClosed, ReasonIdleTimeout) {
		if time.Now().After(deadline) {
			t.Fatal("idle timeout was not classified as idle_timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
