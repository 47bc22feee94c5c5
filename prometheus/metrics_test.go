package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetricsWithRegisterer("test", reg), reg
}

func TestNewMetricsDefaultNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegisterer("", reg)

	m.DialAttempt("success")

	got := testutil.ToFloat64(m.dialAttempts.WithLabelValues("success"))
	if got != 1 {
		t.Fatalf("dial_attempts_total{result=success} = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "meshberry_dial_attempts_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected meshberry_dial_attempts_total in default namespace")
	}
}

func TestNewMetricsNilRegisterer(t *testing.T) {
	m := NewMetricsWithRegisterer("test", nil)
	// Must not panic when unregistered.
	m.DialAttempt("failure")
	m.Backpressure()
	m.EventDropped()
}

func TestPeerStateReplacesPreviousState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.PeerState("abcd", "dialing")
	m.PeerState("abcd", "connected")

	if n := testutil.CollectAndCount(m.peerState); n != 1 {
		t.Fatalf("peer_state series count = %d, want 1", n)
	}
	got := testutil.ToFloat64(m.peerState.WithLabelValues("abcd", "connected"))
	if got != 1 {
		t.Fatalf("peer_state{peer=abcd,state=connected} = %v, want 1", got)
	}
}

func TestPeerStateIndependentPeers(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.PeerState("aaaa", "connected")
	m.PeerState("bbbb", "backoff")

	if n := testutil.CollectAndCount(m.peerState); n != 2 {
		t.Fatalf("peer_state series count = %d, want 2", n)
	}
}

func TestCountersIncrement(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.DialAttempt("success")
	m.DialAttempt("success")
	m.DialAttempt("failure")
	m.Rejection("auth_failed")
	m.Disconnect("removed")
	m.StreamOpened("request")
	m.StreamClosed("request")
	m.Backpressure()
	m.EventDropped()
	m.EventDropped()

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"dial_attempts success", testutil.ToFloat64(m.dialAttempts.WithLabelValues("success")), 2},
		{"dial_attempts failure", testutil.ToFloat64(m.dialAttempts.WithLabelValues("failure")), 1},
		{"rejections auth_failed", testutil.ToFloat64(m.rejections.WithLabelValues("auth_failed")), 1},
		{"disconnects removed", testutil.ToFloat64(m.disconnects.WithLabelValues("removed")), 1},
		{"streams_opened request", testutil.ToFloat64(m.streamsOpened.WithLabelValues("request")), 1},
		{"streams_closed request", testutil.ToFloat64(m.streamsClosed.WithLabelValues("request")), 1},
		{"backpressure", testutil.ToFloat64(m.backpressure), 1},
		{"events_dropped", testutil.ToFloat64(m.eventsDropped), 2},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestByteCountersAccumulate(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.BytesSent("request", 100)
	m.BytesSent("request", 50)
	m.BytesReceived("push", 7)

	if got := testutil.ToFloat64(m.bytesSent.WithLabelValues("request")); got != 150 {
		t.Fatalf("bytes_sent_total{kind=request} = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.bytesReceived.WithLabelValues("push")); got != 7 {
		t.Fatalf("bytes_received_total{kind=push} = %v, want 7", got)
	}
}

func TestRequestDurationObserved(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RequestDuration(0.002)
	m.RequestDuration(0.2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "test_request_duration_seconds" {
			if n := f.GetMetric()[0].GetHistogram().GetSampleCount(); n != 2 {
				t.Fatalf("sample count = %d, want 2", n)
			}
			return
		}
	}
	t.Fatal("test_request_duration_seconds not found")
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetricsWithRegisterer("test", reg)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	NewMetricsWithRegisterer("test", reg)
}
