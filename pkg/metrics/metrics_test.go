package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/passivetap/pkg/passive"
	"github.com/irctrakz/passivetap/pkg/stack"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	m.ListenerFailed("pcap0", passive.StepBind)
	m.Accepted("pcap0")
	m.Accepted("pcap0")
	m.AcceptFailed("pcap0", "peer")
	m.ConnectionClosed("pcap0", "server")
	m.BytesRead("pcap0", "server", 100)
	m.BytesRead("pcap0", "client", 50)
	m.BytesRead("pcap0", "client", 0)
	m.SpuriousReadiness("pcap0")

	s := m.Snapshot()
	assert.Equal(t, uint64(2), s.Accepts)
	assert.Equal(t, uint64(1), s.AcceptFailures)
	assert.Equal(t, uint64(1), s.FailuresByReason["peer"])
	assert.Equal(t, uint64(1), s.ListenerFailures)
	assert.Equal(t, uint64(1), s.FailuresByStep["bind"])
	assert.Equal(t, uint64(1), s.Closed)
	assert.Equal(t, int64(3), s.Active)
	assert.Equal(t, uint64(150), s.BytesRead)
	assert.Equal(t, uint64(50), s.BytesByRole["client"])
	assert.Equal(t, uint64(1), s.Spurious)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveConnections.WithLabelValues("pcap0")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.BytesReadTotal.WithLabelValues("pcap0", "server")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AcceptFailuresTotal.WithLabelValues("pcap0", "peer")))
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())
	m.AcceptFailed("tun0", "attach")
	s := m.Snapshot()
	s.FailuresByReason["attach"] = 99
	assert.Equal(t, uint64(1), m.Snapshot().FailuresByReason["attach"])
}

func TestRegisterStack(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)
	m.RegisterStack(func() stack.Stats { return stack.Stats{Packets: 7, FlowsIgnored: 2} })

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP passive_stack_packets_total Frames handed to the stack
# TYPE passive_stack_packets_total counter
passive_stack_packets_total 7
# HELP passive_stack_flows_ignored_total Flows matching no listener
# TYPE passive_stack_flows_ignored_total counter
passive_stack_flows_ignored_total 2
`), "passive_stack_packets_total", "passive_stack_flows_ignored_total")
	assert.NoError(t, err)
}

func TestSendSnapshotRemoteWrite(t *testing.T) {
	got := make(chan *prompb.WriteRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
			return
		}
		assert.Equal(t, "application/x-protobuf", r.Header.Get("Content-Type"))
		assert.Equal(t, "snappy", r.Header.Get("Content-Encoding"))
		raw, err := snappy.Decode(nil, body)
		if err != nil {
			t.Errorf("snappy decode: %v", err)
			return
		}
		var req prompb.WriteRequest
		if err := req.Unmarshal(raw); err != nil {
			t.Errorf("unmarshal write request: %v", err)
			return
		}
		got <- &req
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := &http.Client{Timeout: time.Second}
	err := sendSnapshot(context.Background(), client, server.URL, Snapshot{
		Accepts:     3,
		BytesRead:   10,
		BytesByRole: map[string]uint64{"server": 10},
	})
	require.NoError(t, err)

	select {
	case req := <-got:
		require.Len(t, req.Timeseries, 8)
		assert.Equal(t, "passive_accepts_total", req.Timeseries[0].Labels[0].Value)
		assert.Equal(t, 3.0, req.Timeseries[0].Samples[0].Value)
		last := req.Timeseries[7]
		assert.Equal(t, []prompb.Label{{Name: "__name__", Value: "passive_bytes_read_total"}, {Name: "role", Value: "server"}}, last.Labels)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for remote write")
	}
}

func TestSendSnapshotRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := sendSnapshot(context.Background(), server.Client(), server.URL, Snapshot{})
	assert.Error(t, err)
}

func TestStartRemoteWriteDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartRemoteWrite(ctx, "", time.Millisecond, NewWithRegistry(prometheus.NewRegistry()))
}
