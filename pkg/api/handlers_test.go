package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/passivetap/pkg/core"
	"github.com/irctrakz/passivetap/pkg/metrics"
	"github.com/irctrakz/passivetap/pkg/passive"
	"github.com/irctrakz/passivetap/pkg/stack"
)

type fixedStack stack.Stats

func (f fixedStack) Stats() stack.Stats { return stack.Stats(f) }

type fakeSource struct{ m core.CaptureMetrics }

func (f fakeSource) Name() string { return "eth0" }
func (f fakeSource) Metrics() core.CaptureMetrics { return f.m }
func (f fakeSource) Close() error { return nil }

func setupRouter(t *testing.T, h *Handlers) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, h, "/metrics")
	return r
}

func newWorker(t *testing.T, ms *stack.MockStack) *passive.Worker {
	t.Helper()
	w := passive.NewWorker(core.InterfaceConfig{Name: "eth0", Type: core.CapturePcap, Alias: "pcap0", CDom: 1})
	_, err := w.AddListener(ms, core.ListenerConfig{Address: "10.0.0.1", Port: core.IntPtr(80)}, passive.Options{})
	require.NoError(t, err)
	return w
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	w := newWorker(t, stack.NewMockStack())
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	h := &Handlers{Workers: []*passive.Worker{w}, Started: time.Now()}
	r := setupRouter(t, h)

	resp := get(r, "/health")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"status":"ok"`)

	cancel()
	w.Wait()
	resp = get(r, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Contains(t, resp.Body.String(), `"interfaces":0`)
}

func TestGetStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	m.Accepted("pcap0")
	m.BytesRead("pcap0", "server", 42)

	h := &Handlers{
		Metrics: m,
		Stack:   fixedStack{Packets: 9, FlowsAccepted: 1},
		Sources: []core.PacketSource{fakeSource{m: core.CaptureMetrics{PacketsReceived: 9}}},
	}
	resp := get(setupRouter(t, h), "/api/stats")
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Connections metrics.Snapshot               `json:"connections"`
		Stack       stack.Stats                    `json:"stack"`
		Capture     map[string]core.CaptureMetrics `json:"capture"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, uint64(1), body.Connections.Accepts)
	assert.Equal(t, uint64(42), body.Connections.BytesRead)
	assert.Equal(t, uint64(9), body.Stack.Packets)
	assert.Equal(t, uint64(9), body.Capture["eth0"].PacketsReceived)
}

func TestGetInterfaces(t *testing.T) {
	ms := stack.NewMockStack()
	w := newWorker(t, ms)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		w.Wait()
	}()
	w.Start(ctx)

	resp := get(setupRouter(t, &Handlers{Workers: []*passive.Worker{w}}), "/api/interfaces")
	require.Equal(t, http.StatusOK, resp.Code)

	var out []passive.InterfaceStats
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "pcap0", out[0].Alias)
	assert.True(t, out[0].Running)
	require.Len(t, out[0].Listeners, 1)
	assert.Equal(t, "10.0.0.1:80", out[0].Listeners[0].Address)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	m.SpuriousReadiness("tun0")

	resp := get(setupRouter(t, &Handlers{Metrics: m, Gatherer: reg}), "/metrics")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, strings.Contains(resp.Body.String(), `passive_spurious_readiness_total{iface="tun0"} 1`))
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler()) }()
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
