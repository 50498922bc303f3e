package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/passivetap/pkg/capture"
	"github.com/irctrakz/passivetap/pkg/config"
	"github.com/irctrakz/passivetap/pkg/core"
	"github.com/irctrakz/passivetap/pkg/passive"
	"github.com/irctrakz/passivetap/pkg/render"
	"github.com/irctrakz/passivetap/pkg/stack"
)

type recordingStack struct {
	*stack.MockStack
	failIface string
	ifaces    []string
	aliases   []string
}

func (r *recordingStack) AddInterface(name string, cdom int) error {
	if name == r.failIface {
		return errors.New("no such device")
	}
	r.ifaces = append(r.ifaces, fmt.Sprintf("%s/%d", name, cdom))
	return nil
}

func (r *recordingStack) AddAlias(ifname string, addr netip.Addr) error {
	r.aliases = append(r.aliases, ifname+"="+addr.String())
	return nil
}

type fakeSource struct {
	name    string
	packets chan gopacket.Packet
	once    sync.Once
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{name: name, packets: make(chan gopacket.Packet)}
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Metrics() core.CaptureMetrics { return core.CaptureMetrics{} }
func (f *fakeSource) Packets() <-chan gopacket.Packet { return f.packets }
func (f *fakeSource) Close() error {
	f.once.Do(func() { close(f.packets) })
	return nil
}

func testConfig(t *testing.T, verbose int, ifaces ...core.InterfaceConfig) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Verbose = verbose
	cfg.API.Address = ""
	cfg.Interfaces = ifaces
	require.NoError(t, cfg.Validate())
	cfg.Normalize()
	return cfg
}

func listen(addr string, port int) core.ListenerConfig {
	return core.ListenerConfig{Address: addr, Port: core.IntPtr(port)}
}

func TestBuildWorkers(t *testing.T) {
	cfg := testConfig(t, 1,
		core.InterfaceConfig{Name: "eth0", Type: core.CapturePcap, Listeners: []core.ListenerConfig{
			listen("10.0.0.1", 80), listen("0.0.0.0", 443),
		}},
		core.InterfaceConfig{Name: "eth1", Type: core.CapturePcap, Listeners: []core.ListenerConfig{
			listen("10.0.1.1", 80),
		}},
	)
	st := &recordingStack{MockStack: stack.NewMockStack()}
	var out bytes.Buffer
	workers := buildWorkers(cfg, st, passive.Options{Dumper: passive.NewDumper(&out, render.Default, false)})
	defer func() {
		for _, w := range workers {
			w.Close()
		}
	}()

	require.Len(t, workers, 2)
	assert.Equal(t, 2, workers[0].Listeners())
	assert.Equal(t, []string{"pcap0/1", "pcap1/2"}, st.ifaces)
	assert.Equal(t, []string{"pcap0=10.0.0.1", "pcap1=10.0.1.1"}, st.aliases)

	text := out.String()
	assert.Contains(t, text, "Creating interface pcap0, Promiscuous INET enabled, cdom=1\n")
	assert.Contains(t, text, "Creating interface pcap1, Promiscuous INET disabled, cdom=2\n")
	assert.Contains(t, text, "Adding address 10.0.0.1 to interface pcap0\n")
	assert.NotContains(t, text, "Adding address 0.0.0.0")
	assert.Contains(t, text, "Creating passive server at 0.0.0.0:443 on interface pcap0\n")
	assert.Contains(t, text, "Listening on 10.0.1.1:80\n")
}

func TestBuildWorkersSkipsFailures(t *testing.T) {
	cfg := testConfig(t, 0,
		core.InterfaceConfig{Name: "eth0", Type: core.CapturePcap, Listeners: []core.ListenerConfig{listen("10.0.0.1", 80)}},
		core.InterfaceConfig{Name: "eth1", Type: core.CapturePcap, Listeners: []core.ListenerConfig{listen("10.0.1.1", 80)}},
	)
	st := &recordingStack{MockStack: stack.NewMockStack(), failIface: "pcap0"}
	var out bytes.Buffer
	workers := buildWorkers(cfg, st, passive.Options{Dumper: passive.NewDumper(&out, render.Default, false)})
	require.Len(t, workers, 1)
	assert.Equal(t, "eth1", workers[0].Interface().Name)
	assert.Contains(t, out.String(), "Failed to create interface pcap0 (no such device)")
	workers[0].Close()

	st = &recordingStack{MockStack: stack.NewMockStack()}
	st.FailOn("Bind", core.ErrAddrInUse)
	out.Reset()
	workers = buildWorkers(cfg, st, passive.Options{Dumper: passive.NewDumper(&out, render.Default, false)})
	assert.Empty(t, workers)
	assert.Contains(t, out.String(), "Failed to create passive server at 10.0.0.1:80 on interface pcap0")
	assert.Equal(t, 0, st.OpenSockets())
}

type upRecorder struct {
	mu  sync.Mutex
	ups []string
}

func (u *upRecorder) Up(_ context.Context, ifname string, _ stack.Source) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ups = append(u.ups, ifname)
	return nil
}

func TestStartWorkersSkipsFailedCapture(t *testing.T) {
	cfg := testConfig(t, 1,
		core.InterfaceConfig{Name: "eth0", Type: core.CapturePcap, Listeners: []core.ListenerConfig{listen("10.0.0.1", 80)}},
		core.InterfaceConfig{Name: "tun9", Type: core.CaptureTun, Listeners: []core.ListenerConfig{listen("10.0.1.1", 80)}},
	)
	ms := &recordingStack{MockStack: stack.NewMockStack()}
	var out bytes.Buffer
	dumper := passive.NewDumper(&out, render.Default, false)
	workers := buildWorkers(cfg, ms, passive.Options{Dumper: dumper})
	require.Len(t, workers, 2)

	open := func(ifc core.InterfaceConfig) (capture.Source, error) {
		if ifc.Type == core.CaptureTun {
			return nil, errors.New("operation not permitted")
		}
		return newFakeSource(ifc.Name), nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	up := &upRecorder{}
	running, sources := startWorkers(ctx, cfg, up, workers, open, dumper)
	require.Len(t, running, 1)
	require.Len(t, sources, 1)
	assert.Equal(t, []string{"pcap0"}, up.ups)

	select {
	case <-workers[1].Done():
	default:
		t.Fatal("failed interface should be closed")
	}
	assert.Contains(t, out.String(), "Failed to bring up interface tun0 (operation not permitted)")
	assert.Contains(t, out.String(), "Creating interface thread for interface pcap0")

	cancel()
	running[0].Wait()
}

func TestRunUntilCancelled(t *testing.T) {
	cfg := testConfig(t, 0,
		core.InterfaceConfig{Name: "eth0", Type: core.CapturePcap, Listeners: []core.ListenerConfig{listen("10.0.0.1", 80)}},
	)
	src := newFakeSource("eth0")
	open := func(core.InterfaceConfig) (capture.Source, error) { return src, nil }

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	errc := make(chan error, 1)
	go func() {
		errc <- runWith(ctx, cfg, passive.NewDumper(&out, render.Default, false), open, prometheus.NewRegistry(), prometheus.NewRegistry())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	_, ok := <-src.Packets()
	assert.False(t, ok, "capture source closed on shutdown")
}

func TestRunFailsWithoutInterfaces(t *testing.T) {
	cfg := testConfig(t, 0,
		core.InterfaceConfig{Name: "eth0", Type: core.CapturePcap, Listeners: []core.ListenerConfig{listen("10.0.0.1", 80)}},
	)
	open := func(core.InterfaceConfig) (capture.Source, error) { return nil, errors.New("no device") }

	var out bytes.Buffer
	err := runWith(context.Background(), cfg, passive.NewDumper(&out, render.Default, false), open, prometheus.NewRegistry(), prometheus.NewRegistry())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no interface could be started"))
}
