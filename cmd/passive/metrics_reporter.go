package main

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/irctrakz/passivetap/pkg/api"
	"github.com/irctrakz/passivetap/pkg/core"
	"github.com/irctrakz/passivetap/pkg/logging"
	"github.com/irctrakz/passivetap/pkg/metrics"
)

type metricsSnapshot struct {
	Timestamp string                       `json:"ts"`
	Conn      map[string]uint64            `json:"conn"`
	Active    int64                        `json:"active"`
	Stack     map[string]uint64            `json:"stack"`
	Capture   map[string]map[string]uint64 `json:"capture"`
	RT        map[string]uint64            `json:"rt"`
	Srv       map[string]uint64            `json:"srv_limits"`
}

func runMetricsReporter(ctx context.Context, interval time.Duration, format string, m *metrics.Metrics, st api.StackStats, sources []core.PacketSource) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		logging.Infof("%s", formatMetrics(collectMetrics(m, st, sources), format))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func collectMetrics(m *metrics.Metrics, st api.StackStats, sources []core.PacketSource) metricsSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := m.Snapshot()
	ss := st.Stats()
	out := metricsSnapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Conn: map[string]uint64{
			"accepts":        snap.Accepts,
			"accept_fail":    snap.AcceptFailures,
			"listener_fail":  snap.ListenerFailures,
			"closed":         snap.Closed,
			"bytes":          snap.BytesRead,
			"bytes_server":   snap.BytesByRole["server"],
			"bytes_client":   snap.BytesByRole["client"],
			"spurious_ready": snap.Spurious,
		},
		Active: snap.Active,
		Stack: map[string]uint64{
			"packets":      ss.Packets,
			"non_tcp":      ss.NonTCP,
			"flows_ok":     ss.FlowsAccepted,
			"flows_ign":    ss.FlowsIgnored,
			"hs_timeouts":  ss.HandshakeTimeouts,
			"backlog_drop": ss.BacklogDrops,
			"delivered":    ss.BytesDelivered,
			"dropped":      ss.BytesDropped,
			"skipped":      ss.BytesSkipped,
		},
		Capture: make(map[string]map[string]uint64, len(sources)),
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
		Srv: buildServerLimits(),
	}
	for _, src := range sources {
		cm := src.Metrics()
		out.Capture[src.Name()] = map[string]uint64{
			"pkts":       cm.PacketsReceived,
			"bytes":      cm.BytesReceived,
			"decode_err": cm.DecodeErrors,
			"err":        cm.Errors,
		}
	}
	return out
}

func formatMetrics(snap metricsSnapshot, format string) string {
	if format == "json" {
		b, _ := json.Marshal(snap)
		return "metrics: " + string(b)
	}

	var capPkts, capErr uint64
	for _, c := range snap.Capture {
		capPkts += c["pkts"]
		capErr += c["err"] + c["decode_err"]
	}
	return "metrics: ts=" + snap.Timestamp +
		" | conn: acc=" + u(snap.Conn["accepts"]) + "/" + u(snap.Conn["accept_fail"]) +
		" act=" + strconv.FormatInt(snap.Active, 10) +
		" closed=" + u(snap.Conn["closed"]) +
		" bytes=" + u(snap.Conn["bytes_server"]) + "/" + u(snap.Conn["bytes_client"]) +
		" spurious=" + u(snap.Conn["spurious_ready"]) +
		" | stack: pkts=" + u(snap.Stack["packets"]) +
		" flows=" + u(snap.Stack["flows_ok"]) + "/" + u(snap.Stack["flows_ign"]) +
		" hsto=" + u(snap.Stack["hs_timeouts"]) +
		" drop=" + u(snap.Stack["backlog_drop"]) + "/" + u(snap.Stack["dropped"]) +
		" | cap: pkts=" + u(capPkts) + " err=" + u(capErr) +
		" | srv: fds=" + u(snap.Srv["open_fds"]) + "/" + u(snap.Srv["nofile_soft"]) +
		" | rt: heap=" + u(snap.RT["heap_alloc"]/(1024*1024)) + "Mi gor=" + u(snap.RT["goroutines"]) +
		" gc=" + u(snap.RT["num_gc"])
}

func u(v uint64) string { return strconv.FormatUint(v, 10) }

// buildServerLimits collects best-effort process limits that bound how many
// flows can be observed.
func buildServerLimits() map[string]uint64 {
	out := map[string]uint64{}
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err == nil {
		out["nofile_soft"] = uint64(rl.Cur)
		out["nofile_hard"] = uint64(rl.Max)
	}
	if ents, err := os.ReadDir("/proc/self/fd"); err == nil {
		out["open_fds"] = uint64(len(ents))
	}
	if v, ok := readUint("/proc/sys/net/core/rmem_max"); ok {
		out["rmem_max"] = v
	}
	return out
}

func readUint(path string) (uint64, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
