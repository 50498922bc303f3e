package metrics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"

	"github.com/irctrakz/passivetap/pkg/logging"
)

// StartRemoteWrite pushes snapshots to a Prometheus remote write endpoint
// every interval until ctx is done. It does nothing when url is empty.
func StartRemoteWrite(ctx context.Context, url string, interval time.Duration, m *Metrics) {
	if url == "" {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(interval)
	log := logging.WithComponent("metrics").WithField("url", url)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sendSnapshot(ctx, client, url, m.Snapshot()); err != nil {
					log.WithError(err).Warn("Remote write failed")
				}
			}
		}
	}()
}

func sendSnapshot(ctx context.Context, client *http.Client, url string, snap Snapshot) error {
	now := time.Now().UnixMilli()
	series := []prompb.TimeSeries{
		newSeries("passive_accepts_total", nil, float64(snap.Accepts), now),
		newSeries("passive_accept_failures_total", nil, float64(snap.AcceptFailures), now),
		newSeries("passive_listener_failures_total", nil, float64(snap.ListenerFailures), now),
		newSeries("passive_connections_closed_total", nil, float64(snap.Closed), now),
		newSeries("passive_active_connections", nil, float64(snap.Active), now),
		newSeries("passive_bytes_read_total", nil, float64(snap.BytesRead), now),
		newSeries("passive_spurious_readiness_total", nil, float64(snap.Spurious), now),
	}
	for role, n := range snap.BytesByRole {
		series = append(series, newSeries("passive_bytes_read_total",
			[]prompb.Label{{Name: "role", Value: role}}, float64(n), now))
	}

	req := &prompb.WriteRequest{Timeseries: series}
	data, err := req.Marshal()
	if err != nil {
		return err
	}
	compressed := snappy.Encode(nil, data)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(compressed))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("remote write: unexpected status %s", resp.Status)
	}
	return nil
}

func newSeries(name string, extra []prompb.Label, value float64, ts int64) prompb.TimeSeries {
	labels := append([]prompb.Label{{Name: "__name__", Value: name}}, extra...)
	return prompb.TimeSeries{
		Labels:  labels,
		Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
	}
}
