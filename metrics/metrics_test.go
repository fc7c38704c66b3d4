package metrics

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := New(mp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if key == "" {
			total += dp.Value
			continue
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				total += dp.Value
			}
		}
	}
	return total
}

func TestFinalizeHistogramByPath(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFinalize(ctx, "skip_end", 120*time.Millisecond)
	m.RecordFinalize(ctx, "skip_end", 140*time.Millisecond)
	m.RecordFinalize(ctx, "fin", 900*time.Millisecond)

	met := findMetric(collect(t, reader), "clio.finalize.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("not a histogram")
	}
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		if v, ok := dp.Attributes.Value("path"); ok {
			counts[v.AsString()] = dp.Count
		}
	}
	if counts["skip_end"] != 2 || counts["fin"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordQueueDrop(ctx, 5000)
	m.RecordBytesSent(ctx, 640)
	m.RecordBytesSent(ctx, 640)
	m.RecordReconnect(ctx, "send_failure")
	m.RecordRebuild(ctx, "path_change")
	m.RecordTransportFailure(ctx, "tls")
	m.RecordLateFinals(ctx, 0)
	m.RecordLateFinals(ctx, 2)

	rm := collect(t, reader)
	for _, tt := range []struct {
		name, key, value string
		want             int64
	}{
		{"clio.queue.dropped", "", "", 5000},
		{"clio.audio.sent", "", "", 1280},
		{"clio.reconnects", "reason", "send_failure", 1},
		{"clio.transport.rebuilds", "reason", "path_change", 1},
		{"clio.transport.failures", "kind", "tls", 1},
		{"clio.finalize.late_finals", "", "", 2},
	} {
		if got := sumFor(t, rm, tt.name, tt.key, tt.value); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestConnectHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordConnect(context.Background(), "standby", 3*time.Millisecond)

	met := findMetric(collect(t, reader), "clio.connect.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("data points = %+v", hist.DataPoints)
	}
}
