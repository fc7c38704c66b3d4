// Package metrics defines the OpenTelemetry instruments recorded by the
// streaming session. Tests build their own [Metrics] over a manual reader;
// the CLI can export the global provider for Prometheus scraping.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "clio"

// Metrics holds every instrument. All fields are safe for concurrent use.
type Metrics struct {
	// ConnectDuration is time from connect start to socket ready.
	// Attributes: conn (fresh|reused|standby).
	ConnectDuration metric.Float64Histogram

	// FinalizeDuration is time from stop to final transcript.
	// Attributes: path (end_early|end_late|fin|skip_end|skip_heuristic|timeout|disconnected|cancel).
	FinalizeDuration metric.Float64Histogram

	// Reconnects counts recoveries. Attributes: reason.
	Reconnects metric.Int64Counter

	// Rebuilds counts full transport rebuilds. Attributes: reason.
	Rebuilds metric.Int64Counter

	// QueueDrops counts frames discarded by the queue ceiling.
	QueueDrops metric.Int64Counter

	// BytesSent counts PCM bytes handed to the socket.
	BytesSent metric.Int64Counter

	// TransportFailures counts classified failures. Attributes: kind.
	TransportFailures metric.Int64Counter

	// LateFinals counts final tokens arriving inside the guard window after
	// an optimistic skip.
	LateFinals metric.Int64Counter
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 2, 5, 12,
}

func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("clio.connect.duration",
		metric.WithDescription("Time from connect start to socket ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FinalizeDuration, err = m.Float64Histogram("clio.finalize.duration",
		metric.WithDescription("Time from stop to final transcript by completion path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("clio.reconnects",
		metric.WithDescription("Mid-session reconnects by reason."),
	); err != nil {
		return nil, err
	}
	if met.Rebuilds, err = m.Int64Counter("clio.transport.rebuilds",
		metric.WithDescription("Full transport rebuilds by reason."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("clio.queue.dropped",
		metric.WithDescription("Frames discarded by the send queue ceiling."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("clio.audio.sent",
		metric.WithDescription("PCM bytes queued for the socket."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.TransportFailures, err = m.Int64Counter("clio.transport.failures",
		metric.WithDescription("Transport failures by classified kind."),
	); err != nil {
		return nil, err
	}
	if met.LateFinals, err = m.Int64Counter("clio.finalize.late_finals",
		metric.WithDescription("Final tokens received after an optimistic finalize skip."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns instruments on the global meter provider.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = New(otel.GetMeterProvider())
		if err != nil {
			panic("metrics: creating default instruments: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordConnect(ctx context.Context, conn string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("conn", conn)))
}

func (m *Metrics) RecordFinalize(ctx context.Context, path string, d time.Duration) {
	m.FinalizeDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("path", path)))
}

func (m *Metrics) RecordReconnect(ctx context.Context, reason string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordRebuild(ctx context.Context, reason string) {
	m.Rebuilds.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordQueueDrop(ctx context.Context, items int) {
	m.QueueDrops.Add(ctx, int64(items))
}

func (m *Metrics) RecordBytesSent(ctx context.Context, n int) {
	m.BytesSent.Add(ctx, int64(n))
}

func (m *Metrics) RecordTransportFailure(ctx context.Context, kind string) {
	m.TransportFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordLateFinals(ctx context.Context, n int) {
	if n > 0 {
		m.LateFinals.Add(ctx, int64(n))
	}
}
