package scheduler

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics provides OpenTelemetry instruments for transfer throughput,
// shared by the pull and push orchestrators through their Scheduler.
type Metrics struct {
	meter           metric.Meter
	bytesTotal      metric.Int64Counter
	durationSeconds metric.Float64Histogram
	inflight        metric.Int64ObservableGauge
}

// NewMetrics creates the scheduler's transfer instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	bytesTotal, err := meter.Int64Counter(
		"lume_transfer_bytes_total",
		metric.WithDescription("Total compressed blob bytes transferred"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	durationSeconds, err := meter.Float64Histogram(
		"lume_transfer_duration_seconds",
		metric.WithDescription("Duration of a scheduled chunk transfer"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	inflight, err := meter.Int64ObservableGauge(
		"lume_transfer_inflight",
		metric.WithDescription("Number of chunk transfers currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		meter:           meter,
		bytesTotal:      bytesTotal,
		durationSeconds: durationSeconds,
		inflight:        inflight,
	}, nil
}

// attachInflight ties the inflight gauge to s's live count. Called
// from Scheduler.SetMetrics so callers never register it themselves.
func (m *Metrics) attachInflight(s *Scheduler) error {
	_, err := m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.inflight, s.InflightCount())
			return nil
		},
		m.inflight,
	)
	return err
}

func (m *Metrics) recordBytes(ctx context.Context, direction, mediaType string, n int64) {
	if n <= 0 {
		return
	}
	m.bytesTotal.Add(ctx, n, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("media_type", mediaType),
	))
}

func (m *Metrics) recordDuration(ctx context.Context, direction, outcome string, seconds float64) {
	m.durationSeconds.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("outcome", outcome),
	))
}
