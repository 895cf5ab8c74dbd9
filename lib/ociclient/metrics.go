package ociclient

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics provides the OpenTelemetry instrument for blob retry counts.
type Metrics struct {
	retriesTotal metric.Int64Counter
}

// NewMetrics creates the client's retry instrument.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	retriesTotal, err := meter.Int64Counter(
		"lume_blob_retries_total",
		metric.WithDescription("Total blob GET retry attempts"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{retriesTotal: retriesTotal}, nil
}

func (m *Metrics) recordRetry(ctx context.Context, digest string) {
	m.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("digest", digest)))
}
