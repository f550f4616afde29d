package services

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	searches     metric.Int64Counter
	cacheHits    metric.Int64Counter
	dedupJoins   metric.Int64Counter
	backendCalls metric.Int64Counter
	quotaDenied  metric.Int64Counter
}

func newMetrics(m metric.Meter) (*metrics, error) {
	var (
		out metrics
		err error
	)
	if out.searches, err = m.Int64Counter("priceagg.searches",
		metric.WithDescription("Searches and details lookups served"),
	); err != nil {
		return nil, err
	}
	if out.cacheHits, err = m.Int64Counter("priceagg.cache.hits",
		metric.WithDescription("Requests answered from the result cache"),
	); err != nil {
		return nil, err
	}
	if out.dedupJoins, err = m.Int64Counter("priceagg.dedup.joins",
		metric.WithDescription("Requests that joined an in-flight identical request"),
	); err != nil {
		return nil, err
	}
	if out.backendCalls, err = m.Int64Counter("priceagg.backend.calls",
		metric.WithDescription("Backend calls by outcome"),
	); err != nil {
		return nil, err
	}
	if out.quotaDenied, err = m.Int64Counter("priceagg.quota.rejections",
		metric.WithDescription("Requests refused by the quota governor"),
	); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *metrics) request(ctx context.Context, kind string, counter metric.Int64Counter) {
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *metrics) call(ctx context.Context, backend, outcome string) {
	m.backendCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("outcome", outcome),
	))
}
