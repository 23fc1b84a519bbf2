package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the client metric instruments
type Metrics struct {
	requestDuration metric.Float64Histogram
	requestCount    metric.Int64Counter
	resultCount     metric.Int64Histogram
	pageCount       metric.Int64Counter
	batchSize       metric.Int64Histogram
	errorCount      metric.Int64Counter
}

// NewMetrics creates the instruments on the given MeterProvider. An
// instrument that fails to register with its options is registered bare.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	meter := mp.Meter(MeterName)
	m := &Metrics{}
	var err error

	m.requestDuration, err = meter.Float64Histogram(
		"odata.client.request.duration",
		metric.WithDescription("Duration of OData requests in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.requestDuration, _ = meter.Float64Histogram("odata.client.request.duration")
	}

	m.requestCount, err = meter.Int64Counter(
		"odata.client.request.count",
		metric.WithDescription("Total number of OData requests sent"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.requestCount, _ = meter.Int64Counter("odata.client.request.count")
	}

	m.resultCount, err = meter.Int64Histogram(
		"odata.client.result.count",
		metric.WithDescription("Number of entities decoded per page"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		m.resultCount, _ = meter.Int64Histogram("odata.client.result.count")
	}

	m.pageCount, err = meter.Int64Counter(
		"odata.client.page.count",
		metric.WithDescription("Total number of pages fetched"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		m.pageCount, _ = meter.Int64Counter("odata.client.page.count")
	}

	m.batchSize, err = meter.Int64Histogram(
		"odata.client.batch.size",
		metric.WithDescription("Number of requests in a batch"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.batchSize, _ = meter.Int64Histogram("odata.client.batch.size")
	}

	m.errorCount, err = meter.Int64Counter(
		"odata.client.error.count",
		metric.WithDescription("Total number of failed OData calls"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.errorCount, _ = meter.Int64Counter("odata.client.error.count")
	}

	return m
}

// RecordRequest records a completed transport round trip
func (m *Metrics) RecordRequest(ctx context.Context, entitySet, method string, statusCode int, duration time.Duration) {
	attrs := metric.WithAttributes(
		EntitySetAttr(entitySet),
		attribute.String("http.method", method),
		attribute.Int("http.status_code", statusCode),
	)
	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.requestCount.Add(ctx, 1, attrs)
}

// RecordPage records one decoded page
func (m *Metrics) RecordPage(ctx context.Context, entitySet string, entities int) {
	attrs := metric.WithAttributes(EntitySetAttr(entitySet))
	m.pageCount.Add(ctx, 1, attrs)
	m.resultCount.Record(ctx, int64(entities), attrs)
}

// RecordBatchSize records the size of a batch
func (m *Metrics) RecordBatchSize(ctx context.Context, size int) {
	m.batchSize.Record(ctx, int64(size))
}

// RecordError records a failed call
func (m *Metrics) RecordError(ctx context.Context, entitySet string, err error) {
	if err == nil {
		return
	}
	m.errorCount.Add(ctx, 1, metric.WithAttributes(
		EntitySetAttr(entitySet),
		attribute.String(AttrErrorType, ErrorType(err)),
	))
}
