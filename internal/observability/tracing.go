package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zmcp/odata-client/internal/debug"
	"github.com/zmcp/odata-client/internal/models"
)

// Tracer wraps an OpenTelemetry tracer with client span helpers
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer using the given TracerProvider
func NewTracer(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(TracerName)}
}

// StartRequest starts a client span for one request descriptor. Credentials
// in the URI are masked.
func (t *Tracer) StartRequest(ctx context.Context, desc models.RequestDescriptor) (context.Context, trace.Span) {
	method := desc.Method
	if method == "" {
		method = "GET"
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.url", debug.MaskURL(desc.URI)),
		attribute.Bool(AttrSingle, desc.Single),
	}
	if desc.EntitySet != "" {
		attrs = append(attrs, EntitySetAttr(desc.EntitySet))
	}
	return t.tracer.Start(ctx, "odata.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))
}

// StartPaging starts the parent span of a multi-page read
func (t *Tracer) StartPaging(ctx context.Context, entitySet string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "odata.pages", trace.WithAttributes(EntitySetAttr(entitySet)))
}

// StartBatch starts a span for a $batch call
func (t *Tracer) StartBatch(ctx context.Context, requestCount int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "odata.batch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(BatchSizeAttr(requestCount)))
}

// SetHTTPStatus records the response status on the span
func (t *Tracer) SetHTTPStatus(span trace.Span, statusCode int) {
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
}

// RecordPage annotates span with the outcome of a decoded page
func (t *Tracer) RecordPage(span trace.Span, page *models.ResponsePage) {
	if page == nil {
		return
	}
	span.SetAttributes(
		ResultCountAttr(len(page.Entities)),
		attribute.Bool(AttrHasNextLink, page.HasMore()),
	)
}

// RecordError records an error on the span
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String(AttrErrorType, ErrorType(err)))
		span.SetStatus(codes.Error, err.Error())
	}
}

// LoggerWithTrace returns a logger enriched with the span's trace context
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", span.SpanContext().TraceID().String()),
		slog.String("span_id", span.SpanContext().SpanID().String()),
	)
}
