// Package observability provides OpenTelemetry spans and metrics around
// client calls.
//
// Instrumentation is opt-in: without providers, no-op implementations are used.
package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/zmcp/odata-client/internal/models"
)

// Instrumentation identity
const (
	TracerName = "github.com/zmcp/odata-client"
	MeterName  = "github.com/zmcp/odata-client"
)

// Attribute keys
const (
	AttrEntitySet   = "odata.entity_set"
	AttrSingle      = "odata.single"
	AttrPage        = "odata.page"
	AttrResultCount = "odata.result.count"
	AttrHasNextLink = "odata.has_next_link"
	AttrBatchSize   = "odata.batch.size"
	AttrErrorType   = "odata.error.type"
)

// Error types reported on spans and the error counter
const (
	ErrValidation  = "validation"
	ErrUnsupported = "unsupported_expression"
	ErrTransport   = "transport"
	ErrProtocol    = "protocol"
	ErrDecode      = "decode"
	ErrCanceled    = "canceled"
	ErrOther       = "other"
)

// Instruments bundles the tracer and metrics a session reports to
type Instruments struct {
	Tracer  *Tracer
	Metrics *Metrics
}

// New creates instruments from the given providers. Nil providers fall back
// to no-op implementations.
func New(tp trace.TracerProvider, mp metric.MeterProvider) *Instruments {
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	return &Instruments{
		Tracer:  NewTracer(tp),
		Metrics: NewMetrics(mp),
	}
}

// Noop returns instruments that record nothing
func Noop() *Instruments {
	return New(nil, nil)
}

// ErrorType classifies err by the client's error taxonomy
func ErrorType(err error) string {
	var (
		ve *models.ValidationError
		ue *models.UnsupportedExpressionError
		te *models.TransportError
		pe *models.ProtocolError
		de *models.DecodeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ErrValidation
	case errors.As(err, &ue):
		return ErrUnsupported
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrCanceled
	case errors.As(err, &pe):
		return ErrProtocol
	case errors.As(err, &de):
		return ErrDecode
	case errors.As(err, &te):
		return ErrTransport
	}
	return ErrOther
}

// EntitySetAttr returns an attribute for the entity set name
func EntitySetAttr(name string) attribute.KeyValue {
	return attribute.String(AttrEntitySet, name)
}

// ResultCountAttr returns an attribute for the number of decoded entities
func ResultCountAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrResultCount, n)
}

// BatchSizeAttr returns an attribute for the number of batched requests
func BatchSizeAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchSize, n)
}
