// Package dtrace wraps the small part of OpenTelemetry tracing
// that dgrid uses, so that other packages only import dtrace.
package dtrace

import (
	"fmt"

	otelattr "go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	otelnoop "go.opentelemetry.io/otel/trace/noop"
)

type TracerProvider = oteltrace.TracerProvider

type Tracer = oteltrace.Tracer

type Span = oteltrace.Span

type KeyValueAttr = otelattr.KeyValue

// NopTracerProvider returns the otel no-op tracer provider.
// This is intended to use as a fallback when a nil tracer provider is given.
func NopTracerProvider() TracerProvider {
	return otelnoop.NewTracerProvider()
}

// TracerOrNop returns a tracer named name from tp,
// or from the no-op provider if tp is nil.
func TracerOrNop(tp TracerProvider, name string) Tracer {
	if tp == nil {
		tp = NopTracerProvider()
	}
	return tp.Tracer(name)
}

// WithAttributes is an alias to [oteltrace.WithAttributes]
// to allow consumers to only reference the dtrace package.
func WithAttributes(attrs ...KeyValueAttr) oteltrace.SpanStartEventOption {
	return oteltrace.WithAttributes(attrs...)
}

// SpanError sets the given span to error status,
// with detail from err.Error().
func SpanError(span Span, err error) {
	span.SetStatus(otelcodes.Error, err.Error())
}

// ConnAttr returns an attribute describing a connection handle.
// The String method is only evaluated if the span is sampled.
func ConnAttr(conn fmt.Stringer) KeyValueAttr {
	if conn == nil {
		return otelattr.String("conn", "<nil>")
	}
	return otelattr.Stringer("conn", conn)
}

// CountAttr returns an integer attribute under the given key.
func CountAttr(key string, n int) KeyValueAttr {
	return otelattr.Int(key, n)
}

// ErrorAttr returns an attribute with the key "err"
// and the lazily evaluated value of err's Error() method.
func ErrorAttr(err error) KeyValueAttr {
	return otelattr.Stringer("err", errStringer{err: err})
}

type errStringer struct {
	err error
}

func (e errStringer) String() string {
	return e.err.Error()
}
