package mux

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type ctxKey struct{}

// RequestValues is the per-request state the middleware reports on. The
// handler goroutine owns it until the handler returns.
type RequestValues struct {
	TraceID    string
	Start      time.Time
	Tracer     trace.Tracer
	StatusCode int

	// SessionID is set by handlers that hand the connection to a
	// long-lived session.
	SessionID string
}

// Upgraded reports whether the handler switched protocols.
func (v *RequestValues) Upgraded() bool {
	return v.StatusCode == http.StatusSwitchingProtocols
}

// FromContext returns the request's values. Outside a request it returns
// detached values carrying the nil uuid and a no-op tracer.
func FromContext(ctx context.Context) *RequestValues {
	if v, ok := lookup(ctx); ok {
		return v
	}

	return &RequestValues{
		TraceID: uuid.Nil.String(),
		Tracer:  noop.NewTracerProvider().Tracer(""),
		Start:   time.Now(),
	}
}

// SetStatusCode records the status written for the request.
func SetStatusCode(ctx context.Context, statusCode int) {
	if v, ok := lookup(ctx); ok {
		v.StatusCode = statusCode
	}
}

// SetSessionID ties the request to the session serving it.
func SetSessionID(ctx context.Context, id string) {
	if v, ok := lookup(ctx); ok {
		v.SessionID = id
	}
}

// GetTraceID returns the request's trace ID.
func GetTraceID(ctx context.Context) string {
	return FromContext(ctx).TraceID
}

// AddSpan starts a child span on the request's tracer. Outside a request
// it returns the span already in ctx.
func AddSpan(ctx context.Context, spanName string, keyValues ...attribute.KeyValue) (context.Context, trace.Span) {
	v, ok := lookup(ctx)
	if !ok || v.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return v.Tracer.Start(ctx, spanName, trace.WithAttributes(keyValues...))
}

func lookup(ctx context.Context) (*RequestValues, bool) {
	v, ok := ctx.Value(ctxKey{}).(*RequestValues)
	return v, ok
}

func withValues(ctx context.Context, v *RequestValues) context.Context {
	return context.WithValue(ctx, ctxKey{}, v)
}
