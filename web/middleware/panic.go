package middleware

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/dlstream/web/mux"
)

// Panics turns a panicking handler into an error carrying the request's
// trace ID and stack, and marks the request span failed.
func Panics() mux.Middleware {
	m := func(handler mux.Handler) mux.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) (err error) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				err = fmt.Errorf("panic serving %s %s [trace %s]: %v\n%s", r.Method, r.URL.Path, mux.GetTraceID(ctx), rec, debug.Stack())

				span := trace.SpanFromContext(ctx)
				span.RecordError(err)
				span.SetStatus(codes.Error, "panic")
			}()

			return handler(ctx, w, r)
		}
		return h
	}
	return m
}
