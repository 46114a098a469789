package mux

import (
	"log/slog"
	"reflect"
	"runtime"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Option configures an App.
type Option func(*options)

type options struct {
	tracer   trace.Tracer
	logger   *slog.Logger
	globalMW []Middleware
	mw       []Middleware
}

type ordered struct {
	priority int
	fn       Middleware
}

// WithMiddleware sorts the given middleware by the function that built it.
// CORS runs globally on every request; Logger, Errors and Panics run
// per-route in that order, with any other middleware between Errors and
// Panics.
func WithMiddleware(mw ...Middleware) Option {
	var global, route []ordered

	for _, m := range mw {
		switch name(m) {
		case "CORS":
			global = append(global, ordered{priority: 1, fn: m})
		case "Logger":
			route = append(route, ordered{priority: 3, fn: m})
		case "Errors":
			route = append(route, ordered{priority: 4, fn: m})
		case "Panics":
			route = append(route, ordered{priority: 100, fn: m})
		default:
			route = append(route, ordered{priority: 5, fn: m})
		}
	}

	return func(opts *options) {
		opts.globalMW = sorted(global)
		opts.mw = sorted(route)
	}
}

// WithTracer injects the given tracer into the App.
func WithTracer(tracer trace.Tracer) Option {
	return func(opts *options) {
		opts.tracer = tracer
	}
}

// WithLogger sets the logger used by the App for internal errors.
func WithLogger(log *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = log
	}
}

func sorted(o []ordered) []Middleware {
	slices.SortStableFunc(o, func(a, b ordered) int {
		return a.priority - b.priority
	})

	out := make([]Middleware, len(o))
	for i, v := range o {
		out[i] = v.fn
	}
	return out
}

// name returns the enclosing function of a middleware closure, e.g.
// "CORS" for ".../web/middleware.CORS.func1".
func name(mw Middleware) string {
	fnName := runtime.FuncForPC(reflect.ValueOf(mw).Pointer()).Name()
	if i := strings.LastIndex(fnName, "/"); i >= 0 {
		fnName = fnName[i+1:]
	}

	parts := strings.Split(fnName, ".")
	if len(parts) >= 2 {
		return parts[1]
	}
	return fnName
}
