package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/adamwoolhether/dlstream/web/mux"
)

// Logger logs each request as it arrives and as it ends. Requests handed
// to a session are logged with the session ID, and their end marks the
// session closing rather than a response being written.
func Logger(log *slog.Logger) mux.Middleware {
	m := func(handler mux.Handler) mux.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			v := mux.FromContext(ctx)

			reqLog := log.With("trace_id", v.TraceID, "method", r.Method, "path", r.URL.Path)
			reqLog.Info("request started", "query", r.URL.RawQuery, "remote_addr", r.RemoteAddr)

			err := handler(ctx, w, r)

			attrs := []any{"status_code", v.StatusCode, "elapsed", time.Since(v.Start).Round(time.Millisecond)}
			if v.SessionID != "" {
				attrs = append(attrs, "session_id", v.SessionID)
			}

			msg := "request completed"
			if v.Upgraded() {
				msg = "upgraded connection closed"
			}
			reqLog.Info(msg, attrs...)

			return err
		}

		return h
	}

	return m
}
