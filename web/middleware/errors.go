package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"

	"github.com/adamwoolhether/dlstream/web/errs"
	"github.com/adamwoolhether/dlstream/web/mux"
)

// Errors turns errors returned by the handler chain into JSON responses.
// Validation failures become 422. Errors that are not *errs.Error are
// logged and reported as a bare 500.
func Errors(log *slog.Logger) mux.Middleware {
	m := func(handler mux.Handler) mux.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			err := handler(ctx, w, r)
			if err == nil {
				return nil
			}

			reqLog := log.With("trace_id", mux.GetTraceID(ctx))

			if fieldErr, ok := errors.AsType[errs.FieldErrors](err); ok {
				reqLog.Info("request invalid", "fields", fieldErr.JSON())
				return mux.RespondJSON(ctx, w, http.StatusUnprocessableEntity, fieldErr)
			}

			appErr, ok := errors.AsType[*errs.Error](err)
			if !ok {
				appErr = errs.NewInternal(err)
			}

			reqLog.Error(err.Error(), "source_err_file", path.Base(appErr.FileName), "source_err_func", path.Base(appErr.FuncName))

			if appErr.IsInternal() {
				appErr = &errs.Error{Code: appErr.Code, Message: http.StatusText(appErr.Code)}
			}

			return mux.RespondJSON(ctx, w, appErr.Code, appErr)
		}

		return h
	}

	return m
}
