package mux

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/adamwoolhether/dlstream/internal/validate"
)

// QueryInt64 parses the query value for key. A missing key yields def.
func QueryInt64(r *http.Request, key string, def int64) (int64, error) {
	val := r.URL.Query().Get(key)
	if val == "" {
		return def, nil
	}

	v, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("query param[%s] must be int64: %w", key, err)
	}

	return v, nil
}

// Validate checks val against its `validate` tags, returning errs.FieldErrors.
func Validate(val any) error {
	return validate.Check(val)
}
