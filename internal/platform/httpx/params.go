package httpx

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/warocol/purchasing/internal/shared"
)

// URLUUID parses a chi URL parameter as a UUID.
func URLUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: %w", name, raw, shared.ErrValidation)
	}
	return id, nil
}

// QueryInt reads an integer query parameter, returning def when absent.
func QueryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, shared.ErrValidation)
	}
	return v, nil
}

// QueryPage reads limit and offset, clamped by shared.ClampPage. A 1-based
// page parameter, when present, takes precedence over offset.
func QueryPage(r *http.Request) (limit, offset int, err error) {
	if limit, err = QueryInt(r, "limit", shared.DefaultPageSize); err != nil {
		return 0, 0, err
	}
	if offset, err = QueryInt(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	limit, offset = shared.ClampPage(limit, offset)
	page, err := QueryInt(r, "page", 0)
	if err != nil {
		return 0, 0, err
	}
	if r.URL.Query().Has("page") {
		if page < 1 {
			return 0, 0, fmt.Errorf("invalid page %d: %w", page, shared.ErrValidation)
		}
		offset = (page - 1) * limit
	}
	return limit, offset, nil
}
