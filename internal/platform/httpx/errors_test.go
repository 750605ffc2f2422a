package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warocol/purchasing/internal/shared"
)

type fakeTransitionErr struct{}

func (fakeTransitionErr) Error() string             { return "cannot move" }
func (fakeTransitionErr) CurrentStatus() string     { return "quotation" }
func (fakeTransitionErr) AttemptedStatus() string   { return "shipped" }
func (fakeTransitionErr) AllowedStatuses() []string { return []string{"pending", "cancelled"} }

func TestRespondErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("purchase: %w", shared.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("unit mismatch: %w", shared.ErrValidation), http.StatusBadRequest},
		{shared.ErrUnauthenticated, http.StatusUnauthorized},
		{shared.ErrConflict, http.StatusConflict},
		{errors.New("pq: relation does not exist"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestRespondErrorInternalIsOpaque(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, errors.New("select * from purchases failed"))
	assert.NotContains(t, rec.Body.String(), "select")
}

func TestRespondErrorTransitionCarriesAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, fmt.Errorf("ship: %w", fakeTransitionErr{}))
	require.Equal(t, http.StatusConflict, rec.Code)

	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "quotation", body.Current)
	assert.Equal(t, []string{"pending", "cancelled"}, body.Allowed)
}
