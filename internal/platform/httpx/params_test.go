package httpx

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warocol/purchasing/internal/shared"
)

func TestQueryPage(t *testing.T) {
	cases := []struct {
		query          string
		limit, offset  int
		wantValidation bool
	}{
		{query: "", limit: 50, offset: 0},
		{query: "limit=20&offset=40", limit: 20, offset: 40},
		{query: "limit=20&page=3", limit: 20, offset: 40},
		{query: "page=2&offset=7", limit: 50, offset: 50},
		{query: "limit=9999", limit: 250, offset: 0},
		{query: "offset=-5", limit: 50, offset: 0},
		{query: "page=0", wantValidation: true},
		{query: "limit=diez", wantValidation: true},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			limit, offset, err := QueryPage(httptest.NewRequest("GET", "/x?"+tc.query, nil))
			if tc.wantValidation {
				assert.ErrorIs(t, err, shared.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.limit, limit)
			assert.Equal(t, tc.offset, offset)
		})
	}
}
