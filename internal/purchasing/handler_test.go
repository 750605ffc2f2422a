package purchasing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warocol/purchasing/internal/shared"
)

func newTestRouter(e *env) http.Handler {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), e.svc)
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r
}

func (e *env) request(router http.Handler, method, path, contentType string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req = req.WithContext(shared.ContextWithIdentity(req.Context(), shared.Identity{
		TenantID: e.tenantID, UserID: e.staff.UserID, Email: "compras@pedidos.test",
	}))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRequiresIdentity(t *testing.T) {
	e := newEnv()
	router := newTestRouter(e)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/purchases/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerCreateAndTransition(t *testing.T) {
	e := newEnv()
	router := newTestRouter(e)

	body := `{"supplier_id":"` + e.supplier.ID.String() + `","status":"pending","items":[` +
		`{"ingredient_id":"` + e.tomato.ID.String() + `","quantity":"10","unit":"kg","unit_cost":"5"}]}`
	rec := e.request(router, http.MethodPost, "/purchases/", "application/json", strings.NewReader(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created Purchase
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "WR-2025-0001", created.PurchaseNumber)

	rec = e.request(router, http.MethodPost, "/purchases/"+created.ID.String()+"/ship", "application/json",
		strings.NewReader(`{"tracking_number":"T","carrier":"C"}`))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var problem map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "pending", problem["current_status"])
	assert.ElementsMatch(t, []any{"confirmed", "cancelled"}, problem["allowed"])

	rec = e.request(router, http.MethodPost, "/purchases/"+created.ID.String()+"/confirm", "application/json", strings.NewReader(`{}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.request(router, http.MethodGet, "/purchases/"+created.ID.String()+"/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Data []HistoryEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Data, 1)
	assert.Equal(t, StatusConfirmed, history.Data[0].ToStatus)
	_, ok := history.Data[0].Metadata.(ConfirmMetadata)
	assert.True(t, ok, "metadata decodes to its variant, got %T", history.Data[0].Metadata)
}

func TestHandlerShipWithMultipartFiles(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	router := newTestRouter(e)
	p := e.pending(ctx)
	_, err := e.svc.Confirm(ctx, e.staff, p.ID, ConfirmInput{})
	require.NoError(t, err)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("data", `{"tracking_number":"1Z","carrier":"UPS"}`))
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="files"; filename="guia.pdf"`)
	header.Set("Content-Type", "application/pdf")
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := e.request(router, http.MethodPost, "/purchases/"+p.ID.String()+"/ship", mw.FormDataContentType(), &buf)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.request(router, http.MethodGet, "/purchases/"+p.ID.String()+"/attachments", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []Attachment `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "guia.pdf", list.Data[0].FileName)
	assert.Equal(t, AttachmentShippingLabel, list.Data[0].Type)
	assert.NotEmpty(t, list.Data[0].URL)
}

func TestHandlerValidationAndNotFound(t *testing.T) {
	e := newEnv()
	router := newTestRouter(e)

	rec := e.request(router, http.MethodPost, "/purchases/", "application/json", strings.NewReader(`{"items":[]}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.request(router, http.MethodGet, "/purchases/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.request(router, http.MethodGet, "/purchases/"+e.tomato.ID.String(), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.request(router, http.MethodGet, "/purchases/?status=lost", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.request(router, http.MethodGet, "/purchases/next-number", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"purchase_number":"WR-2025-0001"}`, rec.Body.String())
}
