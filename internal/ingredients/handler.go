package ingredients

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/warocol/purchasing/internal/platform/httpx"
	"github.com/warocol/purchasing/internal/shared"
)

// Lister lists the catalog of a tenant.
type Lister interface {
	List(ctx context.Context, f ListFilter) ([]Ingredient, int, error)
}

// Handler exposes the catalog read-only.
type Handler struct {
	logger *slog.Logger
	repo   Lister
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, repo Lister) *Handler {
	return &Handler{logger: logger, repo: repo}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ingredients", h.handleList)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id, err := shared.IdentityFromContext(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	filter := ListFilter{TenantID: id.TenantID, Search: q.Get("search"), Category: q.Get("category")}
	if raw := q.Get("supplier_id"); raw != "" {
		supplierID, err := uuid.Parse(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("invalid supplier_id %q: %w", raw, shared.ErrValidation))
			return
		}
		filter.SupplierID = &supplierID
	}
	if filter.Limit, filter.Offset, err = httpx.QueryPage(r); err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, total, err := h.repo.List(r.Context(), filter)
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []Ingredient{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"data":       list,
		"pagination": shared.NewPagination(filter.Limit, filter.Offset, total),
	})
}
