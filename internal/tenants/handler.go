package tenants

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/warocol/purchasing/internal/platform/httpx"
	"github.com/warocol/purchasing/internal/shared"
)

// MembershipLister lists the tenants of a user.
type MembershipLister interface {
	ForUser(ctx context.Context, userID uuid.UUID) ([]Tenant, error)
}

// Handler exposes tenant membership to signed-in users.
type Handler struct {
	logger  *slog.Logger
	members MembershipLister
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, members MembershipLister) *Handler {
	return &Handler{logger: logger, members: members}
}

// MountRoutes registers tenant routes behind session authentication.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/tenants/user-tenants", h.handleUserTenants)
}

func (h *Handler) handleUserTenants(w http.ResponseWriter, r *http.Request) {
	id, err := shared.IdentityFromContext(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.members.ForUser(r.Context(), id.UserID)
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []Tenant{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": list})
}
