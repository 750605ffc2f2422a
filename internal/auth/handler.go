package auth

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/warocol/purchasing/internal/platform/httpx"
	"github.com/warocol/purchasing/internal/shared"
	"github.com/warocol/purchasing/internal/tenants"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	validator      *validator.Validate
	requestLimit   int
}

// NewHandler constructs a Handler instance. requestLimit caps link requests
// per IP and minute.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, requestLimit int) *Handler {
	if requestLimit <= 0 {
		requestLimit = 5
	}
	return &Handler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		validator:      validator.New(),
		requestLimit:   requestLimit,
	}
}

// MountRoutes registers auth routes on provided router. The router must run
// the tenant and Sessions middleware.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(httprate.Limit(h.requestLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))).
		Post("/auth/magic-link", h.handleRequestLink)
	r.Get("/auth/verify", h.handleVerifyToken)
	r.Post("/auth/verify-code", h.handleVerifyCode)
	r.Get("/auth/session", h.handleSession)
	r.Post("/auth/signout", h.handleSignOut)
}

type linkRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Redirect string `json:"redirect"`
}

type codeRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

type sessionResponse struct {
	UserID   string          `json:"user_id"`
	Email    string          `json:"email"`
	TenantID string          `json:"tenant_id"`
	Tenant   *tenants.Tenant `json:"tenant,omitempty"`
}

func (h *Handler) handleRequestLink(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenants.FromContext(r.Context())
	if !ok {
		httpx.RespondError(w, ErrNoTenant)
		return
	}
	var req linkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, shared.ValidationError(err))
		return
	}
	if err := h.service.RequestLink(r.Context(), tenant, req.Email, safeRedirect(req.Redirect)); err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{
		"message": "Te enviamos un enlace de acceso a tu correo.",
	})
}

func (h *Handler) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenants.FromContext(r.Context())
	if !ok {
		httpx.RespondError(w, ErrNoTenant)
		return
	}
	q := r.URL.Query()
	token, email := q.Get("token"), q.Get("email")
	if token == "" || email == "" {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "token and email are required")
		return
	}
	id, err := h.service.VerifyToken(r.Context(), tenant, email, token)
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	h.bind(r, id)
	if to := safeRedirect(q.Get("redirect")); to != "" {
		http.Redirect(w, r, to, http.StatusSeeOther)
		return
	}
	httpx.JSON(w, http.StatusOK, describe(id, &tenant))
}

func (h *Handler) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenants.FromContext(r.Context())
	if !ok {
		httpx.RespondError(w, ErrNoTenant)
		return
	}
	var req codeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, shared.ValidationError(err))
		return
	}
	id, err := h.service.VerifyCode(r.Context(), tenant, req.Email, req.Code)
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	h.bind(r, id)
	httpx.JSON(w, http.StatusOK, describe(id, &tenant))
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	id, err := shared.IdentityFromContext(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var current *tenants.Tenant
	if t, ok := tenants.FromContext(r.Context()); ok {
		if t.ID != id.TenantID {
			httpx.RespondError(w, shared.ErrUnauthenticated)
			return
		}
		current = &t
	}
	httpx.JSON(w, http.StatusOK, describe(id, current))
}

func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}

// bind rotates the session id and attaches the identity. The Sessions
// middleware persists it when the response is written.
func (h *Handler) bind(r *http.Request, id shared.Identity) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.ErrorContext(r.Context(), "session missing during login")
		return
	}
	sess.Bind(id, h.sessionManager.NewSessionID())
}

func describe(id shared.Identity, t *tenants.Tenant) sessionResponse {
	return sessionResponse{UserID: id.UserID.String(), Email: id.Email, TenantID: id.TenantID.String(), Tenant: t}
}

// safeRedirect only allows same-origin paths.
func safeRedirect(to string) string {
	if !strings.HasPrefix(to, "/") || strings.HasPrefix(to, "//") || strings.HasPrefix(to, "/\\") {
		return ""
	}
	return to
}
