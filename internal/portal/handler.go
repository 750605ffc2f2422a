package portal

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/warocol/purchasing/internal/platform/httpx"
	"github.com/warocol/purchasing/internal/purchasing"
	"github.com/warocol/purchasing/internal/shared"
)

// IdempotencyStore claims Idempotency-Key values.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, scope string) error
	Release(ctx context.Context, key, scope string) error
}

// Handler exposes the supplier portal. It is public; the token in the path is the credential.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	idempotency IdempotencyStore
	validator   *validator.Validate
	rateLimit   int
}

// NewHandler constructs a Handler. rateLimit is requests per minute per client IP.
func NewHandler(logger *slog.Logger, service *Service, idempotency IdempotencyStore, rateLimit int) *Handler {
	if rateLimit <= 0 {
		rateLimit = 30
	}
	return &Handler{logger: logger, service: service, idempotency: idempotency, validator: validator.New(), rateLimit: rateLimit}
}

// MountRoutes registers portal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/portal/{token}", func(r chi.Router) {
		r.Use(httprate.Limit(h.rateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Get("/", h.handleVerify)
		r.Get("/purchases", h.handleList)
		r.Get("/purchases/{id}", h.handleGet)
		r.Post("/purchases/{id}/quotation", h.idempotent(h.handleSubmitPrices))
		r.Post("/purchases/{id}/invoice", h.idempotent(h.handleInvoice))
		r.Post("/purchases/{id}/ship", h.idempotent(h.handleShip))
		r.Post("/legal-invoices", h.idempotent(h.handleLegalInvoice))
	})
}

// idempotent claims the Idempotency-Key header, when present, before running next.
// A failed request releases its key so the client can retry.
func (h *Handler) idempotent(next func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" || h.idempotency == nil {
			if err := next(w, r); err != nil {
				httpx.Fail(w, r, h.logger, err)
			}
			return
		}
		profile, err := h.service.Verify(r.Context(), token(r))
		if err != nil {
			httpx.Fail(w, r, h.logger, err)
			return
		}
		scope := "portal:" + profile.SupplierID.String()
		if err := h.idempotency.CheckAndInsert(r.Context(), key, scope); err != nil {
			httpx.Fail(w, r, h.logger, err)
			return
		}
		if err := next(w, r); err != nil {
			if relErr := h.idempotency.Release(context.WithoutCancel(r.Context()), key, scope); relErr != nil {
				h.logger.WarnContext(r.Context(), "idempotency release failed", slog.Any("error", relErr))
			}
			httpx.Fail(w, r, h.logger, err)
		}
	}
}

func token(r *http.Request) string {
	return chi.URLParam(r, "token")
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	profile, err := h.service.Verify(r.Context(), token(r))
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, profile)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	var status *purchasing.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := purchasing.ParseStatus(raw)
		if err != nil {
			httpx.Fail(w, r, h.logger, err)
			return
		}
		status = &st
	}
	list, err := h.service.List(r.Context(), token(r), status)
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []purchasing.Purchase{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": list})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLUUID(r, "id")
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	p, err := h.service.Get(r.Context(), token(r), id)
	if err != nil {
		httpx.Fail(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) handleSubmitPrices(w http.ResponseWriter, r *http.Request) error {
	id, err := httpx.URLUUID(r, "id")
	if err != nil {
		return err
	}
	var in purchasing.QuotationInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		return err
	}
	if err := h.validator.Struct(in); err != nil {
		return shared.ValidationError(err)
	}
	p, err := h.service.SubmitPrices(r.Context(), token(r), id, in)
	if err != nil {
		return err
	}
	httpx.JSON(w, http.StatusOK, p)
	return nil
}

func (h *Handler) handleInvoice(w http.ResponseWriter, r *http.Request) error {
	id, err := httpx.URLUUID(r, "id")
	if err != nil {
		return err
	}
	var in purchasing.InvoiceInput
	parts, err := httpx.DecodeWithFiles(r, &in)
	if err != nil {
		return err
	}
	if err := h.validator.Struct(in); err != nil {
		return shared.ValidationError(err)
	}
	in.Files = purchasing.UploadsFromParts(parts)
	p, err := h.service.RegisterInvoice(r.Context(), token(r), id, in)
	if err != nil {
		return err
	}
	httpx.JSON(w, http.StatusOK, p)
	return nil
}

func (h *Handler) handleShip(w http.ResponseWriter, r *http.Request) error {
	id, err := httpx.URLUUID(r, "id")
	if err != nil {
		return err
	}
	var in purchasing.ShipInput
	parts, err := httpx.DecodeWithFiles(r, &in)
	if err != nil {
		return err
	}
	if err := h.validator.Struct(in); err != nil {
		return shared.ValidationError(err)
	}
	in.Files = purchasing.UploadsFromParts(parts)
	p, err := h.service.Ship(r.Context(), token(r), id, in)
	if err != nil {
		return err
	}
	httpx.JSON(w, http.StatusOK, p)
	return nil
}

func (h *Handler) handleLegalInvoice(w http.ResponseWriter, r *http.Request) error {
	var in purchasing.LegalInvoiceInput
	parts, err := httpx.DecodeWithFiles(r, &in)
	if err != nil {
		return err
	}
	if err := h.validator.Struct(in); err != nil {
		return shared.ValidationError(err)
	}
	in.Files = purchasing.UploadsFromParts(parts)
	updated, err := h.service.ReconcileLegalInvoice(r.Context(), token(r), in)
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, len(updated))
	for i, p := range updated {
		ids[i] = p.ID
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"reconciled": ids, "invoice_number": in.InvoiceNumber})
	return nil
}
