package purchasing

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/warocol/purchasing/internal/platform/httpx"
	"github.com/warocol/purchasing/internal/shared"
)

// Handler exposes purchases to authenticated tenant staff.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers purchase routes. Callers must mount behind session authentication.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/purchases", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/next-number", h.handleNextNumber)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Patch("/", h.handleUpdate)
			r.Delete("/", h.handleDelete)

			r.Post("/confirm", h.handleConfirm)
			r.Post("/ship", h.handleShip)
			r.Post("/receive", h.handleReceive)
			r.Post("/verify", h.handleVerify)
			r.Post("/invoice", h.handleInvoice)
			r.Post("/pay", h.handlePay)
			r.Post("/cancel", h.handleCancel)
			r.Post("/complete-quotation", h.handleCompleteQuotation)

			r.Get("/history", h.handleHistory)
			r.Get("/history/{entryID}", h.handleTransitionDetail)
			r.Get("/attachments", h.handleListAttachments)
			r.Post("/attachments", h.handleAddAttachments)
			r.Delete("/attachments/{attachmentID}", h.handleDeleteAttachment)
		})
	})
}

// request resolves the caller and the purchase id of the route.
func (h *Handler) request(r *http.Request) (Actor, uuid.UUID, error) {
	id, err := shared.IdentityFromContext(r.Context())
	if err != nil {
		return Actor{}, uuid.Nil, err
	}
	actor := StaffActor(id.TenantID, id.UserID)
	if chi.URLParam(r, "id") == "" {
		return actor, uuid.Nil, nil
	}
	purchaseID, err := httpx.URLUUID(r, "id")
	return actor, purchaseID, err
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	httpx.Fail(w, r, h.logger, err)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	actor, _, err := h.request(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := ListFilter{TenantID: actor.TenantID, Search: q.Get("search")}
	if raw := q.Get("status"); raw != "" {
		status, err := ParseStatus(raw)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		filter.Status = &status
	}
	if raw := q.Get("supplier_id"); raw != "" {
		supplierID, err := uuid.Parse(raw)
		if err != nil {
			h.fail(w, r, validationf("invalid supplier_id %q", raw))
			return
		}
		filter.SupplierID = &supplierID
	}
	if filter.PaymentFilter, err = ParsePaymentFilter(q.Get("payment_filter")); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.Limit, filter.Offset, err = httpx.QueryPage(r); err != nil {
		h.fail(w, r, err)
		return
	}
	purchases, page, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if purchases == nil {
		purchases = []Purchase{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": purchases, "pagination": page})
}

func (h *Handler) handleNextNumber(w http.ResponseWriter, r *http.Request) {
	actor, _, err := h.request(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	number, err := h.service.NextNumber(r.Context(), actor.TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"purchase_number": number})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, _, err := h.request(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in CreateInput
	if err := h.decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.service.Create(r.Context(), actor, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	actor, id, err := h.request(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.service.Get(r.Context(), actor.TenantID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	actor, id, err := h.request(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in UpdateInput
	if err := h.decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.service.Update(r.Context(), actor, id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	actor, id, err := h.request(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.Delete(r.Context(), actor, id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return err
	}
	return shared.ValidationError(h.validator.Struct(target))
}

func (h *Handler) decodeWithFiles(r *http.Request, target any) ([]Upload, error) {
	parts, err := httpx.DecodeWithFiles(r, target)
	if err != nil {
		return nil, err
	}
	if err := h.validator.Struct(target); err != nil {
		return nil, shared.ValidationError(err)
	}
	return UploadsFromParts(parts), nil
}

// transitionHandler adapts a transition operation with a decoded body.
func transitionHandler[T any](h *Handler, withFiles bool, attach func(*T, []Upload), op func(*Service, *http.Request, Actor, uuid.UUID, T) (Purchase, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := h.request(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		var in T
		if withFiles {
			files, err := h.decodeWithFiles(r, &in)
			if err != nil {
				h.fail(w, r, err)
				return
			}
			attach(&in, files)
		} else if err := h.decode(r, &in); err != nil {
			h.fail(w, r, err)
			return
		}
		p, err := op(h.service, r, actor, id, in)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, p)
	}
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	transitionHandler(h, false, nil, func(s *Service, r *http.Request, a Actor, id uuid.UUID, in ConfirmInput) (Purchase, error) {
		return s.Confirm(r.Context(), a, id, in)
	})(w, r)
}

func (h *Handler) handleShip(w http.ResponseWriter, r *http.Request) {
	transitionHandler(h, true, func(in *ShipInput, f []Upload) { in.Files = f },
		func(s *Service, r *http.Request, a Actor, id uuid.UUID, in ShipInput) (Purchase, error) {
			return s.Ship(r.Context(), a, id, in)
		})(w, r)
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	transitionHandler(h, true, func(in *ReceiveInput, f []Upload) { in.Files = f },
		func(s *Service, r *http.Request, a Actor, id uuid.UUID, in ReceiveInput) (Purchase, error) {
			return s.Receive(r.Context(), a, id, in)
		})(w, r)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	transitionHandler(h, true, func(in *VerifyInput, f []Upload) { in.Files = f },
		func(s *Service, r *http.Request, a Actor, id uuid.UUID, in VerifyInput) (Purchase, error) {
			return s.Verify(r.Context(), a, id, in)
		})(w, r)
}

func (h *Handler) handleInvoice(w http.ResponseWriter, r *http.Request) {
	transitionHandler(h, true, func(in *InvoiceInput, f []Upload) { in.Files = f },
		func(s *Service, r *http.Request, a Actor, id uuid.UUID, in InvoiceInput) (Purchase, error) {
			return s.Invoice(r.Context(), a, id, in)
		})(w, r)
}

func (h *Handler) handlePay(w http.ResponseWriter, r *http.Request) {
	transitionHandler(h, true, func(in *PayInput, f []Upload) { in.Files = f },
		func(s *Service, r *http.Request, a Actor, id uuid.UUID, in PayInput) (Purchase, error) {
			return s.Pay(r.Context(), a, id, in)
		})(w, r)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	transitionHandler(h, false, nil, func(s *Service, r *http.Request, a Actor, id uuid.UUID, in CancelInput) (Purchase, error) {
		return s.Cancel(r.Context(), a, id, in)
	})(w, r)
}

func (h *Handler) handleCompleteQuotation(w http.ResponseWriter, r *http.Request) {
	transitionHandler(h, false, nil, func(s *Service, r *http.Request, a Actor, id uuid.UUID, in QuotationInput) (Purchase, error) {
		return s.CompleteQuotation(r.Context(), a, id, in)
	})(w, r)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	actor, id, err := h.request(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.service.History(r.Context(), actor.TenantID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": entries})
}

func (h *Handler) handleTransitionDetail(w http.ResponseWriter, r *http.Request) {
	actor, id, err := h.request(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entryID, err := httpx.URLUUID(r, "entryID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	detail, err := h.service.TransitionDetail(r.Context(), actor.TenantID, id, entryID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	actor, id, err := h.request(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.service.Attachments(r.Context(), actor.TenantID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []Attachment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": list})
}

type attachRequest struct {
	AttachmentType string  `json:"attachment_type"`
	Description    *string `json:"description" validate:"omitempty,max=500"`
}

func (h *Handler) handleAddAttachments(w http.ResponseWriter, r *http.Request) {
	actor, id, err := h.request(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req attachRequest
	files, err := h.decodeWithFiles(r, &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if req.AttachmentType == "" {
		req.AttachmentType = strings.TrimSpace(r.FormValue("attachment_type"))
	}
	kind, err := ParseAttachmentType(req.AttachmentType)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Description == nil {
		if d := strings.TrimSpace(r.FormValue("description")); d != "" {
			req.Description = &d
		}
	}
	saved, err := h.service.AddAttachments(r.Context(), actor, id, AttachInput{Type: kind, Description: req.Description, Files: files})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if saved == nil {
		saved = []Attachment{}
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"data": saved})
}

func (h *Handler) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	actor, id, err := h.request(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	attachmentID, err := httpx.URLUUID(r, "attachmentID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.DeleteAttachment(r.Context(), actor, id, attachmentID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
