package purchasing

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warocol/purchasing/internal/shared"
)

// ConfirmInput moves a pending purchase to confirmed.
type ConfirmInput struct {
	ConfirmationNumber    *string    `json:"confirmation_number"`
	EstimatedDeliveryDate *time.Time `json:"estimated_delivery_date"`
	Notes                 *string    `json:"notes"`
}

// ShipInput records dispatch of the goods.
type ShipInput struct {
	TrackingNumber        string     `json:"tracking_number" validate:"required"`
	Carrier               string     `json:"carrier" validate:"required"`
	PackageCount          *int       `json:"package_count" validate:"omitempty,min=1"`
	EstimatedDeliveryDate *time.Time `json:"estimated_delivery_date"`
	Notes                 *string    `json:"notes"`
	Files                 []Upload   `json:"-"`
}

// ReceivedItem is the reception overlay of one line.
type ReceivedItem struct {
	IngredientID     uuid.UUID           `json:"ingredient_id" validate:"required"`
	QuantityReceived decimal.NullDecimal `json:"quantity_received"`
	ItemCondition    *string             `json:"item_condition"`
}

// ReceiveInput records a full or partial reception.
type ReceiveInput struct {
	PackageCondition string         `json:"package_condition" validate:"required"`
	Partial          bool           `json:"partial"`
	Items            []ReceivedItem `json:"items" validate:"dive"`
	Notes            *string        `json:"notes"`
	Files            []Upload       `json:"-"`
}

// VerifiedItem is the quality overlay of one line.
type VerifiedItem struct {
	IngredientID      uuid.UUID `json:"ingredient_id" validate:"required"`
	QualityStatus     *string   `json:"quality_status"`
	QualityNotes      *string   `json:"quality_notes"`
	VerificationNotes *string   `json:"verification_notes"`
}

// VerifyInput records the quality check of received goods.
type VerifyInput struct {
	AllItemsApproved bool           `json:"all_items_approved"`
	Items            []VerifiedItem `json:"items" validate:"dive"`
	Notes            *string        `json:"notes"`
	Files            []Upload       `json:"-"`
}

// InvoiceInput registers the billing document of a purchase.
type InvoiceInput struct {
	DocumentType   DocumentType        `json:"document_type"`
	InvoiceNumber  string              `json:"invoice_number" validate:"required"`
	InvoiceDate    *time.Time          `json:"invoice_date"`
	InvoiceAmount  decimal.Decimal     `json:"invoice_amount"`
	TaxAmount      decimal.NullDecimal `json:"tax_amount"`
	CreditDays     *int                `json:"credit_days" validate:"omitempty,min=0,max=365"`
	PaymentDueDate *time.Time          `json:"payment_due_date"`
	Notes          *string             `json:"notes"`
	Files          []Upload            `json:"-"`
}

// PayInput records a payment.
type PayInput struct {
	PaymentMethod    string          `json:"payment_method" validate:"required"`
	PaymentReference string          `json:"payment_reference"`
	PaymentAmount    decimal.Decimal `json:"payment_amount"`
	PaymentDate      *time.Time      `json:"payment_date"`
	Notes            *string         `json:"notes"`
	Files            []Upload        `json:"-"`
}

// CancelInput cancels a purchase.
type CancelInput struct {
	Reason string  `json:"cancellation_reason" validate:"required"`
	Notes  *string `json:"notes"`
}

// QuotedItem prices one line of a quotation.
type QuotedItem struct {
	IngredientID uuid.UUID       `json:"ingredient_id" validate:"required"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
}

// QuotationInput prices a quotation and moves it to pending.
type QuotationInput struct {
	Items     []QuotedItem        `json:"items" validate:"required,min=1,dive"`
	TaxAmount decimal.NullDecimal `json:"tax_amount"`
	Notes     *string             `json:"notes"`
}

type itemPatch struct {
	ingredientID uuid.UUID
	fields       map[string]any
}

// transition is one status change expressed as data for run.
type transition struct {
	to     Status
	cancel bool
	// sources, when set, narrows the statuses the transition may start from.
	sources []Status
	// stamp names the *_at column set to the change time. Empty means none.
	stamp   string
	fields  map[string]any
	items   []itemPatch
	notes   *string
	files   []Upload
	kind    AttachmentType
	caption string
	// prepare runs against the locked purchase after validation and may
	// fill fields, items or metadata that depend on current state.
	prepare  func(p Purchase, t *transition) error
	metadata func(p Purchase, stored int) Metadata
}

// run executes a transition atomically: lock, validate, update, item
// overlays, history and attachment rows. The supplier is notified after commit.
func (s *Service) run(ctx context.Context, actor Actor, id uuid.UUID, t transition) (Purchase, error) {
	if err := s.validateUploads(t.files); err != nil {
		return Purchase{}, err
	}
	now := s.now()
	var (
		updated Purchase
		entry   HistoryEntry
		stored  []storedBlob
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := s.lockOwned(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		progress := ProgressOf(current)
		if t.cancel {
			err = s.table.ValidateCancel(current.Status, progress)
		} else {
			err = s.table.Validate(current.Status, t.to, progress)
		}
		if err != nil {
			return err
		}
		if len(t.sources) > 0 && !slices.Contains(t.sources, current.Status) {
			return &InvalidTransitionError{From: current.Status, To: t.to, Allowed: excluding(s.table.Next(current.Status, progress), t.to)}
		}
		if t.prepare != nil {
			if err := t.prepare(current, &t); err != nil {
				return err
			}
		}

		fields := maps.Clone(t.fields)
		if fields == nil {
			fields = map[string]any{}
		}
		fields["status"] = t.to
		if t.stamp != "" {
			fields[t.stamp] = now
		}
		if err := tx.UpdatePurchase(ctx, actor.TenantID, id, fields); err != nil {
			return err
		}
		for _, patch := range t.items {
			n, err := tx.UpdateItemByIngredient(ctx, id, patch.ingredientID, patch.fields)
			if err != nil {
				return err
			}
			if n == 0 {
				return validationf("ingredient %s is not part of purchase %s", patch.ingredientID, current.PurchaseNumber)
			}
		}

		stored, err = s.uploadAll(ctx, actor.TenantID, id, t.files)
		if err != nil {
			return err
		}

		from := current.Status
		entry = HistoryEntry{
			ID:         uuid.New(),
			PurchaseID: id,
			TenantID:   actor.TenantID,
			FromStatus: &from,
			ToStatus:   t.to,
			ChangedBy:  actor.UserID,
			ChangedAt:  now,
			Metadata:   t.metadata(current, len(stored)),
			Notes:      t.notes,
		}
		if err := tx.InsertHistory(ctx, entry); err != nil {
			return err
		}
		_, orphaned := s.persistAttachments(ctx, tx, actor, id, &entry.ID, stored, t.kind, describeUpload(t.caption), now)
		s.discardBlobs(ctx, orphaned)

		updated, err = tx.LockPurchase(ctx, actor.TenantID, id)
		return err
	})
	if err != nil {
		s.discardBlobs(ctx, blobKeys(stored))
		s.metrics.Transition(string(t.to), transitionResult(err))
		return Purchase{}, err
	}
	s.metrics.Transition(string(t.to), "ok")
	s.logger.InfoContext(ctx, "purchase transitioned",
		slog.String("purchase_id", id.String()),
		slog.String("tenant_id", actor.TenantID.String()),
		slog.String("from", string(*entry.FromStatus)),
		slog.String("to", string(t.to)),
		slog.String("origin", string(actor.Origin)))

	if actor.Origin != OriginSupplier {
		s.notifier.StatusChanged(ctx, updated, entry)
	}
	return updated, nil
}

// lockOwned locks the purchase and hides it from suppliers it was not placed with.
func (s *Service) lockOwned(ctx context.Context, tx TxRepository, actor Actor, id uuid.UUID) (Purchase, error) {
	p, err := tx.LockPurchase(ctx, actor.TenantID, id)
	if err != nil {
		return Purchase{}, err
	}
	if !actor.owns(p) {
		return Purchase{}, ErrNotFound
	}
	return p, nil
}

func excluding(list []Status, drop Status) []Status {
	out := make([]Status, 0, len(list))
	for _, st := range list {
		if st != drop {
			out = append(out, st)
		}
	}
	return out
}

// supplierSources limits supplier-originated transitions to their portal entry points.
func supplierSources(actor Actor, sources ...Status) []Status {
	if actor.Origin != OriginSupplier {
		return nil
	}
	return sources
}

func transitionResult(err error) string {
	switch {
	case errors.Is(err, shared.ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, shared.ErrNotFound):
		return "not_found"
	case errors.Is(err, shared.ErrValidation):
		return "validation"
	case errors.Is(err, shared.ErrConflict):
		return "conflict"
	}
	return "error"
}

func describeUpload(caption string) *string {
	if caption == "" {
		return nil
	}
	return &caption
}

// Confirm moves a pending purchase to confirmed.
func (s *Service) Confirm(ctx context.Context, actor Actor, id uuid.UUID, in ConfirmInput) (Purchase, error) {
	fields := map[string]any{}
	setIfPresent(fields, "confirmation_number", in.ConfirmationNumber)
	setIfPresent(fields, "estimated_delivery_date", in.EstimatedDeliveryDate)
	return s.run(ctx, actor, id, transition{
		to:     StatusConfirmed,
		stamp:  "confirmed_at",
		fields: fields,
		notes:  in.Notes,
		metadata: func(Purchase, int) Metadata {
			return ConfirmMetadata{ConfirmationNumber: in.ConfirmationNumber, EstimatedDeliveryDate: in.EstimatedDeliveryDate}
		},
	})
}

// Ship records dispatch with tracking details and optional shipping labels.
func (s *Service) Ship(ctx context.Context, actor Actor, id uuid.UUID, in ShipInput) (Purchase, error) {
	in.TrackingNumber = strings.TrimSpace(in.TrackingNumber)
	in.Carrier = strings.TrimSpace(in.Carrier)
	if in.TrackingNumber == "" || in.Carrier == "" {
		return Purchase{}, validationf("tracking number and carrier are required")
	}
	fields := map[string]any{
		"tracking_number": in.TrackingNumber,
		"carrier":         in.Carrier,
	}
	setIfPresent(fields, "package_count", in.PackageCount)
	setIfPresent(fields, "estimated_delivery_date", in.EstimatedDeliveryDate)
	return s.run(ctx, actor, id, transition{
		to:      StatusShipped,
		sources: supplierSources(actor, StatusInvoiced),
		stamp:   "shipped_at",
		fields:  fields,
		notes:   in.Notes,
		files:   in.Files,
		kind:    AttachmentShippingLabel,
		caption: "Guía de envío " + in.TrackingNumber,
		metadata: func(_ Purchase, stored int) Metadata {
			return ShipMetadata{
				TrackingNumber:        in.TrackingNumber,
				Carrier:               in.Carrier,
				PackageCount:          in.PackageCount,
				EstimatedDeliveryDate: in.EstimatedDeliveryDate,
				AttachmentsCount:      stored,
			}
		},
	})
}

// Receive records reception. A partial reception moves to partially_received.
func (s *Service) Receive(ctx context.Context, actor Actor, id uuid.UUID, in ReceiveInput) (Purchase, error) {
	target := StatusReceived
	if in.Partial {
		target = StatusPartiallyReceived
	}
	now := s.now()
	var patches []itemPatch
	for _, it := range in.Items {
		if !it.QuantityReceived.Valid {
			continue
		}
		if it.QuantityReceived.Decimal.IsNegative() {
			return Purchase{}, validationf("received quantity of %s cannot be negative", it.IngredientID)
		}
		patches = append(patches, itemPatch{ingredientID: it.IngredientID, fields: map[string]any{
			"quantity_received": it.QuantityReceived,
			"item_condition":    it.ItemCondition,
			"received_at":       now,
		}})
	}
	return s.run(ctx, actor, id, transition{
		to:    target,
		stamp: "received_at",
		fields: map[string]any{
			"package_condition": in.PackageCondition,
			"received_by":       actor.UserID,
		},
		items:   patches,
		notes:   in.Notes,
		files:   in.Files,
		kind:    AttachmentDeliveryPhoto,
		caption: "Recepción: " + in.PackageCondition,
		metadata: func(_ Purchase, stored int) Metadata {
			return ReceiveMetadata{
				PackageCondition: in.PackageCondition,
				Partial:          in.Partial,
				ItemsUpdated:     len(patches),
				AttachmentsCount: stored,
			}
		},
	})
}

// Verify records the quality check of received goods.
func (s *Service) Verify(ctx context.Context, actor Actor, id uuid.UUID, in VerifyInput) (Purchase, error) {
	now := s.now()
	var patches []itemPatch
	for _, it := range in.Items {
		if it.QualityStatus == nil {
			continue
		}
		patches = append(patches, itemPatch{ingredientID: it.IngredientID, fields: map[string]any{
			"quality_status":     *it.QualityStatus,
			"quality_notes":      it.QualityNotes,
			"verification_notes": it.VerificationNotes,
			"verified_at":        now,
		}})
	}
	return s.run(ctx, actor, id, transition{
		to:      StatusVerified,
		stamp:   "verified_at",
		fields:  map[string]any{"verified_by": actor.UserID},
		items:   patches,
		notes:   in.Notes,
		files:   in.Files,
		kind:    AttachmentQualityPhoto,
		caption: "Verificación de calidad",
		metadata: func(_ Purchase, stored int) Metadata {
			return VerifyMetadata{AllItemsApproved: in.AllItemsApproved, ItemsVerified: len(patches), AttachmentsCount: stored}
		},
	})
}

// Invoice registers a legal invoice, delivery note or credit invoice.
func (s *Service) Invoice(ctx context.Context, actor Actor, id uuid.UUID, in InvoiceInput) (Purchase, error) {
	if in.DocumentType == "" {
		in.DocumentType = DocumentInvoice
	}
	if _, err := ParseDocumentType(string(in.DocumentType)); err != nil {
		return Purchase{}, err
	}
	in.InvoiceNumber = strings.TrimSpace(in.InvoiceNumber)
	if in.InvoiceNumber == "" {
		return Purchase{}, validationf("invoice number is required")
	}
	if in.InvoiceAmount.IsNegative() {
		return Purchase{}, validationf("invoice amount cannot be negative")
	}
	invoiceDate := dateOr(in.InvoiceDate, s.now())
	return s.run(ctx, actor, id, transition{
		to:      StatusInvoiced,
		sources: supplierSources(actor, StatusConfirmed, StatusPreparing, StatusPaid),
		stamp:   "invoiced_at",
		notes:   in.Notes,
		files:   in.Files,
		kind:    AttachmentInvoice,
		caption: "Factura " + in.InvoiceNumber,
		prepare: func(p Purchase, t *transition) error {
			creditDays := in.CreditDays
			if creditDays == nil {
				creditDays = p.CreditDays
			}
			due := in.PaymentDueDate
			if due == nil && creditDays != nil {
				due = ptr(invoiceDate.AddDate(0, 0, *creditDays))
			}
			t.fields = map[string]any{
				"document_type":  in.DocumentType,
				"invoice_number": in.InvoiceNumber,
				"invoice_date":   invoiceDate,
				"invoice_amount": decimal.NewNullDecimal(in.InvoiceAmount),
			}
			if in.TaxAmount.Valid {
				t.fields["tax_amount"] = in.TaxAmount
			}
			setIfPresent(t.fields, "credit_days", creditDays)
			setIfPresent(t.fields, "payment_due_date", due)
			if !p.PaymentAmount.Valid {
				t.fields["payment_balance"] = decimal.NewNullDecimal(in.InvoiceAmount)
			}
			in.CreditDays, in.PaymentDueDate = creditDays, due
			return nil
		},
		metadata: func(_ Purchase, stored int) Metadata {
			return InvoiceMetadata{
				DocumentType:     in.DocumentType,
				InvoiceNumber:    in.InvoiceNumber,
				InvoiceDate:      &invoiceDate,
				InvoiceAmount:    in.InvoiceAmount,
				TaxAmount:        in.TaxAmount,
				CreditDays:       in.CreditDays,
				PaymentDueDate:   in.PaymentDueDate,
				AttachmentsCount: stored,
			}
		},
	})
}

// Pay records a payment and the outstanding balance.
func (s *Service) Pay(ctx context.Context, actor Actor, id uuid.UUID, in PayInput) (Purchase, error) {
	in.PaymentMethod = strings.TrimSpace(in.PaymentMethod)
	if in.PaymentMethod == "" {
		return Purchase{}, validationf("payment method is required")
	}
	if in.PaymentAmount.IsNegative() {
		return Purchase{}, validationf("payment amount cannot be negative")
	}
	paymentDate := dateOr(in.PaymentDate, s.now())
	return s.run(ctx, actor, id, transition{
		to:      StatusPaid,
		stamp:   "paid_at",
		notes:   in.Notes,
		files:   in.Files,
		kind:    AttachmentPaymentProof,
		caption: "Comprobante de pago " + in.PaymentReference,
		prepare: func(p Purchase, t *transition) error {
			t.fields = map[string]any{
				"payment_method":    in.PaymentMethod,
				"payment_reference": in.PaymentReference,
				"payment_amount":    decimal.NewNullDecimal(in.PaymentAmount),
				"payment_date":      paymentDate,
			}
			if due, ok := amountDue(p); ok {
				t.fields["payment_balance"] = decimal.NewNullDecimal(decimal.Max(due.Sub(in.PaymentAmount), decimal.Zero))
			}
			return nil
		},
		metadata: func(_ Purchase, stored int) Metadata {
			return PaymentMetadata{
				PaymentMethod:    in.PaymentMethod,
				PaymentReference: in.PaymentReference,
				PaymentAmount:    in.PaymentAmount,
				PaymentDate:      paymentDate,
				AttachmentsCount: stored,
			}
		},
	})
}

// amountDue is the invoiced amount, or the purchase total before invoicing.
func amountDue(p Purchase) (decimal.Decimal, bool) {
	if p.InvoiceAmount.Valid {
		return p.InvoiceAmount.Decimal, true
	}
	if p.TotalAmount.Valid {
		return p.TotalAmount.Decimal, true
	}
	return decimal.Zero, false
}

// Cancel cancels a purchase from any non-terminal status.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID, in CancelInput) (Purchase, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return Purchase{}, validationf("cancellation reason is required")
	}
	return s.run(ctx, actor, id, transition{
		to:     StatusCancelled,
		cancel: true,
		stamp:  "cancelled_at",
		fields: map[string]any{"cancellation_reason": reason},
		notes:  in.Notes,
		metadata: func(Purchase, int) Metadata {
			return CancelMetadata{Reason: reason}
		},
	})
}

// CompleteQuotation prices the lines of a quotation and moves it to pending.
// It is the only write path for unit costs and sets no *_at timestamp.
func (s *Service) CompleteQuotation(ctx context.Context, actor Actor, id uuid.UUID, in QuotationInput) (Purchase, error) {
	if len(in.Items) == 0 {
		return Purchase{}, validationf("at least one priced item is required")
	}
	prices := make(map[uuid.UUID]decimal.Decimal, len(in.Items))
	for _, it := range in.Items {
		if !it.UnitCost.IsPositive() {
			return Purchase{}, validationf("unit cost of %s must be positive", it.IngredientID)
		}
		prices[it.IngredientID] = it.UnitCost
	}
	tax := decimal.Zero
	if in.TaxAmount.Valid {
		if in.TaxAmount.Decimal.IsNegative() {
			return Purchase{}, validationf("tax amount cannot be negative")
		}
		tax = in.TaxAmount.Decimal
	}

	var total decimal.Decimal
	return s.run(ctx, actor, id, transition{
		to:    StatusPending,
		notes: in.Notes,
		prepare: func(p Purchase, t *transition) error {
			lines := make([]Item, len(p.Items))
			copy(lines, p.Items)
			for ingredientID, cost := range prices {
				found := false
				for i := range lines {
					if lines[i].IngredientID != ingredientID {
						continue
					}
					found = true
					lines[i].UnitCost = decimal.NewNullDecimal(cost)
					lines[i].TotalCost = decimal.NewNullDecimal(lines[i].Quantity.Mul(cost))
				}
				if !found {
					return validationf("ingredient %s is not part of purchase %s", ingredientID, p.PurchaseNumber)
				}
				t.items = append(t.items, itemPatch{ingredientID: ingredientID, fields: map[string]any{
					"unit_cost":  decimal.NewNullDecimal(cost),
					"total_cost": decimal.NewNullDecimal(lineTotal(lines, ingredientID)),
				}})
			}
			subtotal, priced := Subtotal(lines)
			if !priced {
				return validationf("every item of purchase %s needs a unit cost", p.PurchaseNumber)
			}
			total = subtotal.Add(tax)
			t.fields = map[string]any{
				"tax_amount":   decimal.NewNullDecimal(tax),
				"total_amount": decimal.NewNullDecimal(total),
			}
			return nil
		},
		metadata: func(Purchase, int) Metadata {
			return QuotationMetadata{ItemsPriced: len(prices), TaxAmount: tax, TotalAmount: total, Origin: actor.Origin}
		},
	})
}

// lineTotal is the cost of the line for ingredientID. Ingredients are unique per purchase.
func lineTotal(lines []Item, ingredientID uuid.UUID) decimal.Decimal {
	for _, l := range lines {
		if l.IngredientID == ingredientID {
			return l.TotalCost.Decimal
		}
	}
	return decimal.Zero
}

// MarkOverdue flags an in-transit purchase whose estimated delivery has passed.
func (s *Service) MarkOverdue(ctx context.Context, actor Actor, id uuid.UUID) (Purchase, error) {
	return s.run(ctx, actor, id, transition{
		to: StatusOverdue,
		prepare: func(p Purchase, _ *transition) error {
			if p.EstimatedDeliveryDate == nil || !p.EstimatedDeliveryDate.Before(s.now()) {
				return validationf("purchase %s is not past its estimated delivery date", p.PurchaseNumber)
			}
			return nil
		},
		metadata: func(p Purchase, _ int) Metadata {
			return OverdueMetadata{EstimatedDeliveryDate: *p.EstimatedDeliveryDate}
		},
	})
}

// ScanOverdue moves every late in-transit purchase to overdue and returns how many moved.
func (s *Service) ScanOverdue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	candidates, err := s.repo.ListOverdueCandidates(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, p := range candidates {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}
		if _, err := s.MarkOverdue(ctx, SystemActor(p.TenantID), p.ID); err != nil {
			if errors.Is(err, shared.ErrInvalidTransition) || errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrValidation) {
				continue
			}
			s.logger.WarnContext(ctx, "overdue transition failed",
				slog.String("purchase_id", p.ID.String()),
				slog.String("tenant_id", p.TenantID.String()),
				slog.Any("error", err))
			continue
		}
		moved++
	}
	return moved, nil
}
