package purchasing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warocol/purchasing/internal/ingredients"
	"github.com/warocol/purchasing/internal/shared"
	"github.com/warocol/purchasing/internal/suppliers"
)

// Catalog resolves ingredients for unit validation. It is never mutated here.
type Catalog interface {
	Lookup(ctx context.Context, tenantID, ingredientID uuid.UUID) (ingredients.Ingredient, error)
}

// SupplierDirectory resolves suppliers of a tenant.
type SupplierDirectory interface {
	Get(ctx context.Context, tenantID, supplierID uuid.UUID) (suppliers.Supplier, error)
}

// BlobStore persists attachment bytes.
type BlobStore interface {
	Upload(ctx context.Context, body io.Reader, fileName, folder, contentType string) (string, error)
	Sign(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) (bool, error)
}

// AuditPort records aggregate-level changes.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Recorder receives operational counters.
type Recorder interface {
	Transition(to string, result string)
	DependencyFailure(kind string)
}

type nopRecorder struct{}

func (nopRecorder) Transition(string, string) {}
func (nopRecorder) DependencyFailure(string)  {}

// AttachmentPolicy bounds attachment ingestion.
type AttachmentPolicy struct {
	MaxBytes     int64
	Concurrency  int
	SignedURLTTL time.Duration
	AllowedTypes []string
}

// Dependencies groups the collaborators of Service.
type Dependencies struct {
	Catalog     Catalog
	Suppliers   SupplierDirectory
	Blobs       BlobStore
	Notifier    *Notifier
	Audit       AuditPort
	Metrics     Recorder
	Logger      *slog.Logger
	Table       *TransitionTable
	Clock       func() time.Time
	Attachments AttachmentPolicy
}

// Service orchestrates the purchase aggregate and its state machine.
type Service struct {
	repo      RepositoryPort
	catalog   Catalog
	suppliers SupplierDirectory
	blobs     BlobStore
	notifier  *Notifier
	audit     AuditPort
	metrics   Recorder
	logger    *slog.Logger
	table     TransitionTable
	now       func() time.Time
	policy    AttachmentPolicy
}

// NewService constructs the purchasing service.
func NewService(repo RepositoryPort, deps Dependencies) *Service {
	s := &Service{
		repo:      repo,
		catalog:   deps.Catalog,
		suppliers: deps.Suppliers,
		blobs:     deps.Blobs,
		notifier:  deps.Notifier,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Clock,
		policy:    deps.Attachments,
	}
	if deps.Table != nil {
		s.table = *deps.Table
	} else {
		s.table = DefaultTransitions()
	}
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.policy.MaxBytes <= 0 {
		s.policy.MaxBytes = 10 << 20
	}
	if s.policy.Concurrency <= 0 {
		s.policy.Concurrency = 4
	}
	if s.policy.SignedURLTTL <= 0 {
		s.policy.SignedURLTTL = time.Hour
	}
	if len(s.policy.AllowedTypes) == 0 {
		s.policy.AllowedTypes = defaultAllowedTypes
	}
	return s
}

// Table exposes the transition table in use.
func (s *Service) Table() TransitionTable {
	return s.table
}

// ItemInput describes one line of a create or update request.
type ItemInput struct {
	IngredientID uuid.UUID           `json:"ingredient_id" validate:"required"`
	Quantity     decimal.Decimal     `json:"quantity"`
	Unit         string              `json:"unit" validate:"required"`
	UnitCost     decimal.NullDecimal `json:"unit_cost"`
	ExpiryDate   *time.Time          `json:"expiry_date"`
	BatchNumber  *string             `json:"batch_number"`
	Notes        *string             `json:"notes"`
}

// CreateInput describes a new purchase.
type CreateInput struct {
	SupplierID             uuid.UUID           `json:"supplier_id" validate:"required"`
	Status                 Status              `json:"status"`
	PurchaseDate           *time.Time          `json:"purchase_date"`
	DeliveryDate           *time.Time          `json:"delivery_date"`
	EstimatedDeliveryDate  *time.Time          `json:"estimated_delivery_date"`
	TaxAmount              decimal.NullDecimal `json:"tax_amount"`
	PaymentType            PaymentType         `json:"payment_type"`
	CreditDays             *int                `json:"credit_days" validate:"omitempty,min=0,max=365"`
	PaymentDueDate         *time.Time          `json:"payment_due_date"`
	RequiresAdvancePayment bool                `json:"requires_advance_payment"`
	ConsolidationGroup     *string             `json:"consolidation_group"`
	Notes                  *string             `json:"notes"`
	Items                  []ItemInput         `json:"items" validate:"required,min=1,dive"`
}

// UpdateInput is a partial update. Nil fields are left untouched; a non-nil
// Items replaces every line.
type UpdateInput struct {
	SupplierID             *uuid.UUID          `json:"supplier_id"`
	PurchaseDate           *time.Time          `json:"purchase_date"`
	DeliveryDate           *time.Time          `json:"delivery_date"`
	EstimatedDeliveryDate  *time.Time          `json:"estimated_delivery_date"`
	TaxAmount              decimal.NullDecimal `json:"tax_amount"`
	PaymentType            *PaymentType        `json:"payment_type"`
	CreditDays             *int                `json:"credit_days" validate:"omitempty,min=0,max=365"`
	PaymentDueDate         *time.Time          `json:"payment_due_date"`
	RequiresAdvancePayment *bool               `json:"requires_advance_payment"`
	ConsolidationGroup     *string             `json:"consolidation_group"`
	Notes                  *string             `json:"notes"`
	Items                  *[]ItemInput        `json:"items" validate:"omitempty,min=1,dive"`
}

// NextNumber previews the number the next purchase of the current year would take.
func (s *Service) NextNumber(ctx context.Context, tenantID uuid.UUID) (string, error) {
	year := s.now().Year()
	seq, err := s.repo.PeekSequence(ctx, tenantID, year)
	if err != nil {
		return "", err
	}
	return FormatNumber(year, seq), nil
}

// Create persists a purchase with its items and assigns the next purchase number.
func (s *Service) Create(ctx context.Context, actor Actor, input CreateInput) (Purchase, error) {
	if input.Status == "" {
		input.Status = StatusQuotation
	}
	if input.Status != StatusQuotation && input.Status != StatusPending {
		return Purchase{}, validationf("a new purchase must start as quotation or pending, got %q", input.Status)
	}
	if input.PaymentType == "" {
		input.PaymentType = PaymentContado
	}
	if !input.PaymentType.Valid() {
		return Purchase{}, validationf("invalid payment type %q", input.PaymentType)
	}
	supplier, err := s.lookupSupplier(ctx, actor.TenantID, input.SupplierID)
	if err != nil {
		return Purchase{}, err
	}

	now := s.now()
	p := Purchase{
		ID:                    uuid.New(),
		TenantID:              actor.TenantID,
		SupplierID:            supplier.ID,
		SupplierName:          supplier.Name,
		Status:                input.Status,
		PurchaseDate:          dateOr(input.PurchaseDate, now),
		DeliveryDate:          input.DeliveryDate,
		EstimatedDeliveryDate: input.EstimatedDeliveryDate,
		TaxAmount:             input.TaxAmount,
		PaymentType:           input.PaymentType,
		CreditDays:            input.CreditDays,
		PaymentDueDate:        input.PaymentDueDate,
		AdvancePayment:        input.RequiresAdvancePayment,
		Consolidation:         input.ConsolidationGroup,
		Notes:                 input.Notes,
		CreatedBy:             actor.UserID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if p.PaymentDueDate == nil && p.CreditDays != nil {
		p.PaymentDueDate = ptr(p.PurchaseDate.AddDate(0, 0, *p.CreditDays))
	}

	items, err := s.buildItems(ctx, actor.TenantID, p.ID, input.Items, now)
	if err != nil {
		return Purchase{}, err
	}
	p.Items = items
	p.TotalAmount = purchaseTotal(items, p.TaxAmount)
	if p.Status == StatusPending && !p.TotalAmount.Valid {
		return Purchase{}, validationf("every item needs a unit cost for a pending purchase")
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		seq, err := tx.NextSequence(ctx, p.TenantID, now.Year())
		if err != nil {
			return err
		}
		p.PurchaseNumber = FormatNumber(now.Year(), seq)
		if err := tx.InsertPurchase(ctx, p); err != nil {
			return err
		}
		for i, it := range p.Items {
			if err := tx.InsertItem(ctx, it, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Purchase{}, err
	}

	s.recordAudit(ctx, actor, "PURCHASE_CREATE", p.ID, map[string]any{"number": p.PurchaseNumber, "status": p.Status})
	if p.Status == StatusQuotation {
		s.notifier.QuotationRequested(ctx, p, supplier)
	}
	return p, nil
}

// Get returns one purchase of the caller's tenant.
func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (Purchase, error) {
	return s.repo.GetPurchase(ctx, tenantID, id)
}

// List returns a page of purchases of the caller's tenant.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Purchase, shared.Pagination, error) {
	filter.Limit, filter.Offset = shared.ClampPage(filter.Limit, filter.Offset)
	if filter.Now.IsZero() {
		filter.Now = s.now()
	}
	purchases, total, err := s.repo.ListPurchases(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return purchases, shared.NewPagination(filter.Limit, filter.Offset, total), nil
}

// Update applies a partial update and optionally replaces all items.
func (s *Service) Update(ctx context.Context, actor Actor, id uuid.UUID, input UpdateInput) (Purchase, error) {
	updates := map[string]any{}
	if input.SupplierID != nil {
		supplier, err := s.lookupSupplier(ctx, actor.TenantID, *input.SupplierID)
		if err != nil {
			return Purchase{}, err
		}
		updates["supplier_id"] = supplier.ID
	}
	if input.PaymentType != nil {
		if !input.PaymentType.Valid() {
			return Purchase{}, validationf("invalid payment type %q", *input.PaymentType)
		}
		updates["payment_type"] = *input.PaymentType
	}
	setIfPresent(updates, "purchase_date", input.PurchaseDate)
	setIfPresent(updates, "delivery_date", input.DeliveryDate)
	setIfPresent(updates, "estimated_delivery_date", input.EstimatedDeliveryDate)
	setIfPresent(updates, "credit_days", input.CreditDays)
	setIfPresent(updates, "payment_due_date", input.PaymentDueDate)
	setIfPresent(updates, "requires_advance_payment", input.RequiresAdvancePayment)
	setIfPresent(updates, "consolidation_group", input.ConsolidationGroup)
	setIfPresent(updates, "notes", input.Notes)
	if input.TaxAmount.Valid {
		updates["tax_amount"] = input.TaxAmount
	}

	now := s.now()
	var items []Item
	if input.Items != nil {
		var err error
		items, err = s.buildItems(ctx, actor.TenantID, id, *input.Items, now)
		if err != nil {
			return Purchase{}, err
		}
	}

	var updated Purchase
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockPurchase(ctx, actor.TenantID, id)
		if err != nil {
			return err
		}
		if items != nil {
			if current.ReceivedAt != nil {
				return validationf("items of purchase %s cannot be replaced after reception", current.PurchaseNumber)
			}
			if err := tx.DeleteItems(ctx, id); err != nil {
				return err
			}
			for i, it := range items {
				if err := tx.InsertItem(ctx, it, i); err != nil {
					return err
				}
			}
		}
		if items != nil || input.TaxAmount.Valid {
			lines := current.Items
			if items != nil {
				lines = items
			}
			tax := current.TaxAmount
			if input.TaxAmount.Valid {
				tax = input.TaxAmount
			}
			updates["total_amount"] = purchaseTotal(lines, tax)
		}
		if err := tx.UpdatePurchase(ctx, actor.TenantID, id, updates); err != nil {
			return err
		}
		updated, err = tx.LockPurchase(ctx, actor.TenantID, id)
		return err
	})
	if err != nil {
		return Purchase{}, err
	}
	s.recordAudit(ctx, actor, "PURCHASE_UPDATE", id, map[string]any{"fields": len(updates), "items_replaced": items != nil})
	return updated, nil
}

// Delete removes a purchase. Stored blobs of its attachments are removed best-effort after commit.
func (s *Service) Delete(ctx context.Context, actor Actor, id uuid.UUID) error {
	attachments, err := s.repo.ListAttachments(ctx, actor.TenantID, id)
	if err != nil {
		return err
	}
	var number string
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockPurchase(ctx, actor.TenantID, id)
		if err != nil {
			return err
		}
		number = current.PurchaseNumber
		return tx.DeletePurchase(ctx, actor.TenantID, id)
	})
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(attachments))
	for _, a := range attachments {
		keys = append(keys, a.StorageKey)
	}
	s.discardBlobs(ctx, keys)
	s.recordAudit(ctx, actor, "PURCHASE_DELETE", id, map[string]any{"number": number, "attachments": len(keys)})
	return nil
}

func (s *Service) lookupSupplier(ctx context.Context, tenantID, supplierID uuid.UUID) (suppliers.Supplier, error) {
	supplier, err := s.suppliers.Get(ctx, tenantID, supplierID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return suppliers.Supplier{}, validationf("supplier %s not found", supplierID)
		}
		return suppliers.Supplier{}, err
	}
	return supplier, nil
}

func (s *Service) recordAudit(ctx context.Context, actor Actor, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		TenantID: actor.TenantID,
		ActorID:  actor.UserID,
		Action:   action,
		Entity:   "purchase",
		EntityID: id.String(),
		Meta:     meta,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func purchaseTotal(items []Item, tax decimal.NullDecimal) decimal.NullDecimal {
	subtotal, priced := Subtotal(items)
	if !priced {
		return decimal.NullDecimal{}
	}
	if tax.Valid {
		subtotal = subtotal.Add(tax.Decimal)
	}
	return decimal.NewNullDecimal(subtotal)
}

func setIfPresent[T any](updates map[string]any, column string, v *T) {
	if v != nil {
		updates[column] = *v
	}
}

func dateOr(v *time.Time, fallback time.Time) time.Time {
	if v != nil {
		return *v
	}
	return fallback
}

// buildItems validates lines against the ingredient catalog. Units must match
// the ingredient's canonical unit exactly; nothing is converted.
func (s *Service) buildItems(ctx context.Context, tenantID, purchaseID uuid.UUID, inputs []ItemInput, now time.Time) ([]Item, error) {
	if len(inputs) == 0 {
		return nil, validationf("at least one item is required")
	}
	seen := make(map[uuid.UUID]struct{}, len(inputs))
	items := make([]Item, 0, len(inputs))
	for i, in := range inputs {
		if in.IngredientID == uuid.Nil {
			return nil, validationf("item %d: ingredient is required", i+1)
		}
		if _, dup := seen[in.IngredientID]; dup {
			return nil, validationf("item %d: ingredient %s is listed twice", i+1, in.IngredientID)
		}
		seen[in.IngredientID] = struct{}{}
		if !in.Quantity.IsPositive() {
			return nil, validationf("item %d: quantity must be positive", i+1)
		}
		if in.UnitCost.Valid && in.UnitCost.Decimal.IsNegative() {
			return nil, validationf("item %d: unit cost cannot be negative", i+1)
		}
		unit := strings.TrimSpace(in.Unit)
		ingredient, err := s.catalog.Lookup(ctx, tenantID, in.IngredientID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return nil, validationf("item %d: ingredient %s not found", i+1, in.IngredientID)
			}
			return nil, err
		}
		if unit != ingredient.Unit {
			return nil, validationf("item %d: unit %q does not match %s unit %q", i+1, unit, ingredient.Name, ingredient.Unit)
		}
		item := Item{
			ID:             uuid.New(),
			PurchaseID:     purchaseID,
			IngredientID:   in.IngredientID,
			IngredientName: ingredient.Name,
			Quantity:       in.Quantity,
			Unit:           unit,
			UnitCost:       in.UnitCost,
			ExpiryDate:     in.ExpiryDate,
			BatchNumber:    in.BatchNumber,
			Notes:          in.Notes,
			CreatedAt:      now,
		}
		if in.UnitCost.Valid {
			item.TotalCost = decimal.NewNullDecimal(in.Quantity.Mul(in.UnitCost.Decimal))
		}
		items = append(items, item)
	}
	return items, nil
}
