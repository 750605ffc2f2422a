package purchasing

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentType describes how a supplier is paid.
type PaymentType string

const (
	PaymentContado            PaymentType = "contado"
	PaymentCredito            PaymentType = "credito"
	PaymentContraentrega      PaymentType = "contraentrega"
	PaymentCreditoConsolidado PaymentType = "credito_consolidado"
)

// Valid reports whether p is a known payment type.
func (p PaymentType) Valid() bool {
	switch p {
	case PaymentContado, PaymentCredito, PaymentContraentrega, PaymentCreditoConsolidado:
		return true
	}
	return false
}

// DocumentType discriminates the billing document a supplier registers.
type DocumentType string

const (
	// DocumentInvoice is a final legal invoice.
	DocumentInvoice DocumentType = "factura"
	// DocumentDeliveryNote (remisión) means goods delivered, legal invoice to follow.
	DocumentDeliveryNote DocumentType = "remision"
	// DocumentCreditInvoice is a legal invoice issued on credit terms.
	DocumentCreditInvoice DocumentType = "factura_credito"
)

// ParseDocumentType validates a raw document type.
func ParseDocumentType(raw string) (DocumentType, error) {
	switch d := DocumentType(raw); d {
	case DocumentInvoice, DocumentDeliveryNote, DocumentCreditInvoice:
		return d, nil
	}
	return "", validationf("invalid document type %q", raw)
}

// AttachmentType tags an attachment with its business meaning.
type AttachmentType string

const (
	AttachmentInvoice       AttachmentType = "invoice"
	AttachmentShippingLabel AttachmentType = "shipping_label"
	AttachmentQualityPhoto  AttachmentType = "quality_photo"
	AttachmentDeliveryPhoto AttachmentType = "delivery_photo"
	AttachmentPaymentProof  AttachmentType = "payment_proof"
	AttachmentOther         AttachmentType = "other"
)

var attachmentTypes = []AttachmentType{
	AttachmentInvoice, AttachmentShippingLabel, AttachmentQualityPhoto,
	AttachmentDeliveryPhoto, AttachmentPaymentProof, AttachmentOther,
}

// ParseAttachmentType validates a raw attachment type. Empty means other.
func ParseAttachmentType(raw string) (AttachmentType, error) {
	if raw == "" {
		return AttachmentOther, nil
	}
	t := AttachmentType(raw)
	if !slices.Contains(attachmentTypes, t) {
		return "", validationf("invalid attachment type %q", raw)
	}
	return t, nil
}

// Purchase is the aggregate root.
type Purchase struct {
	ID             uuid.UUID  `json:"id"`
	TenantID       uuid.UUID  `json:"tenant_id"`
	SupplierID     uuid.UUID  `json:"supplier_id"`
	SupplierName   string     `json:"supplier_name,omitempty"`
	PurchaseNumber string     `json:"purchase_number"`
	Status         Status     `json:"status"`
	PurchaseDate   time.Time  `json:"purchase_date"`
	DeliveryDate   *time.Time `json:"delivery_date,omitempty"`

	TotalAmount decimal.NullDecimal `json:"total_amount"`
	TaxAmount   decimal.NullDecimal `json:"tax_amount"`

	DocumentType   *DocumentType       `json:"document_type,omitempty"`
	InvoiceNumber  *string             `json:"invoice_number,omitempty"`
	InvoiceDate    *time.Time          `json:"invoice_date,omitempty"`
	InvoiceAmount  decimal.NullDecimal `json:"invoice_amount"`
	PaymentMethod  *string             `json:"payment_method,omitempty"`
	PaymentRef     *string             `json:"payment_reference,omitempty"`
	PaymentAmount  decimal.NullDecimal `json:"payment_amount"`
	PaymentDate    *time.Time          `json:"payment_date,omitempty"`
	PaymentType    PaymentType         `json:"payment_type"`
	CreditDays     *int                `json:"credit_days,omitempty"`
	PaymentDueDate *time.Time          `json:"payment_due_date,omitempty"`
	PaymentBalance decimal.NullDecimal `json:"payment_balance"`
	AdvancePayment bool                `json:"requires_advance_payment"`
	Consolidation  *string             `json:"consolidation_group,omitempty"`

	ConfirmationNumber    *string    `json:"confirmation_number,omitempty"`
	TrackingNumber        *string    `json:"tracking_number,omitempty"`
	Carrier               *string    `json:"carrier,omitempty"`
	EstimatedDeliveryDate *time.Time `json:"estimated_delivery_date,omitempty"`
	PackageCount          *int       `json:"package_count,omitempty"`
	PackageCondition      *string    `json:"package_condition,omitempty"`

	ReceivedBy         *uuid.UUID `json:"received_by,omitempty"`
	VerifiedBy         *uuid.UUID `json:"verified_by,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	Notes              *string    `json:"notes,omitempty"`

	CreatedBy   uuid.UUID  `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ShippedAt   *time.Time `json:"shipped_at,omitempty"`
	ReceivedAt  *time.Time `json:"received_at,omitempty"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
	InvoicedAt  *time.Time `json:"invoiced_at,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	Items []Item `json:"items"`
}

// Item is a purchase line.
type Item struct {
	ID             uuid.UUID           `json:"id"`
	PurchaseID     uuid.UUID           `json:"purchase_id"`
	IngredientID   uuid.UUID           `json:"ingredient_id"`
	IngredientName string              `json:"ingredient_name,omitempty"`
	Quantity       decimal.Decimal     `json:"quantity"`
	Unit           string              `json:"unit"`
	UnitCost       decimal.NullDecimal `json:"unit_cost"`
	TotalCost      decimal.NullDecimal `json:"total_cost"`
	ExpiryDate     *time.Time          `json:"expiry_date,omitempty"`
	BatchNumber    *string             `json:"batch_number,omitempty"`
	Notes          *string             `json:"notes,omitempty"`

	QuantityReceived  decimal.NullDecimal `json:"quantity_received"`
	ItemCondition     *string             `json:"item_condition,omitempty"`
	QualityStatus     *string             `json:"quality_status,omitempty"`
	QualityNotes      *string             `json:"quality_notes,omitempty"`
	VerificationNotes *string             `json:"verification_notes,omitempty"`
	ReceivedAt        *time.Time          `json:"received_at,omitempty"`
	VerifiedAt        *time.Time          `json:"verified_at,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

// HistoryEntry is an append-only record of one status change.
type HistoryEntry struct {
	ID         uuid.UUID `json:"id"`
	PurchaseID uuid.UUID `json:"purchase_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	FromStatus *Status   `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	ChangedBy  uuid.UUID `json:"changed_by"`
	ChangedAt  time.Time `json:"changed_at"`
	Metadata   Metadata  `json:"metadata"`
	Notes      *string   `json:"notes,omitempty"`
}

// Attachment references a stored file.
type Attachment struct {
	ID             uuid.UUID      `json:"id"`
	PurchaseID     uuid.UUID      `json:"purchase_id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	HistoryEntryID *uuid.UUID     `json:"history_entry_id,omitempty"`
	StorageKey     string         `json:"storage_key"`
	FileName       string         `json:"file_name"`
	FileSize       int64          `json:"file_size"`
	MimeType       string         `json:"mime_type"`
	Type           AttachmentType `json:"attachment_type"`
	Description    *string        `json:"description,omitempty"`
	UploadedBy     uuid.UUID      `json:"uploaded_by"`
	UploadedAt     time.Time      `json:"uploaded_at"`
	URL            string         `json:"url,omitempty"`
}

// TransitionDetail is a history entry with the files ingested alongside it.
type TransitionDetail struct {
	Entry       HistoryEntry `json:"entry"`
	Attachments []Attachment `json:"attachments"`
}

// Actor identifies who performs an operation. A supplier actor only reaches
// purchases placed with SupplierID.
type Actor struct {
	TenantID   uuid.UUID
	UserID     uuid.UUID
	Origin     Origin
	SupplierID uuid.UUID
}

// Origin is the channel an operation arrived through.
type Origin string

const (
	OriginStaff    Origin = "staff"
	OriginSupplier Origin = "supplier"
	OriginSystem   Origin = "system"
)

// SystemActor returns the actor used by scheduled jobs for tenantID.
func SystemActor(tenantID uuid.UUID) Actor {
	return Actor{TenantID: tenantID, UserID: uuid.Nil, Origin: OriginSystem}
}

// StaffActor returns the actor for an authenticated tenant user.
func StaffActor(tenantID, userID uuid.UUID) Actor {
	return Actor{TenantID: tenantID, UserID: userID, Origin: OriginStaff}
}

// SupplierActor returns the actor for a supplier authenticated by portal token.
// The supplier id doubles as the history author.
func SupplierActor(tenantID, supplierID uuid.UUID) Actor {
	return Actor{TenantID: tenantID, UserID: supplierID, Origin: OriginSupplier, SupplierID: supplierID}
}

// owns reports whether the actor may see p.
func (a Actor) owns(p Purchase) bool {
	if a.Origin != OriginSupplier {
		return true
	}
	return p.SupplierID == a.SupplierID
}

// Subtotal sums priced item totals and reports whether every item is priced.
func Subtotal(items []Item) (decimal.Decimal, bool) {
	sum := decimal.Zero
	for _, it := range items {
		if !it.TotalCost.Valid {
			return decimal.Zero, false
		}
		sum = sum.Add(it.TotalCost.Decimal)
	}
	return sum, true
}

const numberPrefix = "WR"

// FormatNumber renders a tenant-scoped purchase number.
func FormatNumber(year, seq int) string {
	return fmt.Sprintf("%s-%d-%04d", numberPrefix, year, seq)
}

func ptr[T any](v T) *T {
	return &v
}
