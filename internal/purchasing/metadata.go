package purchasing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MetadataKind discriminates the serialized metadata variants.
type MetadataKind string

const (
	KindConfirm   MetadataKind = "confirm"
	KindShip      MetadataKind = "ship"
	KindReceive   MetadataKind = "receive"
	KindVerify    MetadataKind = "verify"
	KindInvoice   MetadataKind = "invoice"
	KindPayment   MetadataKind = "payment"
	KindCancel    MetadataKind = "cancel"
	KindQuotation MetadataKind = "quotation"
	KindOverdue   MetadataKind = "overdue"
)

// Metadata is the transition-specific payload recorded with each history entry.
type Metadata interface {
	Kind() MetadataKind
}

// ConfirmMetadata accompanies pending -> confirmed.
type ConfirmMetadata struct {
	ConfirmationNumber    *string    `json:"confirmation_number,omitempty"`
	EstimatedDeliveryDate *time.Time `json:"estimated_delivery_date,omitempty"`
}

// ShipMetadata accompanies any move to shipped.
type ShipMetadata struct {
	TrackingNumber        string     `json:"tracking_number"`
	Carrier               string     `json:"carrier"`
	PackageCount          *int       `json:"package_count,omitempty"`
	EstimatedDeliveryDate *time.Time `json:"estimated_delivery_date,omitempty"`
	AttachmentsCount      int        `json:"attachments_count"`
}

// ReceiveMetadata accompanies shipped -> received or partially_received.
type ReceiveMetadata struct {
	PackageCondition string `json:"package_condition"`
	Partial          bool   `json:"partial_reception"`
	ItemsUpdated     int    `json:"items_updated"`
	AttachmentsCount int    `json:"attachments_count"`
}

// VerifyMetadata accompanies received -> verified.
type VerifyMetadata struct {
	AllItemsApproved bool `json:"all_items_approved"`
	ItemsVerified    int  `json:"items_verified"`
	AttachmentsCount int  `json:"attachments_count"`
}

// LegalInvoice records a legal invoice reconciled onto delivery-note purchases.
type LegalInvoice struct {
	InvoiceNumber string          `json:"invoice_number"`
	InvoiceDate   time.Time       `json:"invoice_date"`
	InvoiceAmount decimal.Decimal `json:"invoice_amount"`
	GroupSize     int             `json:"group_size"`
	ReconciledAt  time.Time       `json:"reconciled_at"`
}

// InvoiceMetadata accompanies any move to invoiced.
type InvoiceMetadata struct {
	DocumentType     DocumentType        `json:"document_type"`
	InvoiceNumber    string              `json:"invoice_number"`
	InvoiceDate      *time.Time          `json:"invoice_date,omitempty"`
	InvoiceAmount    decimal.Decimal     `json:"invoice_amount"`
	TaxAmount        decimal.NullDecimal `json:"tax_amount"`
	CreditDays       *int                `json:"credit_days,omitempty"`
	PaymentDueDate   *time.Time          `json:"payment_due_date,omitempty"`
	AttachmentsCount int                 `json:"attachments_count"`
	LegalInvoice     *LegalInvoice       `json:"legal_invoice,omitempty"`
}

// PaymentMetadata accompanies any move to paid.
type PaymentMetadata struct {
	PaymentMethod    string          `json:"payment_method"`
	PaymentReference string          `json:"payment_reference"`
	PaymentAmount    decimal.Decimal `json:"payment_amount"`
	PaymentDate      time.Time       `json:"payment_date"`
	AttachmentsCount int             `json:"attachments_count"`
}

// CancelMetadata accompanies any move to cancelled.
type CancelMetadata struct {
	Reason string `json:"cancellation_reason"`
}

// QuotationMetadata accompanies quotation -> pending.
type QuotationMetadata struct {
	ItemsPriced int             `json:"items_priced"`
	TaxAmount   decimal.Decimal `json:"tax_amount"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Origin      Origin          `json:"origin"`
}

// OverdueMetadata accompanies a move to overdue raised by the scheduler.
type OverdueMetadata struct {
	EstimatedDeliveryDate time.Time `json:"estimated_delivery_date"`
}

func (ConfirmMetadata) Kind() MetadataKind   { return KindConfirm }
func (ShipMetadata) Kind() MetadataKind      { return KindShip }
func (ReceiveMetadata) Kind() MetadataKind   { return KindReceive }
func (VerifyMetadata) Kind() MetadataKind    { return KindVerify }
func (InvoiceMetadata) Kind() MetadataKind   { return KindInvoice }
func (PaymentMetadata) Kind() MetadataKind   { return KindPayment }
func (CancelMetadata) Kind() MetadataKind    { return KindCancel }
func (QuotationMetadata) Kind() MetadataKind { return KindQuotation }
func (OverdueMetadata) Kind() MetadataKind   { return KindOverdue }

// RawMetadata preserves documents of a kind this build does not know.
type RawMetadata struct {
	KindName MetadataKind    `json:"-"`
	Data     json.RawMessage `json:"data"`
}

func (m RawMetadata) Kind() MetadataKind { return m.KindName }

type metadataEnvelope struct {
	Kind MetadataKind    `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMetadata serializes m into the stored document form.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	if raw, ok := m.(RawMetadata); ok {
		return json.Marshal(metadataEnvelope{Kind: raw.KindName, Data: raw.Data})
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("purchasing: encode %s metadata: %w", m.Kind(), err)
	}
	return json.Marshal(metadataEnvelope{Kind: m.Kind(), Data: data})
}

// DecodeMetadata parses a stored document back into its variant.
func DecodeMetadata(doc []byte) (Metadata, error) {
	if len(doc) == 0 || string(doc) == "{}" || string(doc) == "null" {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return nil, fmt.Errorf("purchasing: decode metadata: %w", err)
	}
	var target Metadata
	switch env.Kind {
	case KindConfirm:
		target = &ConfirmMetadata{}
	case KindShip:
		target = &ShipMetadata{}
	case KindReceive:
		target = &ReceiveMetadata{}
	case KindVerify:
		target = &VerifyMetadata{}
	case KindInvoice:
		target = &InvoiceMetadata{}
	case KindPayment:
		target = &PaymentMetadata{}
	case KindCancel:
		target = &CancelMetadata{}
	case KindQuotation:
		target = &QuotationMetadata{}
	case KindOverdue:
		target = &OverdueMetadata{}
	default:
		return RawMetadata{KindName: env.Kind, Data: env.Data}, nil
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return nil, fmt.Errorf("purchasing: decode %s metadata: %w", env.Kind, err)
	}
	return deref(target), nil
}

func deref(m Metadata) Metadata {
	switch v := m.(type) {
	case *ConfirmMetadata:
		return *v
	case *ShipMetadata:
		return *v
	case *ReceiveMetadata:
		return *v
	case *VerifyMetadata:
		return *v
	case *InvoiceMetadata:
		return *v
	case *PaymentMetadata:
		return *v
	case *CancelMetadata:
		return *v
	case *QuotationMetadata:
		return *v
	case *OverdueMetadata:
		return *v
	}
	return m
}

// MarshalJSON renders Metadata in its stored envelope form so clients can
// switch on the kind.
func (e HistoryEntry) MarshalJSON() ([]byte, error) {
	type alias HistoryEntry
	doc, err := EncodeMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		alias
		Metadata json.RawMessage `json:"metadata"`
	}{alias: alias(e), Metadata: doc})
}

// UnmarshalJSON reverses MarshalJSON.
func (e *HistoryEntry) UnmarshalJSON(b []byte) error {
	type alias HistoryEntry
	aux := struct {
		*alias
		Metadata json.RawMessage `json:"metadata"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	meta, err := DecodeMetadata(aux.Metadata)
	if err != nil {
		return err
	}
	e.Metadata = meta
	return nil
}
