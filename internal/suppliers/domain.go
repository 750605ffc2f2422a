package suppliers

import (
	"time"

	"github.com/google/uuid"
)

// Supplier is a vendor of a tenant. AccessToken is the sole portal credential.
type Supplier struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	Name         string    `json:"name"`
	ContactName  *string   `json:"contact_name,omitempty"`
	TaxID        *string   `json:"tax_id,omitempty"`
	Address      *string   `json:"address,omitempty"`
	Email        string    `json:"email,omitempty"`
	Phone        *string   `json:"phone,omitempty"`
	PaymentTerms *string   `json:"payment_terms,omitempty"`
	AccessToken  uuid.UUID `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateInput describes a new supplier.
type CreateInput struct {
	Name         string  `json:"name" validate:"required,max=200"`
	ContactName  *string `json:"contact_name" validate:"omitempty,max=200"`
	TaxID        *string `json:"tax_id" validate:"omitempty,max=50"`
	Address      *string `json:"address" validate:"omitempty,max=500"`
	Email        string  `json:"email" validate:"omitempty,email"`
	Phone        *string `json:"phone" validate:"omitempty,max=50"`
	PaymentTerms *string `json:"payment_terms" validate:"omitempty,max=100"`
}

// UpdateInput is a partial update; nil fields are left unchanged.
type UpdateInput struct {
	Name         *string `json:"name" validate:"omitempty,min=1,max=200"`
	ContactName  *string `json:"contact_name" validate:"omitempty,max=200"`
	TaxID        *string `json:"tax_id" validate:"omitempty,max=50"`
	Address      *string `json:"address" validate:"omitempty,max=500"`
	Email        *string `json:"email" validate:"omitempty,email"`
	Phone        *string `json:"phone" validate:"omitempty,max=50"`
	PaymentTerms *string `json:"payment_terms" validate:"omitempty,max=100"`
	IsActive     *bool   `json:"is_active"`
}

// Empty reports whether the update names no field.
func (in UpdateInput) Empty() bool {
	return in.Name == nil && in.ContactName == nil && in.TaxID == nil && in.Address == nil &&
		in.Email == nil && in.Phone == nil && in.PaymentTerms == nil && in.IsActive == nil
}

// ListFilter narrows a supplier listing. Search matches name or tax id.
type ListFilter struct {
	TenantID     uuid.UUID
	Search       string
	IsActive     *bool
	PaymentTerms string
	Limit        int
	Offset       int
}
