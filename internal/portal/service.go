// Package portal serves suppliers that authenticate with their access token
// instead of a session.
package portal

import (
	"context"

	"github.com/google/uuid"

	"github.com/warocol/purchasing/internal/purchasing"
	"github.com/warocol/purchasing/internal/suppliers"
)

// TokenResolver resolves portal tokens.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (suppliers.Supplier, error)
}

// Purchases is the subset of purchasing operations open to suppliers.
type Purchases interface {
	ForSupplier(ctx context.Context, actor purchasing.Actor, status *purchasing.Status) ([]purchasing.Purchase, error)
	GetForActor(ctx context.Context, actor purchasing.Actor, id uuid.UUID) (purchasing.Purchase, error)
	CompleteQuotation(ctx context.Context, actor purchasing.Actor, id uuid.UUID, in purchasing.QuotationInput) (purchasing.Purchase, error)
	Invoice(ctx context.Context, actor purchasing.Actor, id uuid.UUID, in purchasing.InvoiceInput) (purchasing.Purchase, error)
	Ship(ctx context.Context, actor purchasing.Actor, id uuid.UUID, in purchasing.ShipInput) (purchasing.Purchase, error)
	ReconcileLegalInvoice(ctx context.Context, actor purchasing.Actor, in purchasing.LegalInvoiceInput) ([]purchasing.Purchase, error)
}

// Profile is what a supplier sees after a successful token check.
type Profile struct {
	SupplierID   uuid.UUID `json:"supplier_id"`
	SupplierName string    `json:"supplier_name"`
	TenantID     uuid.UUID `json:"tenant_id"`
}

// Service authenticates every call by token before touching a purchase.
type Service struct {
	tokens    TokenResolver
	purchases Purchases
}

// NewService constructs the portal service.
func NewService(tokens TokenResolver, purchases Purchases) *Service {
	return &Service{tokens: tokens, purchases: purchases}
}

func (s *Service) actor(ctx context.Context, token string) (purchasing.Actor, suppliers.Supplier, error) {
	sup, err := s.tokens.Resolve(ctx, token)
	if err != nil {
		return purchasing.Actor{}, suppliers.Supplier{}, err
	}
	return purchasing.SupplierActor(sup.TenantID, sup.ID), sup, nil
}

// Verify checks a token and returns the supplier profile.
func (s *Service) Verify(ctx context.Context, token string) (Profile, error) {
	_, sup, err := s.actor(ctx, token)
	if err != nil {
		return Profile{}, err
	}
	return Profile{SupplierID: sup.ID, SupplierName: sup.Name, TenantID: sup.TenantID}, nil
}

// List returns the supplier's purchases, optionally filtered by status.
func (s *Service) List(ctx context.Context, token string, status *purchasing.Status) ([]purchasing.Purchase, error) {
	actor, _, err := s.actor(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.purchases.ForSupplier(ctx, actor, status)
}

// Get returns one of the supplier's purchases.
func (s *Service) Get(ctx context.Context, token string, id uuid.UUID) (purchasing.Purchase, error) {
	actor, _, err := s.actor(ctx, token)
	if err != nil {
		return purchasing.Purchase{}, err
	}
	return s.purchases.GetForActor(ctx, actor, id)
}

// SubmitPrices prices a quotation, moving it to pending.
func (s *Service) SubmitPrices(ctx context.Context, token string, id uuid.UUID, in purchasing.QuotationInput) (purchasing.Purchase, error) {
	actor, _, err := s.actor(ctx, token)
	if err != nil {
		return purchasing.Purchase{}, err
	}
	return s.purchases.CompleteQuotation(ctx, actor, id, in)
}

// RegisterInvoice records the supplier's invoice, delivery note or credit invoice.
func (s *Service) RegisterInvoice(ctx context.Context, token string, id uuid.UUID, in purchasing.InvoiceInput) (purchasing.Purchase, error) {
	actor, _, err := s.actor(ctx, token)
	if err != nil {
		return purchasing.Purchase{}, err
	}
	return s.purchases.Invoice(ctx, actor, id, in)
}

// Ship marks an invoiced purchase as shipped.
func (s *Service) Ship(ctx context.Context, token string, id uuid.UUID, in purchasing.ShipInput) (purchasing.Purchase, error) {
	actor, _, err := s.actor(ctx, token)
	if err != nil {
		return purchasing.Purchase{}, err
	}
	return s.purchases.Ship(ctx, actor, id, in)
}

// ReconcileLegalInvoice attaches one legal invoice to several delivery-note purchases.
func (s *Service) ReconcileLegalInvoice(ctx context.Context, token string, in purchasing.LegalInvoiceInput) ([]purchasing.Purchase, error) {
	actor, _, err := s.actor(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.purchases.ReconcileLegalInvoice(ctx, actor, in)
}
