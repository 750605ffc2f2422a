package suppliers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/warocol/purchasing/internal/shared"
)

var (
	// ErrInvalidToken is returned when a portal token does not resolve to an active supplier.
	ErrInvalidToken = fmt.Errorf("suppliers: unknown access token: %w", shared.ErrNotFound)
	// ErrMalformedToken is returned when a portal token is not a UUID.
	ErrMalformedToken = fmt.Errorf("suppliers: malformed access token: %w", shared.ErrValidation)
)

// LinkBuilder renders the tenant-specific portal link for a token.
type LinkBuilder interface {
	PortalLink(ctx context.Context, tenantID uuid.UUID, token uuid.UUID) (string, error)
}

// AuditPort records supplier changes.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages suppliers and resolves portal tokens.
type Service struct {
	repo   RepositoryPort
	cache  *TokenCache
	links  LinkBuilder
	audit  AuditPort
	logger *slog.Logger
	group  singleflight.Group
	now    func() time.Time
}

// NewService constructs a supplier service.
func NewService(repo RepositoryPort, cache *TokenCache, links LinkBuilder, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, links: links, audit: audit, logger: logger, now: time.Now}
}

// Get returns one supplier of a tenant.
func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (Supplier, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// List returns one page of a tenant's suppliers.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Supplier, shared.Pagination, error) {
	f.Limit, f.Offset = shared.ClampPage(f.Limit, f.Offset)
	list, total, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	if list == nil {
		list = []Supplier{}
	}
	return list, shared.NewPagination(f.Limit, f.Offset, total), nil
}

// Create registers a supplier with a fresh portal token.
func (s *Service) Create(ctx context.Context, tenantID, actorID uuid.UUID, in CreateInput) (Supplier, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Supplier{}, fmt.Errorf("suppliers: name is required: %w", shared.ErrValidation)
	}
	now := s.now()
	sup := Supplier{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Name:         name,
		ContactName:  in.ContactName,
		TaxID:        in.TaxID,
		Address:      in.Address,
		Email:        strings.TrimSpace(strings.ToLower(in.Email)),
		Phone:        in.Phone,
		PaymentTerms: in.PaymentTerms,
		AccessToken:  uuid.New(),
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Insert(ctx, sup); err != nil {
		return Supplier{}, err
	}
	s.record(ctx, tenantID, actorID, "SUPPLIER_CREATE", sup.ID, map[string]any{"name": sup.Name})
	return sup, nil
}

// Update applies a partial update. Deactivating a supplier revokes its cached token.
func (s *Service) Update(ctx context.Context, tenantID, actorID, id uuid.UUID, in UpdateInput) (Supplier, error) {
	if in.Empty() {
		return Supplier{}, fmt.Errorf("suppliers: no fields to update: %w", shared.ErrValidation)
	}
	sup, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return Supplier{}, err
	}
	changed := map[string]any{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return Supplier{}, fmt.Errorf("suppliers: name is required: %w", shared.ErrValidation)
		}
		sup.Name = name
		changed["name"] = name
	}
	if in.ContactName != nil {
		sup.ContactName = in.ContactName
		changed["contact_name"] = *in.ContactName
	}
	if in.TaxID != nil {
		sup.TaxID = in.TaxID
		changed["tax_id"] = *in.TaxID
	}
	if in.Address != nil {
		sup.Address = in.Address
		changed["address"] = *in.Address
	}
	if in.Email != nil {
		sup.Email = strings.TrimSpace(strings.ToLower(*in.Email))
		changed["email"] = sup.Email
	}
	if in.Phone != nil {
		sup.Phone = in.Phone
		changed["phone"] = *in.Phone
	}
	if in.PaymentTerms != nil {
		sup.PaymentTerms = in.PaymentTerms
		changed["payment_terms"] = *in.PaymentTerms
	}
	if in.IsActive != nil {
		sup.IsActive = *in.IsActive
		changed["is_active"] = *in.IsActive
	}
	sup.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, sup); err != nil {
		return Supplier{}, err
	}
	// Cached entries carry the old fields; the next portal request reloads them.
	s.invalidate(ctx, sup)
	s.record(ctx, tenantID, actorID, "SUPPLIER_UPDATE", id, changed)
	return sup, nil
}

// Delete removes a supplier that no purchase references.
func (s *Service) Delete(ctx context.Context, tenantID, actorID, id uuid.UUID) error {
	sup, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, tenantID, id); err != nil {
		return err
	}
	s.invalidate(ctx, sup)
	s.record(ctx, tenantID, actorID, "SUPPLIER_DELETE", id, map[string]any{"name": sup.Name})
	return nil
}

// Resolve maps a raw portal token to its supplier. Concurrent lookups of the
// same token share one database query.
func (s *Service) Resolve(ctx context.Context, raw string) (Supplier, error) {
	token, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || token == uuid.Nil {
		return Supplier{}, ErrMalformedToken
	}
	if cached, ok, err := s.cache.Get(ctx, token); err != nil {
		s.logger.WarnContext(ctx, "supplier token cache read failed", slog.Any("error", err))
	} else if ok {
		return cached, nil
	}

	v, err, _ := s.group.Do(token.String(), func() (any, error) {
		sup, err := s.repo.FindByToken(ctx, token)
		if err != nil {
			return Supplier{}, err
		}
		if err := s.cache.Set(ctx, sup); err != nil {
			s.logger.WarnContext(ctx, "supplier token cache write failed", slog.Any("error", err))
		}
		return sup, nil
	})
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Supplier{}, ErrInvalidToken
		}
		return Supplier{}, err
	}
	return v.(Supplier), nil
}

// RegenerateToken issues a new portal token and revokes the old one.
func (s *Service) RegenerateToken(ctx context.Context, tenantID, actorID, id uuid.UUID) (Supplier, error) {
	sup, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return Supplier{}, err
	}
	old := sup.AccessToken
	sup.AccessToken = uuid.New()
	if err := s.repo.UpdateToken(ctx, tenantID, id, sup.AccessToken); err != nil {
		return Supplier{}, err
	}
	s.invalidate(ctx, Supplier{ID: id, AccessToken: old})
	s.record(ctx, tenantID, actorID, "SUPPLIER_TOKEN_REGENERATE", id, nil)
	return sup, nil
}

// PortalLink returns the portal URL of a supplier.
func (s *Service) PortalLink(ctx context.Context, tenantID, id uuid.UUID) (string, error) {
	sup, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return "", err
	}
	return s.links.PortalLink(ctx, tenantID, sup.AccessToken)
}

func (s *Service) invalidate(ctx context.Context, sup Supplier) {
	if err := s.cache.Invalidate(ctx, sup.AccessToken); err != nil {
		s.logger.WarnContext(ctx, "supplier token cache invalidate failed",
			slog.String("supplier_id", sup.ID.String()), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, tenantID, actorID uuid.UUID, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "supplier",
		EntityID: id.String(),
		Meta:     meta,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
