package purchasing

import (
	"context"

	"github.com/google/uuid"
)

// History returns every status change of a purchase in chronological order.
func (s *Service) History(ctx context.Context, tenantID, purchaseID uuid.UUID) ([]HistoryEntry, error) {
	return s.repo.ListHistory(ctx, tenantID, purchaseID)
}

// TransitionDetail returns one history entry with the attachments ingested alongside it.
func (s *Service) TransitionDetail(ctx context.Context, tenantID, purchaseID, entryID uuid.UUID) (TransitionDetail, error) {
	entry, err := s.repo.GetHistoryEntry(ctx, tenantID, purchaseID, entryID)
	if err != nil {
		return TransitionDetail{}, err
	}
	attachments, err := s.repo.ListEntryAttachments(ctx, tenantID, entryID)
	if err != nil {
		return TransitionDetail{}, err
	}
	if attachments == nil {
		attachments = []Attachment{}
	}
	return TransitionDetail{Entry: entry, Attachments: s.sign(ctx, attachments)}, nil
}

// ForSupplier lists the purchases placed with the actor's supplier.
func (s *Service) ForSupplier(ctx context.Context, actor Actor, status *Status) ([]Purchase, error) {
	if actor.Origin != OriginSupplier {
		return nil, validationf("supplier listing requires a supplier actor")
	}
	return s.repo.ListBySupplier(ctx, actor.TenantID, actor.SupplierID, status)
}

// GetForActor returns a purchase the actor may see.
func (s *Service) GetForActor(ctx context.Context, actor Actor, id uuid.UUID) (Purchase, error) {
	p, err := s.repo.GetPurchase(ctx, actor.TenantID, id)
	if err != nil {
		return Purchase{}, err
	}
	if !actor.owns(p) {
		return Purchase{}, ErrNotFound
	}
	return p, nil
}
