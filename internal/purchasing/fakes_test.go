package purchasing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warocol/purchasing/internal/ingredients"
	"github.com/warocol/purchasing/internal/mail"
	"github.com/warocol/purchasing/internal/shared"
	"github.com/warocol/purchasing/internal/suppliers"
)

var errInjected = errors.New("injected failure")

type memoryState struct {
	purchases   map[uuid.UUID]Purchase
	history     []HistoryEntry
	attachments []Attachment
	counters    map[string]int
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		purchases:   make(map[uuid.UUID]Purchase, len(s.purchases)),
		history:     slices.Clone(s.history),
		attachments: slices.Clone(s.attachments),
		counters:    make(map[string]int, len(s.counters)),
	}
	for id, p := range s.purchases {
		p.Items = slices.Clone(p.Items)
		out.purchases[id] = p
	}
	for k, v := range s.counters {
		out.counters[k] = v
	}
	return out
}

// memoryRepo is a transactional in-memory RepositoryPort. A failing
// transaction restores the snapshot taken when it began.
type memoryRepo struct {
	mu    sync.Mutex
	state memoryState

	failInsertHistory    error
	failInsertAttachment func(a Attachment) error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: memoryState{
		purchases: map[uuid.UUID]Purchase{},
		counters:  map[string]int{},
	}}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.state.clone()
	if err := fn(ctx, &memoryTx{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *memoryRepo) purchase(tenantID, id uuid.UUID) (Purchase, error) {
	p, ok := m.state.purchases[id]
	if !ok || p.TenantID != tenantID {
		return Purchase{}, ErrNotFound
	}
	p.Items = slices.Clone(p.Items)
	return p, nil
}

func (m *memoryRepo) GetPurchase(_ context.Context, tenantID, id uuid.UUID) (Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purchase(tenantID, id)
}

func (m *memoryRepo) sorted(keep func(Purchase) bool) []Purchase {
	var out []Purchase
	for _, p := range m.state.purchases {
		if keep(p) {
			p.Items = slices.Clone(p.Items)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PurchaseNumber > out[j].PurchaseNumber })
	return out
}

func (m *memoryRepo) ListPurchases(_ context.Context, f ListFilter) ([]Purchase, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted(func(p Purchase) bool {
		if p.TenantID != f.TenantID {
			return false
		}
		if f.Status != nil && p.Status != *f.Status {
			return false
		}
		if f.SupplierID != nil && p.SupplierID != *f.SupplierID {
			return false
		}
		if s := strings.ToLower(strings.TrimSpace(f.Search)); s != "" && !strings.Contains(strings.ToLower(p.PurchaseNumber), s) {
			return false
		}
		return true
	})
	total := len(all)
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	end := min(f.Offset+f.Limit, len(all))
	return all[f.Offset:end], total, nil
}

func (m *memoryRepo) ListBySupplier(_ context.Context, tenantID, supplierID uuid.UUID, status *Status) ([]Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(p Purchase) bool {
		return p.TenantID == tenantID && p.SupplierID == supplierID && (status == nil || p.Status == *status)
	}), nil
}

func (m *memoryRepo) ListOverdueCandidates(_ context.Context, asOf time.Time, limit int) ([]Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(p Purchase) bool {
		inTransit := p.Status == StatusShipped || p.Status == StatusPartiallyReceived
		return inTransit && p.EstimatedDeliveryDate != nil && p.EstimatedDeliveryDate.Before(asOf)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func counterKey(tenantID uuid.UUID, year int) string {
	return fmt.Sprintf("%s/%d", tenantID, year)
}

func (m *memoryRepo) PeekSequence(_ context.Context, tenantID uuid.UUID, year int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.counters[counterKey(tenantID, year)] + 1, nil
}

func (m *memoryRepo) ListHistory(_ context.Context, tenantID, purchaseID uuid.UUID) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.purchase(tenantID, purchaseID); err != nil {
		return nil, err
	}
	var out []HistoryEntry
	for _, e := range m.state.history {
		if e.PurchaseID == purchaseID && e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryRepo) GetHistoryEntry(_ context.Context, tenantID, purchaseID, entryID uuid.UUID) (HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.state.history {
		if e.ID == entryID && e.PurchaseID == purchaseID && e.TenantID == tenantID {
			return e, nil
		}
	}
	return HistoryEntry{}, ErrNotFound
}

func (m *memoryRepo) filterAttachments(keep func(Attachment) bool) []Attachment {
	var out []Attachment
	for _, a := range m.state.attachments {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func (m *memoryRepo) ListAttachments(_ context.Context, tenantID, purchaseID uuid.UUID) ([]Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.purchase(tenantID, purchaseID); err != nil {
		return nil, err
	}
	return m.filterAttachments(func(a Attachment) bool {
		return a.PurchaseID == purchaseID && a.TenantID == tenantID
	}), nil
}

func (m *memoryRepo) ListEntryAttachments(_ context.Context, tenantID, entryID uuid.UUID) ([]Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterAttachments(func(a Attachment) bool {
		return a.HistoryEntryID != nil && *a.HistoryEntryID == entryID && a.TenantID == tenantID
	}), nil
}

func (m *memoryRepo) GetAttachment(_ context.Context, tenantID, id uuid.UUID) (Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.state.attachments {
		if a.ID == id && a.TenantID == tenantID {
			return a, nil
		}
	}
	return Attachment{}, ErrNotFound
}

func (m *memoryRepo) CountStorageKey(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filterAttachments(func(a Attachment) bool { return a.StorageKey == key })), nil
}

// memoryTx runs with memoryRepo.mu held by WithTx.
type memoryTx struct {
	m *memoryRepo
}

func (t *memoryTx) LockPurchase(_ context.Context, tenantID, id uuid.UUID) (Purchase, error) {
	return t.m.purchase(tenantID, id)
}

func (t *memoryTx) NextSequence(_ context.Context, tenantID uuid.UUID, year int) (int, error) {
	key := counterKey(tenantID, year)
	t.m.state.counters[key]++
	return t.m.state.counters[key], nil
}

func (t *memoryTx) InsertPurchase(_ context.Context, p Purchase) error {
	for _, other := range t.m.state.purchases {
		if other.TenantID == p.TenantID && other.PurchaseNumber == p.PurchaseNumber {
			return fmt.Errorf("duplicate purchase number %s: %w", p.PurchaseNumber, ErrConflict)
		}
	}
	p.Items = nil
	t.m.state.purchases[p.ID] = p
	return nil
}

func (t *memoryTx) UpdatePurchase(_ context.Context, tenantID, id uuid.UUID, updates map[string]any) error {
	p, err := t.m.purchase(tenantID, id)
	if err != nil {
		return err
	}
	for col, v := range updates {
		if err := applyPurchaseColumn(&p, col, v); err != nil {
			return err
		}
	}
	t.m.state.purchases[id] = p
	return nil
}

func (t *memoryTx) DeletePurchase(_ context.Context, tenantID, id uuid.UUID) error {
	if _, err := t.m.purchase(tenantID, id); err != nil {
		return err
	}
	delete(t.m.state.purchases, id)
	t.m.state.history = slices.DeleteFunc(t.m.state.history, func(e HistoryEntry) bool { return e.PurchaseID == id })
	t.m.state.attachments = slices.DeleteFunc(t.m.state.attachments, func(a Attachment) bool { return a.PurchaseID == id })
	return nil
}

func (t *memoryTx) InsertItem(_ context.Context, it Item, position int) error {
	p, ok := t.m.state.purchases[it.PurchaseID]
	if !ok {
		return ErrNotFound
	}
	items := slices.Clone(p.Items)
	p.Items = slices.Insert(items, min(position, len(items)), it)
	t.m.state.purchases[it.PurchaseID] = p
	return nil
}

func (t *memoryTx) DeleteItems(_ context.Context, purchaseID uuid.UUID) error {
	if p, ok := t.m.state.purchases[purchaseID]; ok {
		p.Items = nil
		t.m.state.purchases[purchaseID] = p
	}
	return nil
}

func (t *memoryTx) UpdateItemByIngredient(_ context.Context, purchaseID, ingredientID uuid.UUID, updates map[string]any) (int64, error) {
	p, ok := t.m.state.purchases[purchaseID]
	if !ok {
		return 0, nil
	}
	items := slices.Clone(p.Items)
	var n int64
	for i := range items {
		if items[i].IngredientID != ingredientID {
			continue
		}
		for col, v := range updates {
			if err := applyItemColumn(&items[i], col, v); err != nil {
				return 0, err
			}
		}
		n++
	}
	p.Items = items
	t.m.state.purchases[purchaseID] = p
	return n, nil
}

func (t *memoryTx) InsertHistory(_ context.Context, e HistoryEntry) error {
	if t.m.failInsertHistory != nil {
		return t.m.failInsertHistory
	}
	t.m.state.history = append(t.m.state.history, e)
	return nil
}

func (t *memoryTx) FindLatestEntry(_ context.Context, tenantID, purchaseID uuid.UUID, to Status) (HistoryEntry, error) {
	for i := len(t.m.state.history) - 1; i >= 0; i-- {
		e := t.m.state.history[i]
		if e.PurchaseID == purchaseID && e.TenantID == tenantID && e.ToStatus == to {
			return e, nil
		}
	}
	return HistoryEntry{}, ErrNotFound
}

func (t *memoryTx) RewriteEntryMetadata(_ context.Context, tenantID, entryID uuid.UUID, meta Metadata) error {
	for i, e := range t.m.state.history {
		if e.ID == entryID && e.TenantID == tenantID {
			t.m.state.history[i].Metadata = meta
			return nil
		}
	}
	return ErrNotFound
}

func (t *memoryTx) InsertAttachment(_ context.Context, a Attachment) error {
	if t.m.failInsertAttachment != nil {
		if err := t.m.failInsertAttachment(a); err != nil {
			return err
		}
	}
	t.m.state.attachments = append(t.m.state.attachments, a)
	return nil
}

func (t *memoryTx) DeleteAttachment(_ context.Context, tenantID, id uuid.UUID) error {
	before := len(t.m.state.attachments)
	t.m.state.attachments = slices.DeleteFunc(t.m.state.attachments, func(a Attachment) bool {
		return a.ID == id && a.TenantID == tenantID
	})
	if len(t.m.state.attachments) == before {
		return ErrNotFound
	}
	return nil
}

func asTime(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	}
	return nil
}

func asString(v any) *string {
	switch t := v.(type) {
	case string:
		return &t
	case *string:
		return t
	}
	return nil
}

func asInt(v any) *int {
	switch t := v.(type) {
	case int:
		return &t
	case *int:
		return t
	}
	return nil
}

func asUUID(v any) *uuid.UUID {
	switch t := v.(type) {
	case uuid.UUID:
		return &t
	case *uuid.UUID:
		return t
	}
	return nil
}

func asNullDecimal(v any) decimal.NullDecimal {
	switch t := v.(type) {
	case decimal.NullDecimal:
		return t
	case decimal.Decimal:
		return decimal.NewNullDecimal(t)
	}
	return decimal.NullDecimal{}
}

func applyPurchaseColumn(p *Purchase, col string, v any) error {
	if !slices.Contains(purchaseUpdatable, col) {
		return fmt.Errorf("purchasing: column %q is not updatable", col)
	}
	switch col {
	case "status":
		p.Status = v.(Status)
	case "supplier_id":
		p.SupplierID = *asUUID(v)
	case "purchase_date":
		p.PurchaseDate = *asTime(v)
	case "delivery_date":
		p.DeliveryDate = asTime(v)
	case "total_amount":
		p.TotalAmount = asNullDecimal(v)
	case "tax_amount":
		p.TaxAmount = asNullDecimal(v)
	case "document_type":
		d := v.(DocumentType)
		p.DocumentType = &d
	case "invoice_number":
		p.InvoiceNumber = asString(v)
	case "invoice_date":
		p.InvoiceDate = asTime(v)
	case "invoice_amount":
		p.InvoiceAmount = asNullDecimal(v)
	case "payment_method":
		p.PaymentMethod = asString(v)
	case "payment_reference":
		p.PaymentRef = asString(v)
	case "payment_amount":
		p.PaymentAmount = asNullDecimal(v)
	case "payment_date":
		p.PaymentDate = asTime(v)
	case "payment_type":
		p.PaymentType = v.(PaymentType)
	case "credit_days":
		p.CreditDays = asInt(v)
	case "payment_due_date":
		p.PaymentDueDate = asTime(v)
	case "payment_balance":
		p.PaymentBalance = asNullDecimal(v)
	case "requires_advance_payment":
		p.AdvancePayment = v.(bool)
	case "consolidation_group":
		p.Consolidation = asString(v)
	case "confirmation_number":
		p.ConfirmationNumber = asString(v)
	case "tracking_number":
		p.TrackingNumber = asString(v)
	case "carrier":
		p.Carrier = asString(v)
	case "estimated_delivery_date":
		p.EstimatedDeliveryDate = asTime(v)
	case "package_count":
		p.PackageCount = asInt(v)
	case "package_condition":
		p.PackageCondition = asString(v)
	case "received_by":
		p.ReceivedBy = asUUID(v)
	case "verified_by":
		p.VerifiedBy = asUUID(v)
	case "cancellation_reason":
		p.CancellationReason = asString(v)
	case "notes":
		p.Notes = asString(v)
	case "confirmed_at":
		p.ConfirmedAt = asTime(v)
	case "shipped_at":
		p.ShippedAt = asTime(v)
	case "received_at":
		p.ReceivedAt = asTime(v)
	case "verified_at":
		p.VerifiedAt = asTime(v)
	case "invoiced_at":
		p.InvoicedAt = asTime(v)
	case "paid_at":
		p.PaidAt = asTime(v)
	case "cancelled_at":
		p.CancelledAt = asTime(v)
	}
	return nil
}

func applyItemColumn(it *Item, col string, v any) error {
	if !slices.Contains(itemUpdatable, col) {
		return fmt.Errorf("purchasing: column %q is not updatable", col)
	}
	switch col {
	case "unit_cost":
		it.UnitCost = asNullDecimal(v)
	case "total_cost":
		it.TotalCost = asNullDecimal(v)
	case "quantity_received":
		it.QuantityReceived = asNullDecimal(v)
	case "item_condition":
		it.ItemCondition = asString(v)
	case "quality_status":
		it.QualityStatus = asString(v)
	case "quality_notes":
		it.QualityNotes = asString(v)
	case "verification_notes":
		it.VerificationNotes = asString(v)
	case "received_at":
		it.ReceivedAt = asTime(v)
	case "verified_at":
		it.VerifiedAt = asTime(v)
	}
	return nil
}

// memoryBlobs stores uploads in a map. failNames makes uploads of those files fail.
type memoryBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleted   []string
	failNames map[string]bool
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: map[string][]byte{}, failNames: map[string]bool{}}
}

func (b *memoryBlobs) Upload(_ context.Context, body io.Reader, fileName, folder, _ string) (string, error) {
	b.mu.Lock()
	fail := b.failNames[fileName]
	b.mu.Unlock()
	if fail {
		return "", fmt.Errorf("upload %s: %w", fileName, errInjected)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	key := folder + "/" + uuid.NewString() + "-" + fileName
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return key, nil
}

func (b *memoryBlobs) Sign(_ context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://blobs.test/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

func (b *memoryBlobs) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	delete(b.objects, key)
	b.deleted = append(b.deleted, key)
	return ok, nil
}

func (b *memoryBlobs) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

type fakeCatalog map[uuid.UUID]ingredients.Ingredient

func (c fakeCatalog) Lookup(_ context.Context, tenantID, id uuid.UUID) (ingredients.Ingredient, error) {
	ing, ok := c[id]
	if !ok || ing.TenantID != tenantID {
		return ingredients.Ingredient{}, fmt.Errorf("ingredient: %w", shared.ErrNotFound)
	}
	return ing, nil
}

type fakeSuppliers map[uuid.UUID]suppliers.Supplier

func (d fakeSuppliers) Get(_ context.Context, tenantID, id uuid.UUID) (suppliers.Supplier, error) {
	s, ok := d[id]
	if !ok || s.TenantID != tenantID {
		return suppliers.Supplier{}, suppliers.ErrNotFound
	}
	return s, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg mail.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) messages() []mail.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sent)
}

type staticLinks string

func (l staticLinks) PortalLink(_ context.Context, _ uuid.UUID, token uuid.UUID) (string, error) {
	return string(l) + "/proveedor/" + token.String(), nil
}

type countingMetrics struct {
	mu          sync.Mutex
	transitions map[string]int
	failures    map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{transitions: map[string]int{}, failures: map[string]int{}}
}

func (c *countingMetrics) Transition(to, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions[to+"/"+result]++
}

func (c *countingMetrics) DependencyFailure(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[kind]++
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (r *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

// env bundles a Service with its fakes for one tenant, supplier and two ingredients.
type env struct {
	svc       *Service
	repo      *memoryRepo
	blobs     *memoryBlobs
	sender    *recordingSender
	metrics   *countingMetrics
	audit     *recordingAudit
	catalog   fakeCatalog
	directory fakeSuppliers

	now      time.Time
	tenantID uuid.UUID
	staff    Actor
	supplier suppliers.Supplier
	tomato   ingredients.Ingredient
	cheese   ingredients.Ingredient
}

func newEnv() *env {
	e := &env{
		repo:     newMemoryRepo(),
		blobs:    newMemoryBlobs(),
		sender:   &recordingSender{},
		metrics:  newCountingMetrics(),
		audit:    &recordingAudit{},
		now:      time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC),
		tenantID: uuid.New(),
	}
	e.staff = StaffActor(e.tenantID, uuid.New())
	e.supplier = suppliers.Supplier{
		ID: uuid.New(), TenantID: e.tenantID, Name: "Lácteos del Valle",
		Email: "ventas@lacteos.test", AccessToken: uuid.New(), IsActive: true,
	}
	e.tomato = ingredients.Ingredient{ID: uuid.New(), TenantID: e.tenantID, Name: "Tomate", Unit: "kg"}
	e.cheese = ingredients.Ingredient{ID: uuid.New(), TenantID: e.tenantID, Name: "Queso", Unit: "kg"}
	e.catalog = fakeCatalog{e.tomato.ID: e.tomato, e.cheese.ID: e.cheese}
	e.directory = fakeSuppliers{e.supplier.ID: e.supplier}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := NewNotifier(NotifierConfig{
		Sender:    e.sender,
		Suppliers: e.directory,
		Links:     staticLinks("https://pedidos.test"),
		Metrics:   e.metrics,
		Logger:    logger,
		FromEmail: "compras@pedidos.test",
		FromName:  "Compras",
	})
	e.svc = NewService(e.repo, Dependencies{
		Catalog:   e.catalog,
		Suppliers: e.directory,
		Blobs:     e.blobs,
		Notifier:  notifier,
		Audit:     e.audit,
		Metrics:   e.metrics,
		Logger:    logger,
		Clock:     func() time.Time { return e.now },
	})
	return e
}

func (e *env) supplierActor() Actor {
	return SupplierActor(e.tenantID, e.supplier.ID)
}

// addSupplierOf registers another supplier of tenantID.
func (e *env) addSupplierOf(tenantID uuid.UUID, name string) suppliers.Supplier {
	s := suppliers.Supplier{ID: uuid.New(), TenantID: tenantID, Name: name, Email: strings.ToLower(strings.ReplaceAll(name, " ", ".")) + "@proveedor.test", AccessToken: uuid.New(), IsActive: true}
	e.directory[s.ID] = s
	return s
}

func (e *env) priced(cost string) []ItemInput {
	return []ItemInput{
		{IngredientID: e.tomato.ID, Quantity: decimal.RequireFromString("10"), Unit: "kg", UnitCost: decimal.NewNullDecimal(decimal.RequireFromString(cost))},
		{IngredientID: e.cheese.ID, Quantity: decimal.RequireFromString("2"), Unit: "kg", UnitCost: decimal.NewNullDecimal(decimal.RequireFromString(cost))},
	}
}

func (e *env) unpriced() []ItemInput {
	return []ItemInput{
		{IngredientID: e.tomato.ID, Quantity: decimal.RequireFromString("10"), Unit: "kg"},
		{IngredientID: e.cheese.ID, Quantity: decimal.RequireFromString("2"), Unit: "kg"},
	}
}

// pending creates a priced pending purchase.
func (e *env) pending(ctx context.Context) Purchase {
	p, err := e.svc.Create(ctx, e.staff, CreateInput{SupplierID: e.supplier.ID, Status: StatusPending, Items: e.priced("5")})
	if err != nil {
		panic(err)
	}
	return p
}

func file(name, contentType, body string) Upload {
	return Upload{
		FileName:    name,
		ContentType: contentType,
		Size:        int64(len(body)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewBufferString(body)), nil
		},
	}
}
