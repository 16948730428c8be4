package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/storage"
	apperrors "statement-reconciliation-service/pkg/errors"
)

// TenantState is the persisted sync bookkeeping of one tenant.
type TenantState struct {
	TenantID  string                                        `json:"tenant_id"`
	Resources map[models.Resource]*models.ResourceSyncState `json:"resources"`
	UpdatedAt time.Time                                     `json:"updated_at"`
}

func newTenantState(tenantID string) *TenantState {
	st := &TenantState{
		TenantID:  tenantID,
		Resources: make(map[models.Resource]*models.ResourceSyncState, len(models.Resources)),
	}
	for _, r := range models.Resources {
		st.Resources[r] = &models.ResourceSyncState{Resource: r, Status: models.SyncEmpty}
	}
	return st
}

// Resource returns the state of r, creating an empty entry when missing.
func (s *TenantState) Resource(r models.Resource) *models.ResourceSyncState {
	if s.Resources == nil {
		s.Resources = make(map[models.Resource]*models.ResourceSyncState)
	}
	rs, ok := s.Resources[r]
	if !ok {
		rs = &models.ResourceSyncState{Resource: r, Status: models.SyncEmpty}
		s.Resources[r] = rs
	}
	return rs
}

// Status is LOADING while any resource is syncing.
func (s *TenantState) Status() models.TenantStatus {
	for _, rs := range s.Resources {
		if rs.Status == models.SyncSyncing {
			return models.TenantLoading
		}
	}
	return models.TenantFree
}

func (s *TenantState) clone() *TenantState {
	out := &TenantState{
		TenantID:  s.TenantID,
		Resources: make(map[models.Resource]*models.ResourceSyncState, len(s.Resources)),
		UpdatedAt: s.UpdatedAt,
	}
	for r, rs := range s.Resources {
		cp := *rs
		out.Resources[r] = &cp
	}
	return out
}

// Cache keeps ledger collections and sync state in an object store.
type Cache struct {
	objects storage.ObjectStore
}

// NewCache creates a Cache over objects.
func NewCache(objects storage.ObjectStore) *Cache {
	return &Cache{objects: objects}
}

func (c *Cache) load(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := c.objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, apperrors.StorageError(apperrors.CodeStorageFailure, "decode", key, err)
	}
	return true, nil
}

func (c *Cache) save(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.StorageError(apperrors.CodeStorageFailure, "encode", key, err)
	}
	return c.objects.Put(ctx, key, data, "application/json")
}

// LoadState returns the tenant's sync state, or a fresh empty one.
func (c *Cache) LoadState(ctx context.Context, tenantID string) (*TenantState, error) {
	st := newTenantState(tenantID)
	if _, err := c.load(ctx, storage.LedgerStateKey(tenantID), st); err != nil {
		return nil, err
	}
	for _, r := range models.Resources {
		st.Resource(r)
	}
	return st, nil
}

// SaveState persists st.
func (c *Cache) SaveState(ctx context.Context, st *TenantState) error {
	return c.save(ctx, storage.LedgerStateKey(st.TenantID), st)
}

// Contacts returns the cached contacts.
func (c *Cache) Contacts(ctx context.Context, tenantID string) ([]models.Contact, error) {
	var out []models.Contact
	_, err := c.load(ctx, storage.LedgerCacheKey(tenantID, models.ResourceContacts), &out)
	return out, err
}

// Payments returns the cached payments.
func (c *Cache) Payments(ctx context.Context, tenantID string) ([]models.Payment, error) {
	var out []models.Payment
	_, err := c.load(ctx, storage.LedgerCacheKey(tenantID, models.ResourcePayments), &out)
	return out, err
}

func (c *Cache) documents(ctx context.Context, tenantID string, r models.Resource) ([]models.LedgerDocument, error) {
	var out []models.LedgerDocument
	_, err := c.load(ctx, storage.LedgerCacheKey(tenantID, r), &out)
	return out, err
}

// Documents returns cached invoices followed by credit notes. A non-empty
// contactID keeps only that contact's documents.
func (c *Cache) Documents(ctx context.Context, tenantID, contactID string) ([]models.LedgerDocument, error) {
	var out []models.LedgerDocument
	for _, r := range []models.Resource{models.ResourceInvoices, models.ResourceCreditNotes} {
		docs, err := c.documents(ctx, tenantID, r)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			if contactID == "" || d.ContactID == contactID {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

// batch is one resource's records as fetched or cached.
type batch struct {
	Contacts  []models.Contact
	Documents []models.LedgerDocument
	Payments  []models.Payment
}

func (b *batch) add(p *Page) {
	b.Contacts = append(b.Contacts, p.Contacts...)
	b.Documents = append(b.Documents, p.Documents...)
	b.Payments = append(b.Payments, p.Payments...)
}

func (b *batch) len() int {
	return len(b.Contacts) + len(b.Documents) + len(b.Payments)
}

// latest returns the newest UpdatedAt in the batch.
func (b *batch) latest() time.Time {
	var t time.Time
	for _, c := range b.Contacts {
		if c.UpdatedAt.After(t) {
			t = c.UpdatedAt
		}
	}
	for _, d := range b.Documents {
		if d.UpdatedAt.After(t) {
			t = d.UpdatedAt
		}
	}
	for _, p := range b.Payments {
		if p.UpdatedAt.After(t) {
			t = p.UpdatedAt
		}
	}
	return t
}

func (c *Cache) loadBatch(ctx context.Context, tenantID string, r models.Resource) (*batch, error) {
	b := &batch{}
	key := storage.LedgerCacheKey(tenantID, r)
	var err error
	switch r {
	case models.ResourceContacts:
		_, err = c.load(ctx, key, &b.Contacts)
	case models.ResourcePayments:
		_, err = c.load(ctx, key, &b.Payments)
	default:
		_, err = c.load(ctx, key, &b.Documents)
	}
	return b, err
}

func (c *Cache) saveBatch(ctx context.Context, tenantID string, r models.Resource, b *batch) error {
	key := storage.LedgerCacheKey(tenantID, r)
	switch r {
	case models.ResourceContacts:
		return c.save(ctx, key, nonNil(b.Contacts))
	case models.ResourcePayments:
		return c.save(ctx, key, nonNil(b.Payments))
	default:
		return c.save(ctx, key, nonNil(b.Documents))
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// merge applies updates over existing by id. Updated records keep their
// position; new ones follow in id order.
func merge(existing, updates *batch) *batch {
	return &batch{
		Contacts:  mergeByID(existing.Contacts, updates.Contacts, func(c models.Contact) string { return c.ID }),
		Documents: mergeByID(existing.Documents, updates.Documents, func(d models.LedgerDocument) string { return d.ID }),
		Payments:  mergeByID(existing.Payments, updates.Payments, func(p models.Payment) string { return p.ID }),
	}
}

func mergeByID[T any](existing, updates []T, id func(T) string) []T {
	if len(updates) == 0 {
		return existing
	}
	pending := make(map[string]T, len(updates))
	for _, u := range updates {
		pending[id(u)] = u
	}

	out := make([]T, 0, len(existing)+len(updates))
	for _, e := range existing {
		if u, ok := pending[id(e)]; ok {
			out = append(out, u)
			delete(pending, id(e))
			continue
		}
		out = append(out, e)
	}

	ids := make([]string, 0, len(pending))
	for k := range pending {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	for _, k := range ids {
		out = append(out, pending[k])
	}
	return out
}
