package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"statement-reconciliation-service/internal/models"
)

type storedConfig struct {
	document []byte
	version  int64
}

// MemoryStore implements ConfigStore and ItemStore in process memory.
// Configurations are kept serialized so callers never share state.
type MemoryStore struct {
	mu         sync.RWMutex
	configs    map[string]storedConfig
	statements map[string]StatementRecord
	items      map[string]ItemRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:    make(map[string]storedConfig),
		statements: make(map[string]StatementRecord),
		items:      make(map[string]ItemRecord),
	}
}

// GetContactConfig implements ConfigStore.
func (m *MemoryStore) GetContactConfig(ctx context.Context, tenantID, contactID string) (*models.ContactConfig, error) {
	m.mu.RLock()
	stored, ok := m.configs[ConfigKey(tenantID, contactID)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	cfg, err := models.ParseContactConfig(stored.document)
	if err != nil {
		return nil, err
	}
	cfg.Version = stored.version
	return cfg, nil
}

// CompareAndSwapContactConfig implements ConfigStore.
func (m *MemoryStore) CompareAndSwapContactConfig(ctx context.Context, tenantID, contactID string, cfg *models.ContactConfig, expected int64) (int64, error) {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return 0, err
	}

	key := ConfigKey(tenantID, contactID)
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.configs[key]
	switch {
	case !ok && expected != 0:
		return 0, ErrVersionConflict
	case ok && current.version != expected:
		return 0, ErrVersionConflict
	}

	next := expected + 1
	m.configs[key] = storedConfig{document: doc, version: next}
	return next, nil
}

func statementKey(tenantID, statementID string) string {
	return tenantID + "/" + statementID
}

// SaveStatement implements ItemStore.
func (m *MemoryStore) SaveStatement(ctx context.Context, rec StatementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := statementKey(rec.TenantID, rec.StatementID)
	if existing, ok := m.statements[key]; ok {
		rec.Completed = existing.Completed
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	m.statements[key] = rec
	return nil
}

// GetStatement implements ItemStore.
func (m *MemoryStore) GetStatement(ctx context.Context, tenantID, statementID string) (*StatementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.statements[statementKey(tenantID, statementID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// ReplaceStatementItems implements ItemStore.
func (m *MemoryStore) ReplaceStatementItems(ctx context.Context, key models.StatementKey, items []models.StatementItem) error {
	if err := validateItems(items); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	previous := make(map[string]bool)
	for id, rec := range m.items {
		if rec.TenantID == key.TenantID && rec.ParentStatementID == key.StatementID {
			previous[rec.ItemID] = rec.Completed
			delete(m.items, id)
		}
	}

	header := m.statements[statementKey(key.TenantID, key.StatementID)]
	for _, rec := range mergeCompleted(key, items, previous, header.Completed) {
		m.items[statementKey(rec.TenantID, rec.ItemID)] = rec
	}
	return nil
}

// ListStatementItems implements ItemStore. Items come back in id order,
// which is sequence order for generated ids.
func (m *MemoryStore) ListStatementItems(ctx context.Context, tenantID, statementID string) ([]ItemRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ItemRecord
	for _, rec := range m.items {
		if rec.TenantID == tenantID && rec.ParentStatementID == statementID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

// SetItemCompleted implements ItemStore.
func (m *MemoryStore) SetItemCompleted(ctx context.Context, tenantID, itemID string, completed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := statementKey(tenantID, itemID)
	rec, ok := m.items[key]
	if !ok {
		return ErrNotFound
	}
	rec.Completed = completed
	m.items[key] = rec
	return nil
}
