package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statement-reconciliation-service/internal/models"
	apperrors "statement-reconciliation-service/pkg/errors"
)

func createTestConfig() *models.ContactConfig {
	cfg := models.NewContactConfig("DD/MM/YYYY")
	cfg.SimpleMap[models.FieldDate] = []string{"Date"}
	cfg.SimpleMap[models.FieldNumber] = []string{"Invoice No"}
	cfg.SimpleMap[models.FieldTotal] = []string{"Debit", "Credit"}
	return cfg
}

func createTestItems(ids ...string) []models.StatementItem {
	items := make([]models.StatementItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, models.StatementItem{
			StatementItemID: id,
			Number:          "INV-" + id,
			ItemType:        models.ItemTypeInvoice,
			Total:           map[string]models.Value{"Debit": models.NumberValue(decimal.NewFromInt(100))},
			Raw:             map[string]string{"Invoice No": "INV-" + id},
		})
	}
	return items
}

// stores returns every ConfigStore+ItemStore implementation that runs
// without external services.
func stores(t *testing.T) map[string]interface {
	ConfigStore
	ItemStore
} {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "statements.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]interface {
		ConfigStore
		ItemStore
	}{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestConfigStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetContactConfig(ctx, "t1", "c1")
			assert.ErrorIs(t, err, ErrNotFound)

			v, err := store.CompareAndSwapContactConfig(ctx, "t1", "c1", createTestConfig(), 0)
			require.NoError(t, err)
			assert.Equal(t, int64(1), v)

			_, err = store.CompareAndSwapContactConfig(ctx, "t1", "c1", createTestConfig(), 0)
			assert.ErrorIs(t, err, ErrVersionConflict, "second create must conflict")

			got, err := store.GetContactConfig(ctx, "t1", "c1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.Version)
			assert.Equal(t, "DD/MM/YYYY", got.DateFormat)
			assert.Equal(t, []string{"Debit", "Credit"}, got.Labels(models.FieldTotal))

			got.RawMap["description"] = "description"
			v, err = store.CompareAndSwapContactConfig(ctx, "t1", "c1", got, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(2), v)

			_, err = store.CompareAndSwapContactConfig(ctx, "t1", "c1", got, 1)
			assert.ErrorIs(t, err, ErrVersionConflict, "stale version must conflict")
		})
	}
}

// racingStore lets another writer win the first compare-and-swap.
type racingStore struct {
	ConfigStore
	raced bool
}

func (r *racingStore) CompareAndSwapContactConfig(ctx context.Context, tenantID, contactID string, cfg *models.ContactConfig, expected int64) (int64, error) {
	if !r.raced {
		r.raced = true
		other, err := r.ConfigStore.GetContactConfig(ctx, tenantID, contactID)
		if err != nil {
			return 0, err
		}
		other.RawMap["reference"] = "reference"
		if _, err := r.ConfigStore.CompareAndSwapContactConfig(ctx, tenantID, contactID, other, other.Version); err != nil {
			return 0, err
		}
	}
	return r.ConfigStore.CompareAndSwapContactConfig(ctx, tenantID, contactID, cfg, expected)
}

func TestUpdateContactConfig_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()
	_, err := base.CompareAndSwapContactConfig(ctx, "t1", "c1", createTestConfig(), 0)
	require.NoError(t, err)

	store := &racingStore{ConfigStore: base}
	calls := 0
	updated, err := UpdateContactConfig(ctx, store, "t1", "c1", func(cfg *models.ContactConfig) (bool, error) {
		calls++
		cfg.RawMap["balance"] = "balance"
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "mutate should rerun after the conflict")
	assert.Equal(t, int64(3), updated.Version)

	final, err := base.GetContactConfig(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "reference", final.RawMap["reference"], "concurrent write must survive")
	assert.Equal(t, "balance", final.RawMap["balance"])
}

func TestUpdateContactConfig_NoChange(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := UpdateContactConfig(ctx, store, "t1", "c1", func(cfg *models.ContactConfig) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)

	_, err = store.GetContactConfig(ctx, "t1", "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// alwaysConflict never lets a write through.
type alwaysConflict struct{ *MemoryStore }

func (alwaysConflict) CompareAndSwapContactConfig(ctx context.Context, tenantID, contactID string, cfg *models.ContactConfig, expected int64) (int64, error) {
	return 0, ErrVersionConflict
}

func TestUpdateContactConfig_GivesUp(t *testing.T) {
	store := alwaysConflict{NewMemoryStore()}
	_, err := UpdateContactConfig(context.Background(), store, "t1", "c1", func(cfg *models.ContactConfig) (bool, error) {
		return true, nil
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeVersionConflict))
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestItemStore_ReplaceKeepsCompleted(t *testing.T) {
	ctx := context.Background()
	key := models.StatementKey{TenantID: "t1", ContactID: "c1", StatementID: "s1"}

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.SaveStatement(ctx, StatementRecord{
				TenantID: "t1", ContactID: "c1", StatementID: "s1",
				EarliestItemDate: "2024-07-01", LatestItemDate: "2024-07-02", JobID: "job-1",
			}))

			require.NoError(t, store.ReplaceStatementItems(ctx, key, createTestItems("s1#item-0001", "s1#item-0002")))
			require.NoError(t, store.SetItemCompleted(ctx, "t1", "s1#item-0002", true))

			require.NoError(t, store.ReplaceStatementItems(ctx, key, createTestItems("s1#item-0002", "s1#item-0003")))

			records, err := store.ListStatementItems(ctx, "t1", "s1")
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, "s1#item-0002", records[0].ItemID)
			assert.True(t, records[0].Completed, "surviving item keeps its flag")
			assert.Equal(t, "s1#item-0003", records[1].ItemID)
			assert.False(t, records[1].Completed)
			assert.Equal(t, "s1", records[1].ParentStatementID)
			assert.Equal(t, "INV-s1#item-0003", records[1].Item.Number)
			assert.True(t, records[1].Item.Total["Debit"].IsNumber())

			header, err := store.GetStatement(ctx, "t1", "s1")
			require.NoError(t, err)
			assert.Equal(t, "job-1", header.JobID)
			assert.Equal(t, "2024-07-02", header.LatestItemDate)

			assert.ErrorIs(t, store.SetItemCompleted(ctx, "t1", "missing", true), ErrNotFound)
			_, err = store.GetStatement(ctx, "t1", "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestItemStore_RejectsDuplicateIDs(t *testing.T) {
	store := NewMemoryStore()
	key := models.StatementKey{TenantID: "t1", ContactID: "c1", StatementID: "s1"}
	err := store.ReplaceStatementItems(context.Background(), key, createTestItems("a", "a"))
	assert.Error(t, err)
}

func TestObjectKeys(t *testing.T) {
	assert.Equal(t, "t1/statements/s1.pdf", StatementPDFKey("t1", "s1"))
	assert.Equal(t, "t1/statements/s1.json", StatementJSONKey("t1", "s1"))
	assert.Equal(t, "t1/ledger/invoices.json", LedgerCacheKey("t1", models.ResourceInvoices))
}
