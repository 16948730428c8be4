// Package storage persists tenant contact configurations, statement items
// and documents.
//
// Three concerns live here:
//   - ConfigStore: per tenant+contact configuration guarded by an optimistic
//     version counter (memory, SQLite and Postgres implementations)
//   - ItemStore: statement headers and their items, replaced wholesale on
//     every extraction run
//   - ObjectStore: raw PDFs, canonical JSON and ledger caches (local
//     filesystem and S3 implementations)
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"statement-reconciliation-service/internal/models"
	apperrors "statement-reconciliation-service/pkg/errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a compare-and-swap lost a race.
	ErrVersionConflict = errors.New("version conflict")
)

// MaxUpdateAttempts bounds the compare-and-swap retry loop.
const MaxUpdateAttempts = 5

// ConfigStore holds contact configurations.
type ConfigStore interface {
	// GetContactConfig returns the configuration with Version populated, or
	// ErrNotFound.
	GetContactConfig(ctx context.Context, tenantID, contactID string) (*models.ContactConfig, error)

	// CompareAndSwapContactConfig writes cfg when the stored version equals
	// expected (0 meaning "absent") and returns the new version.
	CompareAndSwapContactConfig(ctx context.Context, tenantID, contactID string, cfg *models.ContactConfig, expected int64) (int64, error)
}

// UpdateContactConfig runs mutate against the latest configuration and
// writes it back with compare-and-swap, retrying on conflicts. A missing
// configuration is handed to mutate as an empty one. When mutate reports no
// change nothing is written.
func UpdateContactConfig(ctx context.Context, store ConfigStore, tenantID, contactID string, mutate func(cfg *models.ContactConfig) (bool, error)) (*models.ContactConfig, error) {
	key := ConfigKey(tenantID, contactID)

	for attempt := 0; attempt < MaxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cfg, err := store.GetContactConfig(ctx, tenantID, contactID)
		var expected int64
		switch {
		case errors.Is(err, ErrNotFound):
			cfg = models.NewContactConfig("")
		case err != nil:
			return nil, err
		default:
			expected = cfg.Version
		}

		changed, err := mutate(cfg)
		if err != nil {
			return nil, err
		}
		if !changed {
			return cfg, nil
		}

		version, err := store.CompareAndSwapContactConfig(ctx, tenantID, contactID, cfg, expected)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		cfg.Version = version
		return cfg, nil
	}

	return nil, apperrors.StorageError(apperrors.CodeVersionConflict, "update contact config", key, ErrVersionConflict).
		WithContext("attempts", MaxUpdateAttempts)
}

// StatementRecord is the header row of one stored statement.
type StatementRecord struct {
	TenantID         string    `json:"tenant_id"`
	ContactID        string    `json:"contact_id"`
	StatementID      string    `json:"statement_id"`
	Completed        bool      `json:"completed"`
	EarliestItemDate string    `json:"earliest_item_date,omitempty"`
	LatestItemDate   string    `json:"latest_item_date,omitempty"`
	JobID            string    `json:"job_id,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ItemRecord is one stored statement item.
type ItemRecord struct {
	TenantID          string               `json:"tenant_id"`
	ItemID            string               `json:"statement_item_id"`
	ParentStatementID string               `json:"parent_statement_id"`
	ContactID         string               `json:"contact_id"`
	Completed         bool                 `json:"completed"`
	Item              models.StatementItem `json:"item"`
}

// ItemStore holds statements and their items.
type ItemStore interface {
	// SaveStatement upserts the header. Completed is left untouched when the
	// header already exists.
	SaveStatement(ctx context.Context, rec StatementRecord) error
	GetStatement(ctx context.Context, tenantID, statementID string) (*StatementRecord, error)

	// ReplaceStatementItems deletes the statement's items and inserts items.
	// An item keeps its previous Completed flag when its id survives,
	// otherwise it inherits the statement header's flag.
	ReplaceStatementItems(ctx context.Context, key models.StatementKey, items []models.StatementItem) error
	ListStatementItems(ctx context.Context, tenantID, statementID string) ([]ItemRecord, error)
	SetItemCompleted(ctx context.Context, tenantID, itemID string, completed bool) error
}

// ConfigKey renders the tenant/contact key used in logs and errors.
func ConfigKey(tenantID, contactID string) string {
	return fmt.Sprintf("%s/%s", tenantID, contactID)
}

// StatementPDFKey is the object key of a statement's source document.
func StatementPDFKey(tenantID, statementID string) string {
	return fmt.Sprintf("%s/statements/%s.pdf", tenantID, statementID)
}

// StatementJSONKey is the object key of a statement's canonical output.
func StatementJSONKey(tenantID, statementID string) string {
	return fmt.Sprintf("%s/statements/%s.json", tenantID, statementID)
}

// LedgerCacheKey is the object key of one cached ledger resource.
func LedgerCacheKey(tenantID string, resource models.Resource) string {
	return fmt.Sprintf("%s/ledger/%s.json", tenantID, resource)
}

// LedgerStateKey is the object key of a tenant's sync bookkeeping.
func LedgerStateKey(tenantID string) string {
	return fmt.Sprintf("%s/ledger/_state.json", tenantID)
}

// mergeCompleted carries previous Completed flags over to a fresh item set.
func mergeCompleted(key models.StatementKey, items []models.StatementItem, previous map[string]bool, headerCompleted bool) []ItemRecord {
	records := make([]ItemRecord, 0, len(items))
	for _, item := range items {
		completed, ok := previous[item.StatementItemID]
		if !ok {
			completed = headerCompleted
		}
		records = append(records, ItemRecord{
			TenantID:          key.TenantID,
			ItemID:            item.StatementItemID,
			ParentStatementID: key.StatementID,
			ContactID:         key.ContactID,
			Completed:         completed,
			Item:              item,
		})
	}
	return records
}

func validateItems(items []models.StatementItem) error {
	seen := make(map[string]bool, len(items))
	for i := range items {
		id := strings.TrimSpace(items[i].StatementItemID)
		if id == "" {
			return fmt.Errorf("item %d has no statement_item_id", i)
		}
		if seen[id] {
			return fmt.Errorf("duplicate statement_item_id %s", id)
		}
		seen[id] = true
	}
	return nil
}
