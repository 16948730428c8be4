package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"statement-reconciliation-service/internal/models"
)

// pgQuerier is the subset of *pgxpool.Pool the store uses. pgxmock pools
// satisfy it in tests.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements ConfigStore and ItemStore using PostgreSQL
type PostgresStore struct {
	pool pgQuerier
}

// NewPostgresStore creates a store on an existing pool.
func NewPostgresStore(pool pgQuerier) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

// Migrate applies the embedded schema.
func (r *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements() {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// GetContactConfig implements ConfigStore.
func (r *PostgresStore) GetContactConfig(ctx context.Context, tenantID, contactID string) (*models.ContactConfig, error) {
	query := `
		SELECT document, version
		FROM contact_configs
		WHERE tenant_id = $1 AND contact_id = $2`

	var doc string
	var version int64
	err := r.pool.QueryRow(ctx, query, tenantID, contactID).Scan(&doc, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact config: %w", err)
	}

	cfg, err := models.ParseContactConfig([]byte(doc))
	if err != nil {
		return nil, err
	}
	cfg.Version = version
	return cfg, nil
}

// CompareAndSwapContactConfig implements ConfigStore.
func (r *PostgresStore) CompareAndSwapContactConfig(ctx context.Context, tenantID, contactID string, cfg *models.ContactConfig, expected int64) (int64, error) {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()

	var tag pgconn.CommandTag
	if expected == 0 {
		tag, err = r.pool.Exec(ctx, `
			INSERT INTO contact_configs (tenant_id, contact_id, document, version, updated_at)
			VALUES ($1, $2, $3, 1, $4)
			ON CONFLICT (tenant_id, contact_id) DO NOTHING`,
			tenantID, contactID, string(doc), now)
	} else {
		tag, err = r.pool.Exec(ctx, `
			UPDATE contact_configs
			SET document = $1, version = version + 1, updated_at = $2
			WHERE tenant_id = $3 AND contact_id = $4 AND version = $5`,
			string(doc), now, tenantID, contactID, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write contact config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrVersionConflict
	}
	return expected + 1, nil
}

// SaveStatement implements ItemStore.
func (r *PostgresStore) SaveStatement(ctx context.Context, rec StatementRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO statements (tenant_id, statement_id, contact_id, completed, earliest_item_date, latest_item_date, job_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, statement_id) DO UPDATE SET
			contact_id = EXCLUDED.contact_id,
			earliest_item_date = EXCLUDED.earliest_item_date,
			latest_item_date = EXCLUDED.latest_item_date,
			job_id = EXCLUDED.job_id,
			updated_at = EXCLUDED.updated_at`,
		rec.TenantID, rec.StatementID, rec.ContactID, rec.Completed,
		rec.EarliestItemDate, rec.LatestItemDate, rec.JobID, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save statement: %w", err)
	}
	return nil
}

// GetStatement implements ItemStore.
func (r *PostgresStore) GetStatement(ctx context.Context, tenantID, statementID string) (*StatementRecord, error) {
	query := `
		SELECT contact_id, completed, earliest_item_date, latest_item_date, job_id, updated_at
		FROM statements
		WHERE tenant_id = $1 AND statement_id = $2`

	rec := &StatementRecord{TenantID: tenantID, StatementID: statementID}
	err := r.pool.QueryRow(ctx, query, tenantID, statementID).Scan(
		&rec.ContactID,
		&rec.Completed,
		&rec.EarliestItemDate,
		&rec.LatestItemDate,
		&rec.JobID,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get statement: %w", err)
	}
	return rec, nil
}

// ReplaceStatementItems implements ItemStore inside one transaction.
func (r *PostgresStore) ReplaceStatementItems(ctx context.Context, key models.StatementKey, items []models.StatementItem) error {
	if err := validateItems(items); err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT item_id, completed
		FROM statement_items
		WHERE tenant_id = $1 AND parent_statement_id = $2`,
		key.TenantID, key.StatementID)
	if err != nil {
		return fmt.Errorf("failed to load previous items: %w", err)
	}
	previous := make(map[string]bool)
	for rows.Next() {
		var id string
		var completed bool
		if err := rows.Scan(&id, &completed); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan previous item: %w", err)
		}
		previous[id] = completed
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to load previous items: %w", err)
	}

	var headerCompleted bool
	err = tx.QueryRow(ctx, `
		SELECT completed FROM statements WHERE tenant_id = $1 AND statement_id = $2`,
		key.TenantID, key.StatementID).Scan(&headerCompleted)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to load statement header: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM statement_items WHERE tenant_id = $1 AND parent_statement_id = $2`,
		key.TenantID, key.StatementID); err != nil {
		return fmt.Errorf("failed to delete previous items: %w", err)
	}

	for _, rec := range mergeCompleted(key, items, previous, headerCompleted) {
		payload, err := json.Marshal(rec.Item)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO statement_items (tenant_id, item_id, parent_statement_id, contact_id, completed, payload)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.TenantID, rec.ItemID, rec.ParentStatementID, rec.ContactID, rec.Completed, string(payload)); err != nil {
			return fmt.Errorf("failed to insert item %s: %w", rec.ItemID, err)
		}
	}

	return tx.Commit(ctx)
}

// ListStatementItems implements ItemStore.
func (r *PostgresStore) ListStatementItems(ctx context.Context, tenantID, statementID string) ([]ItemRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT item_id, contact_id, completed, payload
		FROM statement_items
		WHERE tenant_id = $1 AND parent_statement_id = $2
		ORDER BY item_id`,
		tenantID, statementID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var out []ItemRecord
	for rows.Next() {
		rec := ItemRecord{TenantID: tenantID, ParentStatementID: statementID}
		var payload string
		if err := rows.Scan(&rec.ItemID, &rec.ContactID, &rec.Completed, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Item); err != nil {
			return nil, fmt.Errorf("failed to decode item %s: %w", rec.ItemID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetItemCompleted implements ItemStore.
func (r *PostgresStore) SetItemCompleted(ctx context.Context, tenantID, itemID string, completed bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE statement_items SET completed = $1
		WHERE tenant_id = $2 AND item_id = $3`,
		completed, tenantID, itemID)
	if err != nil {
		return fmt.Errorf("failed to set item completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
