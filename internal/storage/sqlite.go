package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"statement-reconciliation-service/internal/models"
)

//go:embed schema.sql
var schema string

// schemaStatements splits the embedded schema so each statement can be
// executed on its own.
func schemaStatements() []string {
	var out []string
	for _, stmt := range strings.Split(schema, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SQLiteStore implements ConfigStore and ItemStore on a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single connection serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Init creates tables if they don't exist
func (s *SQLiteStore) Init(ctx context.Context) error {
	for _, stmt := range schemaStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetContactConfig implements ConfigStore.
func (s *SQLiteStore) GetContactConfig(ctx context.Context, tenantID, contactID string) (*models.ContactConfig, error) {
	var doc string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT document, version FROM contact_configs WHERE tenant_id = ? AND contact_id = ?`,
		tenantID, contactID,
	).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact config: %w", err)
	}

	cfg, err := models.ParseContactConfig([]byte(doc))
	if err != nil {
		return nil, err
	}
	cfg.Version = version
	return cfg, nil
}

// CompareAndSwapContactConfig implements ConfigStore.
func (s *SQLiteStore) CompareAndSwapContactConfig(ctx context.Context, tenantID, contactID string, cfg *models.ContactConfig, expected int64) (int64, error) {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO contact_configs (tenant_id, contact_id, document, version, updated_at)
			 VALUES (?, ?, ?, 1, ?)
			 ON CONFLICT (tenant_id, contact_id) DO NOTHING`,
			tenantID, contactID, string(doc), now)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE contact_configs SET document = ?, version = version + 1, updated_at = ?
			 WHERE tenant_id = ? AND contact_id = ? AND version = ?`,
			string(doc), now, tenantID, contactID, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("write contact config: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("write contact config: %w", err)
	}
	if n == 0 {
		return 0, ErrVersionConflict
	}
	return expected + 1, nil
}

// SaveStatement implements ItemStore.
func (s *SQLiteStore) SaveStatement(ctx context.Context, rec StatementRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO statements (tenant_id, statement_id, contact_id, completed, earliest_item_date, latest_item_date, job_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, statement_id) DO UPDATE SET
		   contact_id = excluded.contact_id,
		   earliest_item_date = excluded.earliest_item_date,
		   latest_item_date = excluded.latest_item_date,
		   job_id = excluded.job_id,
		   updated_at = excluded.updated_at`,
		rec.TenantID, rec.StatementID, rec.ContactID, rec.Completed,
		rec.EarliestItemDate, rec.LatestItemDate, rec.JobID, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save statement: %w", err)
	}
	return nil
}

// GetStatement implements ItemStore.
func (s *SQLiteStore) GetStatement(ctx context.Context, tenantID, statementID string) (*StatementRecord, error) {
	rec := &StatementRecord{TenantID: tenantID, StatementID: statementID}
	err := s.db.QueryRowContext(ctx,
		`SELECT contact_id, completed, earliest_item_date, latest_item_date, job_id, updated_at
		 FROM statements WHERE tenant_id = ? AND statement_id = ?`,
		tenantID, statementID,
	).Scan(&rec.ContactID, &rec.Completed, &rec.EarliestItemDate, &rec.LatestItemDate, &rec.JobID, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get statement: %w", err)
	}
	return rec, nil
}

// ReplaceStatementItems implements ItemStore inside one transaction.
func (s *SQLiteStore) ReplaceStatementItems(ctx context.Context, key models.StatementKey, items []models.StatementItem) error {
	if err := validateItems(items); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	previous := make(map[string]bool)
	rows, err := tx.QueryContext(ctx,
		`SELECT item_id, completed FROM statement_items WHERE tenant_id = ? AND parent_statement_id = ?`,
		key.TenantID, key.StatementID)
	if err != nil {
		return fmt.Errorf("load previous items: %w", err)
	}
	for rows.Next() {
		var id string
		var completed bool
		if err := rows.Scan(&id, &completed); err != nil {
			rows.Close()
			return fmt.Errorf("scan previous item: %w", err)
		}
		previous[id] = completed
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load previous items: %w", err)
	}

	var headerCompleted bool
	err = tx.QueryRowContext(ctx,
		`SELECT completed FROM statements WHERE tenant_id = ? AND statement_id = ?`,
		key.TenantID, key.StatementID).Scan(&headerCompleted)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load statement header: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM statement_items WHERE tenant_id = ? AND parent_statement_id = ?`,
		key.TenantID, key.StatementID); err != nil {
		return fmt.Errorf("delete previous items: %w", err)
	}

	for _, rec := range mergeCompleted(key, items, previous, headerCompleted) {
		payload, err := json.Marshal(rec.Item)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO statement_items (tenant_id, item_id, parent_statement_id, contact_id, completed, payload)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.TenantID, rec.ItemID, rec.ParentStatementID, rec.ContactID, rec.Completed, string(payload)); err != nil {
			return fmt.Errorf("insert item %s: %w", rec.ItemID, err)
		}
	}

	return tx.Commit()
}

// ListStatementItems implements ItemStore.
func (s *SQLiteStore) ListStatementItems(ctx context.Context, tenantID, statementID string) ([]ItemRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, contact_id, completed, payload FROM statement_items
		 WHERE tenant_id = ? AND parent_statement_id = ? ORDER BY item_id`,
		tenantID, statementID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []ItemRecord
	for rows.Next() {
		rec := ItemRecord{TenantID: tenantID, ParentStatementID: statementID}
		var payload string
		if err := rows.Scan(&rec.ItemID, &rec.ContactID, &rec.Completed, &payload); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Item); err != nil {
			return nil, fmt.Errorf("decode item %s: %w", rec.ItemID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetItemCompleted implements ItemStore.
func (s *SQLiteStore) SetItemCompleted(ctx context.Context, tenantID, itemID string, completed bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE statement_items SET completed = ? WHERE tenant_id = ? AND item_id = ?`,
		completed, tenantID, itemID)
	if err != nil {
		return fmt.Errorf("set item completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
