package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DocumentType distinguishes ledger invoices from credit notes.
type DocumentType string

const (
	DocumentInvoice    DocumentType = "invoice"
	DocumentCreditNote DocumentType = "credit_note"
)

// LedgerDocument is an invoice or credit note from the accounting system.
type LedgerDocument struct {
	ID         string          `json:"id"`
	Number     string          `json:"number"`
	Type       DocumentType    `json:"type"`
	ContactID  string          `json:"contact_id"`
	Reference  string          `json:"reference,omitempty"`
	Date       string          `json:"date,omitempty"`
	DueDate    string          `json:"due_date,omitempty"`
	Total      decimal.Decimal `json:"total"`
	AmountDue  decimal.Decimal `json:"amount_due"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	Status     string          `json:"status,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Validate performs basic validation on the LedgerDocument
func (d *LedgerDocument) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("ledger document id cannot be empty")
	}
	if d.Type != DocumentInvoice && d.Type != DocumentCreditNote {
		return fmt.Errorf("invalid ledger document type: %s", d.Type)
	}
	return nil
}

// String returns a string representation of the LedgerDocument
func (d *LedgerDocument) String() string {
	return fmt.Sprintf("LedgerDocument{ID: %s, Number: %s, Type: %s, Total: %s}",
		d.ID, d.Number, d.Type, d.Total.StringFixed(2))
}

// Field returns the value the reconciliation view compares against the
// statement's canonical field.
func (d *LedgerDocument) Field(field string) string {
	switch field {
	case FieldNumber:
		return d.Number
	case FieldReference:
		return d.Reference
	case FieldDate:
		return d.Date
	case FieldDueDate:
		return d.DueDate
	case FieldTotal:
		return d.Total.String()
	case FieldAmountDue:
		return d.AmountDue.String()
	case FieldAmountPaid:
		return d.AmountPaid.String()
	}
	return ""
}

// Contact is a ledger counterparty.
type Contact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payment is a ledger payment allocated to an invoice.
type Payment struct {
	ID        string          `json:"id"`
	InvoiceID string          `json:"invoice_id,omitempty"`
	Reference string          `json:"reference,omitempty"`
	Date      string          `json:"date,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Resource names one cached ledger collection.
type Resource string

const (
	ResourceContacts    Resource = "contacts"
	ResourceInvoices    Resource = "invoices"
	ResourceCreditNotes Resource = "credit_notes"
	ResourcePayments    Resource = "payments"
)

// Resources lists every synced collection.
var Resources = []Resource{ResourceContacts, ResourceInvoices, ResourceCreditNotes, ResourcePayments}

// SyncStatus is the state of one resource cache.
type SyncStatus string

const (
	SyncEmpty   SyncStatus = "empty"
	SyncSyncing SyncStatus = "syncing"
	SyncReady   SyncStatus = "ready"
	SyncError   SyncStatus = "error"
)

// ResourceSyncState tracks the cache of one resource for one tenant.
type ResourceSyncState struct {
	Resource       Resource   `json:"resource"`
	Status         SyncStatus `json:"status"`
	SyncedCount    int        `json:"synced_count"`
	TotalCount     int        `json:"total_count"`
	LastSyncedAt   time.Time  `json:"last_synced_at"`
	LastUpdatedUTC time.Time  `json:"last_updated_utc"`
	Error          string     `json:"error,omitempty"`
}

// TenantStatus is the coarse sync state shown for a tenant.
type TenantStatus string

const (
	TenantLoading TenantStatus = "LOADING"
	TenantFree    TenantStatus = "FREE"
)
