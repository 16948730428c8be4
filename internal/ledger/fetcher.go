// Package ledger mirrors a tenant's accounting ledger (contacts, invoices,
// credit notes and payments) into the object store and keeps it fresh with
// rate-limited delta syncs.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"statement-reconciliation-service/internal/models"
)

// PageQuery selects one page of a resource.
type PageQuery struct {
	Page     int
	PageSize int
	// ModifiedSince limits the page to records changed after it. Zero
	// means every record.
	ModifiedSince time.Time
}

// Page is one page of a resource. Only the slice matching the requested
// resource is filled.
type Page struct {
	Contacts  []models.Contact        `json:"contacts,omitempty"`
	Documents []models.LedgerDocument `json:"documents,omitempty"`
	Payments  []models.Payment        `json:"payments,omitempty"`
	HasMore   bool                    `json:"has_more"`
	Total     int                     `json:"total"`
}

// Fetcher reads pages from the accounting system.
type Fetcher interface {
	FetchPage(ctx context.Context, tenantID string, resource models.Resource, q PageQuery) (*Page, error)
}

// HTTPFetcher reads a JSON ledger API laid out as
// GET {base}/tenants/{tenant}/{resource}?page=&page_size=&modified_since=.
type HTTPFetcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher with a bounded client timeout.
func NewHTTPFetcher(baseURL, token string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

type pageResponse struct {
	Items   json.RawMessage `json:"items"`
	HasMore bool            `json:"has_more"`
	Total   int             `json:"total"`
}

// FetchPage implements Fetcher.
func (f *HTTPFetcher) FetchPage(ctx context.Context, tenantID string, resource models.Resource, q PageQuery) (*Page, error) {
	params := url.Values{}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		params.Set("page_size", strconv.Itoa(q.PageSize))
	}
	if !q.ModifiedSince.IsZero() {
		params.Set("modified_since", q.ModifiedSince.UTC().Format(time.RFC3339))
	}

	endpoint := fmt.Sprintf("%s/tenants/%s/%s", f.BaseURL, url.PathEscape(tenantID), resource)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger returned %s for %s", resp.Status, resource)
	}

	var body pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode %s page: %w", resource, err)
	}

	page := &Page{HasMore: body.HasMore, Total: body.Total}
	if len(body.Items) == 0 {
		return page, nil
	}
	switch resource {
	case models.ResourceContacts:
		err = json.Unmarshal(body.Items, &page.Contacts)
	case models.ResourcePayments:
		err = json.Unmarshal(body.Items, &page.Payments)
	case models.ResourceInvoices, models.ResourceCreditNotes:
		err = json.Unmarshal(body.Items, &page.Documents)
	default:
		return nil, fmt.Errorf("unknown ledger resource: %s", resource)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s items: %w", resource, err)
	}
	return page, nil
}
