package qbo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/qbsyncd/internal/auth"
	"github.com/kalambet/qbsyncd/internal/config"
)

// fakeTokens satisfies TokenProvider without a real OAuth flow. A forced
// refresh swaps in the "rotated" access token.
type fakeTokens struct {
	mu        sync.Mutex
	token     auth.Token
	err       error
	refreshes atomic.Int64
}

func (f *fakeTokens) Current(ctx context.Context) (auth.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return auth.Token{}, f.err
	}
	return f.token, nil
}

func (f *fakeTokens) RefreshIfNeeded(ctx context.Context, buffer time.Duration) (bool, error) {
	f.refreshes.Add(1)
	f.mu.Lock()
	f.token.AccessToken = "rotated"
	f.mu.Unlock()
	return true, nil
}

// qboServer fakes the QuickBooks query endpoint. Statuses queued via
// failWith are served (and consumed) before any successful response.
type qboServer struct {
	srv      *httptest.Server
	mu       sync.Mutex
	statuses []int
	requests []string // query strings seen, in order
	records  map[string][]map[string]any
}

func newQBOServer(t *testing.T) *qboServer {
	t.Helper()
	qs := &qboServer{records: make(map[string][]map[string]any)}
	qs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/v3/company/") {
			http.NotFound(w, r)
			return
		}
		query := r.URL.Query().Get("query")

		qs.mu.Lock()
		qs.requests = append(qs.requests, query)
		if len(qs.statuses) > 0 {
			status := qs.statuses[0]
			qs.statuses = qs.statuses[1:]
			qs.mu.Unlock()
			w.WriteHeader(status)
			fmt.Fprint(w, `{"Fault":{"Error":[{"Message":"simulated"}]}}`)
			return
		}
		qs.mu.Unlock()

		entity, start, max := parseQuery(t, query)
		qs.mu.Lock()
		all := qs.records[entity]
		qs.mu.Unlock()

		var page []map[string]any
		if start-1 < len(all) {
			end := start - 1 + max
			if end > len(all) {
				end = len(all)
			}
			page = all[start-1 : end]
		}

		resp := map[string]any{"QueryResponse": map[string]any{}}
		if len(page) > 0 {
			resp["QueryResponse"] = map[string]any{entity: page}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(qs.srv.Close)
	return qs
}

func parseQuery(t *testing.T, query string) (entity string, start, max int) {
	t.Helper()
	if _, err := fmt.Sscanf(query, "SELECT * FROM %s STARTPOSITION %d MAXRESULTS %d", &entity, &start, &max); err != nil {
		t.Fatalf("unexpected query %q: %v", query, err)
	}
	return entity, start, max
}

func (qs *qboServer) failWith(statuses ...int) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.statuses = append(qs.statuses, statuses...)
}

func (qs *qboServer) requestCount() int {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return len(qs.requests)
}

func newTestClient(t *testing.T, qs *qboServer, pageSize, maxAttempts int) (*Client, *fakeTokens) {
	t.Helper()
	tokens := &fakeTokens{token: auth.Token{
		AccessToken: "valid-access",
		RealmID:     "9341452",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}

	var cfg config.Config
	cfg.QuickBooks.APIBaseURL = qs.srv.URL
	cfg.QuickBooks.MinorVersion = "75"
	cfg.Sync.PageSize = pageSize
	cfg.Sync.MaxAttempts = maxAttempts
	cfg.Sync.BackoffBase = time.Millisecond
	cfg.Sync.BackoffCap = 4 * time.Millisecond
	cfg.Sync.RequestTimeout = 5 * time.Second

	return NewClient(cfg, tokens), tokens
}

func customerRecord(id, name string) map[string]any {
	return map[string]any{"Id": id, "DisplayName": name}
}

func TestFetchCustomersPagination(t *testing.T) {
	qs := newQBOServer(t)
	qs.records["Customer"] = []map[string]any{
		customerRecord("1", "Acme Corp"),
		customerRecord("2", "Acme West"),
		customerRecord("3", "Beta LLC"),
	}
	c, _ := newTestClient(t, qs, 2, 5)

	customers, err := c.FetchCustomers(context.Background())
	if err != nil {
		t.Fatalf("FetchCustomers: %v", err)
	}
	if len(customers) != 3 {
		t.Fatalf("got %d customers, want 3", len(customers))
	}
	want := []string{"Acme Corp", "Acme West", "Beta LLC"}
	for i, name := range want {
		if customers[i].DisplayName != name {
			t.Errorf("customers[%d].DisplayName = %q, want %q", i, customers[i].DisplayName, name)
		}
	}

	// Two pages: STARTPOSITION 1 then 3; the short second page stops paging.
	if got := qs.requestCount(); got != 2 {
		t.Errorf("request count = %d, want 2", got)
	}
	if !strings.Contains(qs.requests[0], "STARTPOSITION 1") {
		t.Errorf("first query = %q", qs.requests[0])
	}
	if !strings.Contains(qs.requests[1], "STARTPOSITION 3") {
		t.Errorf("second query = %q", qs.requests[1])
	}
}

func TestFetchCustomersEmptyCollection(t *testing.T) {
	qs := newQBOServer(t)
	c, _ := newTestClient(t, qs, 100, 5)

	customers, err := c.FetchCustomers(context.Background())
	if err != nil {
		t.Fatalf("FetchCustomers: %v", err)
	}
	if len(customers) != 0 {
		t.Errorf("got %d customers from an empty collection", len(customers))
	}
}

func TestCustomerNormalization(t *testing.T) {
	qs := newQBOServer(t)
	qs.records["Customer"] = []map[string]any{
		{
			"Id":               "42",
			"DisplayName":      "Relli Technology",
			"PrimaryEmailAddr": map[string]any{"Address": "po@relli.example.com"},
			"Active":           false,
			"Balance":          1250.75,
		},
		{
			// No Active flag, no CompanyName, no email.
			"Id":          "43",
			"DisplayName": "Shibaura Machine",
		},
	}
	c, _ := newTestClient(t, qs, 100, 5)

	customers, err := c.FetchCustomers(context.Background())
	if err != nil {
		t.Fatalf("FetchCustomers: %v", err)
	}
	if len(customers) != 2 {
		t.Fatalf("got %d customers, want 2", len(customers))
	}

	first := customers[0]
	if first.Email != "po@relli.example.com" {
		t.Errorf("Email = %q", first.Email)
	}
	if first.Active {
		t.Error("Active = true, want false")
	}
	if first.Balance != 1250.75 {
		t.Errorf("Balance = %v", first.Balance)
	}

	second := customers[1]
	if !second.Active {
		t.Error("missing Active flag must default to true")
	}
	if second.CompanyName != "Shibaura Machine" {
		t.Errorf("CompanyName = %q, want display name fallback", second.CompanyName)
	}
}

func TestInvoiceNormalization(t *testing.T) {
	qs := newQBOServer(t)
	qs.records["Invoice"] = []map[string]any{
		{
			"Id":          "9",
			"DocNumber":   "INV-1042",
			"CustomerRef": map[string]any{"value": "42", "name": "Relli Technology"},
			"TotalAmt":    980.00,
			"Balance":     480.00,
			"TxnDate":     "2025-06-17",
		},
	}
	c, _ := newTestClient(t, qs, 100, 5)

	invoices, err := c.FetchInvoices(context.Background())
	if err != nil {
		t.Fatalf("FetchInvoices: %v", err)
	}
	if len(invoices) != 1 {
		t.Fatalf("got %d invoices, want 1", len(invoices))
	}
	inv := invoices[0]
	if inv.CustomerID != "42" || inv.CustomerName != "Relli Technology" {
		t.Errorf("customer ref = %q/%q", inv.CustomerID, inv.CustomerName)
	}
	if inv.DocNumber != "INV-1042" {
		t.Errorf("DocNumber = %q", inv.DocNumber)
	}
}

func TestItemNormalization(t *testing.T) {
	qs := newQBOServer(t)
	qs.records["Item"] = []map[string]any{
		{
			"Id":          "7",
			"Name":        "Hydraulic Pump",
			"Description": "Replacement pump assembly",
			"Sku":         "HP-220-B",
			"Type":        "Inventory",
			"UnitPrice":   412.50,
		},
	}
	c, _ := newTestClient(t, qs, 100, 5)

	items, err := c.FetchItems(context.Background())
	if err != nil {
		t.Fatalf("FetchItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	item := items[0]
	if item.SKU != "HP-220-B" {
		t.Errorf("SKU = %q", item.SKU)
	}
	if item.Description != "Replacement pump assembly" {
		t.Errorf("Description = %q", item.Description)
	}
	if !item.Active {
		t.Error("missing Active flag must default to true")
	}
}

func TestRetryableFailuresWithinBudget(t *testing.T) {
	qs := newQBOServer(t)
	qs.records["Invoice"] = []map[string]any{
		{"Id": "1", "DocNumber": "INV-1"},
	}
	qs.failWith(http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError)
	c, _ := newTestClient(t, qs, 100, 5)

	invoices, err := c.FetchInvoices(context.Background())
	if err != nil {
		t.Fatalf("FetchInvoices after 3x500: %v", err)
	}
	if len(invoices) != 1 {
		t.Errorf("got %d invoices, want 1", len(invoices))
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	qs := newQBOServer(t)
	qs.records["Vendor"] = []map[string]any{
		{"Id": "1", "DisplayName": "Vendor One"},
	}
	qs.failWith(500, 500, 500, 500, 500, 500)
	c, _ := newTestClient(t, qs, 100, 5)

	_, err := c.FetchVendors(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting retry budget")
	}
	var remoteErr *RemoteServiceError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("err = %v, want RemoteServiceError", err)
	}
	if !remoteErr.Retryable {
		t.Error("exhausted 500s must still classify as retryable")
	}
	if got := qs.requestCount(); got != 5 {
		t.Errorf("request count = %d, want exactly the 5-attempt budget", got)
	}
}

func TestNonRetryableFailureAbortsImmediately(t *testing.T) {
	qs := newQBOServer(t)
	qs.failWith(http.StatusBadRequest)
	c, _ := newTestClient(t, qs, 100, 5)

	_, err := c.FetchCustomers(context.Background())
	var remoteErr *RemoteServiceError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("err = %v, want RemoteServiceError", err)
	}
	if remoteErr.Retryable {
		t.Error("400 must classify as non-retryable")
	}
	if remoteErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d", remoteErr.StatusCode)
	}
	if got := qs.requestCount(); got != 1 {
		t.Errorf("request count = %d, want 1 (no retries on 4xx)", got)
	}
}

func TestUnauthorizedTriggersForcedRefresh(t *testing.T) {
	qs := newQBOServer(t)
	qs.records["Customer"] = []map[string]any{
		customerRecord("1", "Acme Corp"),
	}
	qs.failWith(http.StatusUnauthorized)
	c, tokens := newTestClient(t, qs, 100, 5)

	customers, err := c.FetchCustomers(context.Background())
	if err != nil {
		t.Fatalf("FetchCustomers after 401: %v", err)
	}
	if len(customers) != 1 {
		t.Errorf("got %d customers, want 1", len(customers))
	}
	if n := tokens.refreshes.Load(); n != 1 {
		t.Errorf("forced refreshes = %d, want 1", n)
	}
}

func TestSecondUnauthorizedIsAuthenticationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	tokens := &fakeTokens{token: auth.Token{
		AccessToken: "valid-access",
		RealmID:     "9341452",
	}}
	var cfg config.Config
	cfg.QuickBooks.APIBaseURL = srv.URL
	cfg.QuickBooks.MinorVersion = "75"
	cfg.Sync.PageSize = 100
	cfg.Sync.MaxAttempts = 5
	cfg.Sync.BackoffBase = time.Millisecond
	cfg.Sync.BackoffCap = 2 * time.Millisecond
	cfg.Sync.RequestTimeout = 5 * time.Second
	c := NewClient(cfg, tokens)

	_, err := c.FetchCustomers(context.Background())
	if !errors.Is(err, auth.ErrNotAuthenticated) {
		t.Errorf("err = %v, want ErrNotAuthenticated", err)
	}
	if n := tokens.refreshes.Load(); n != 1 {
		t.Errorf("forced refreshes = %d, want exactly 1", n)
	}
}

func TestMissingCompanyID(t *testing.T) {
	qs := newQBOServer(t)
	c, tokens := newTestClient(t, qs, 100, 5)
	tokens.mu.Lock()
	tokens.token.RealmID = ""
	tokens.mu.Unlock()

	_, err := c.FetchCustomers(context.Background())
	if !errors.Is(err, auth.ErrNotAuthenticated) {
		t.Errorf("err = %v, want ErrNotAuthenticated", err)
	}
}
