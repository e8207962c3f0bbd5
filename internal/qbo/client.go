package qbo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kalambet/qbsyncd/internal/auth"
	"github.com/kalambet/qbsyncd/internal/config"
)

// RemoteServiceError describes a failed QuickBooks API call. Retryable
// errors (429, 5xx, tripped breaker) are worth another attempt after
// backoff; the rest are permanent for the current request.
type RemoteServiceError struct {
	StatusCode int
	Retryable  bool
	Body       string
}

func (e *RemoteServiceError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("quickbooks api unavailable (%s): %s", kind, e.Body)
	}
	return fmt.Sprintf("quickbooks api status %d (%s): %s", e.StatusCode, kind, e.Body)
}

// TokenProvider supplies bearer tokens and forced refreshes. Satisfied by
// *auth.Manager.
type TokenProvider interface {
	Current(ctx context.Context) (auth.Token, error)
	RefreshIfNeeded(ctx context.Context, buffer time.Duration) (bool, error)
}

// Client fetches entity collections from the QuickBooks API. Each fetch is
// all-or-nothing: a page failure after retries fails the whole collection so
// callers never receive a truncated result.
type Client struct {
	baseURL      string
	companyID    string // config fallback; the callback realm id wins
	minorVersion string
	pageSize     int
	maxAttempts  int
	backoffBase  time.Duration
	backoffCap   time.Duration

	tokens     TokenProvider
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewClient builds a Client from config. The circuit breaker only counts
// transport failures (connection refused, timeouts), not HTTP error
// statuses, so a flapping endpoint still gets its retry budget.
func NewClient(cfg config.Config, tokens TokenProvider) *Client {
	settings := gobreaker.Settings{
		Name:    "quickbooks-api",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Client{
		baseURL:      cfg.QuickBooks.APIBaseURL,
		companyID:    cfg.QuickBooks.CompanyID,
		minorVersion: cfg.QuickBooks.MinorVersion,
		pageSize:     cfg.Sync.PageSize,
		maxAttempts:  cfg.Sync.MaxAttempts,
		backoffBase:  cfg.Sync.BackoffBase,
		backoffCap:   cfg.Sync.BackoffCap,
		tokens:       tokens,
		httpClient:   &http.Client{Timeout: cfg.Sync.RequestTimeout},
		breaker:      gobreaker.NewCircuitBreaker(settings),
		logger:       slog.Default(),
	}
}

// FetchCustomers returns all customers, normalized, in API order.
func (c *Client) FetchCustomers(ctx context.Context) ([]Customer, error) {
	return fetchAll(ctx, c, EntityCustomers, normalizeCustomer)
}

// FetchVendors returns all vendors, normalized, in API order.
func (c *Client) FetchVendors(ctx context.Context) ([]Vendor, error) {
	return fetchAll(ctx, c, EntityVendors, normalizeVendor)
}

// FetchItems returns all items, normalized, in API order.
func (c *Client) FetchItems(ctx context.Context) ([]Item, error) {
	return fetchAll(ctx, c, EntityItems, normalizeItem)
}

// FetchInvoices returns all invoices, normalized, in API order.
func (c *Client) FetchInvoices(ctx context.Context) ([]Invoice, error) {
	return fetchAll(ctx, c, EntityInvoices, normalizeInvoice)
}

// fetchAll pages through one entity collection with STARTPOSITION/MAXRESULTS
// until a short page, normalizing as it goes.
func fetchAll[R, T any](ctx context.Context, c *Client, entity EntityType, normalize func(R) T) ([]T, error) {
	name := apiName[entity]
	var out []T
	for startPos := 1; ; startPos += c.pageSize {
		query := fmt.Sprintf("SELECT * FROM %s STARTPOSITION %d MAXRESULTS %d", name, startPos, c.pageSize)
		payload, err := c.fetchPage(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", entity, err)
		}

		var qr queryResponse
		if err := json.Unmarshal(payload, &qr); err != nil {
			return nil, fmt.Errorf("decoding %s page: %w", entity, err)
		}
		rawRecords, ok := qr.QueryResponse[name]
		if !ok {
			break // empty page, collection exhausted
		}
		var records []R
		if err := json.Unmarshal(rawRecords, &records); err != nil {
			return nil, fmt.Errorf("decoding %s records: %w", entity, err)
		}
		for _, r := range records {
			out = append(out, normalize(r))
		}
		if len(records) < c.pageSize {
			break
		}
	}
	c.logger.Debug("collection fetched", "entity", string(entity), "count", len(out))
	return out, nil
}

// fetchPage runs one query request with the retry budget. Retryable
// failures back off exponentially from backoffBase, capped at backoffCap;
// non-retryable failures abort immediately.
func (c *Client) fetchPage(ctx context.Context, query string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		payload, err := c.doQuery(ctx, query)
		if err == nil {
			return payload, nil
		}
		lastErr = err

		var remoteErr *RemoteServiceError
		if !errors.As(err, &remoteErr) || !remoteErr.Retryable {
			return nil, err
		}
		if attempt == c.maxAttempts {
			break
		}

		delay := c.backoffBase << (attempt - 1)
		if delay > c.backoffCap {
			delay = c.backoffCap
		}
		c.logger.Warn("quickbooks query failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("retry budget exhausted after %d attempts: %w", c.maxAttempts, lastErr)
}

// doQuery performs a single authenticated query request. On 401 it forces a
// token refresh and retries once; a second 401 means the refresh token is no
// longer honored and re-authentication is required.
func (c *Client) doQuery(ctx context.Context, query string) ([]byte, error) {
	refreshed := false
	for {
		tok, err := c.tokens.Current(ctx)
		if err != nil {
			return nil, err
		}

		realm := tok.RealmID
		if realm == "" {
			realm = c.companyID
		}
		if realm == "" {
			return nil, fmt.Errorf("no company id available: %w", auth.ErrNotAuthenticated)
		}

		body, status, err := c.request(ctx, realm, tok.AccessToken, query)
		switch {
		case err != nil:
			return nil, err
		case status == http.StatusOK:
			return body, nil
		case status == http.StatusUnauthorized && !refreshed:
			refreshed = true
			if _, err := c.tokens.RefreshIfNeeded(ctx, 0); err != nil {
				return nil, fmt.Errorf("forced refresh after 401: %w", err)
			}
			continue
		case status == http.StatusUnauthorized:
			return nil, fmt.Errorf("access rejected after forced refresh: %w", auth.ErrNotAuthenticated)
		case status == http.StatusTooManyRequests || status >= 500:
			return nil, &RemoteServiceError{StatusCode: status, Retryable: true, Body: truncate(body)}
		default:
			return nil, &RemoteServiceError{StatusCode: status, Retryable: false, Body: truncate(body)}
		}
	}
}

// request issues the HTTP call through the circuit breaker and returns the
// response body and status. Transport failures count against the breaker.
func (c *Client) request(ctx context.Context, realm, accessToken, query string) ([]byte, int, error) {
	u := fmt.Sprintf("%s/v3/company/%s/query?query=%s&minorversion=%s",
		c.baseURL, url.PathEscape(realm), url.QueryEscape(query), url.QueryEscape(c.minorVersion))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return pageResult{body: body, status: resp.StatusCode}, nil
	})
	if err != nil {
		// Transport failures and an open breaker surface the same way:
		// status 0, retryable.
		return nil, 0, &RemoteServiceError{StatusCode: 0, Retryable: true, Body: err.Error()}
	}
	pr := result.(pageResult)
	return pr.body, pr.status, nil
}

type pageResult struct {
	body   []byte
	status int
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
