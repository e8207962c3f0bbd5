// Package cache holds the in-memory copy of the QuickBooks collections.
// Readers always see a complete snapshot; refreshes build the next snapshot
// aside and swap it in atomically.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/qbsyncd/internal/qbo"
)

// RefreshStatus classifies the outcome of one refresh pass.
type RefreshStatus string

const (
	StatusFull    RefreshStatus = "full"
	StatusPartial RefreshStatus = "partial"
	StatusFailed  RefreshStatus = "failed"
)

// Fetcher pulls entity collections from QuickBooks. Satisfied by
// *qbo.Client.
type Fetcher interface {
	FetchCustomers(ctx context.Context) ([]qbo.Customer, error)
	FetchVendors(ctx context.Context) ([]qbo.Vendor, error)
	FetchItems(ctx context.Context) ([]qbo.Item, error)
	FetchInvoices(ctx context.Context) ([]qbo.Invoice, error)
}

// Snapshot is an immutable view of all cached collections. A slot that
// failed its last fetch carries the data and timestamp of the last
// successful one.
type Snapshot struct {
	Customers []qbo.Customer
	Vendors   []qbo.Vendor
	Items     []qbo.Item
	Invoices  []qbo.Invoice

	// LastUpdated is the start time of the last refresh that replaced at
	// least one slot. Updated tracks the same per entity type.
	LastUpdated time.Time
	Updated     map[qbo.EntityType]time.Time
}

// Count returns the number of records cached for one entity type.
func (s *Snapshot) Count(entity qbo.EntityType) int {
	switch entity {
	case qbo.EntityCustomers:
		return len(s.Customers)
	case qbo.EntityVendors:
		return len(s.Vendors)
	case qbo.EntityItems:
		return len(s.Items)
	case qbo.EntityInvoices:
		return len(s.Invoices)
	}
	return 0
}

// RefreshResult reports one refresh pass. Counts covers the types that
// fetched successfully; Errors covers the ones that did not.
type RefreshResult struct {
	Counts    map[qbo.EntityType]int    `json:"counts"`
	Errors    map[qbo.EntityType]string `json:"errors,omitempty"`
	StartedAt time.Time                 `json:"started_at"`
	Duration  time.Duration             `json:"duration"`
}

// Status is full when every type fetched, failed when none did, partial
// otherwise.
func (r RefreshResult) Status() RefreshStatus {
	switch len(r.Errors) {
	case 0:
		return StatusFull
	case len(qbo.EntityTypes):
		return StatusFailed
	}
	return StatusPartial
}

// CacheStatus is the read-side summary served by the status endpoint.
type CacheStatus struct {
	LastUpdated time.Time                    `json:"last_updated"`
	Counts      map[qbo.EntityType]int       `json:"counts"`
	Updated     map[qbo.EntityType]time.Time `json:"updated"`
}

// Cache owns the current snapshot. Snapshot loads are lock-free; refreshes
// serialize on a mutex so two passes never interleave their swaps.
type Cache struct {
	fetcher Fetcher
	logger  *slog.Logger

	refreshMu sync.Mutex
	snap      atomic.Pointer[Snapshot]
}

func New(fetcher Fetcher) *Cache {
	c := &Cache{fetcher: fetcher, logger: slog.Default()}
	c.snap.Store(&Snapshot{Updated: map[qbo.EntityType]time.Time{}})
	return c
}

// Snapshot returns the current snapshot. Never nil, never blocks.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Status summarizes the current snapshot.
func (c *Cache) Status() CacheStatus {
	snap := c.Snapshot()
	st := CacheStatus{
		LastUpdated: snap.LastUpdated,
		Counts:      make(map[qbo.EntityType]int, len(qbo.EntityTypes)),
		Updated:     make(map[qbo.EntityType]time.Time, len(qbo.EntityTypes)),
	}
	for _, entity := range qbo.EntityTypes {
		st.Counts[entity] = snap.Count(entity)
		st.Updated[entity] = snap.Updated[entity]
	}
	return st
}

// Clear drops every cached collection, e.g. after a disconnect.
func (c *Cache) Clear() {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	c.snap.Store(&Snapshot{Updated: map[qbo.EntityType]time.Time{}})
}

// Refresh fetches all four collections concurrently and swaps in a new
// snapshot. A type that fails keeps its previous slot; the swap is skipped
// entirely when every type fails.
func (c *Cache) Refresh(ctx context.Context) RefreshResult {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	started := time.Now()
	prev := c.Snapshot()

	var (
		mu        sync.Mutex
		customers []qbo.Customer
		vendors   []qbo.Vendor
		items     []qbo.Item
		invoices  []qbo.Invoice
		failures  = make(map[qbo.EntityType]string)
	)
	record := func(entity qbo.EntityType, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failures[entity] = err.Error()
		}
	}

	// One failed type must not cancel the others, so errors are recorded
	// instead of returned through the group.
	var g errgroup.Group
	g.SetLimit(len(qbo.EntityTypes))
	g.Go(func() error {
		var err error
		customers, err = c.fetcher.FetchCustomers(ctx)
		record(qbo.EntityCustomers, err)
		return nil
	})
	g.Go(func() error {
		var err error
		vendors, err = c.fetcher.FetchVendors(ctx)
		record(qbo.EntityVendors, err)
		return nil
	})
	g.Go(func() error {
		var err error
		items, err = c.fetcher.FetchItems(ctx)
		record(qbo.EntityItems, err)
		return nil
	})
	g.Go(func() error {
		var err error
		invoices, err = c.fetcher.FetchInvoices(ctx)
		record(qbo.EntityInvoices, err)
		return nil
	})
	g.Wait()

	result := RefreshResult{
		Counts:    make(map[qbo.EntityType]int),
		StartedAt: started,
		Duration:  time.Since(started),
	}
	if len(failures) > 0 {
		result.Errors = failures
	}
	if len(failures) == len(qbo.EntityTypes) {
		c.logger.Error("cache refresh failed for all entity types",
			"duration", result.Duration)
		return result
	}

	next := &Snapshot{
		Customers:   prev.Customers,
		Vendors:     prev.Vendors,
		Items:       prev.Items,
		Invoices:    prev.Invoices,
		LastUpdated: started,
		Updated:     make(map[qbo.EntityType]time.Time, len(qbo.EntityTypes)),
	}
	for entity, ts := range prev.Updated {
		next.Updated[entity] = ts
	}
	if _, failed := failures[qbo.EntityCustomers]; !failed {
		next.Customers = customers
		next.Updated[qbo.EntityCustomers] = started
		result.Counts[qbo.EntityCustomers] = len(customers)
	}
	if _, failed := failures[qbo.EntityVendors]; !failed {
		next.Vendors = vendors
		next.Updated[qbo.EntityVendors] = started
		result.Counts[qbo.EntityVendors] = len(vendors)
	}
	if _, failed := failures[qbo.EntityItems]; !failed {
		next.Items = items
		next.Updated[qbo.EntityItems] = started
		result.Counts[qbo.EntityItems] = len(items)
	}
	if _, failed := failures[qbo.EntityInvoices]; !failed {
		next.Invoices = invoices
		next.Updated[qbo.EntityInvoices] = started
		result.Counts[qbo.EntityInvoices] = len(invoices)
	}
	c.snap.Store(next)

	c.logger.Info("cache refreshed",
		"status", string(result.Status()),
		"duration", result.Duration,
		"customers", next.Count(qbo.EntityCustomers),
		"vendors", next.Count(qbo.EntityVendors),
		"items", next.Count(qbo.EntityItems),
		"invoices", next.Count(qbo.EntityInvoices))
	return result
}
