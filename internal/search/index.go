// Package search builds in-memory substring-search indexes over a cache
// snapshot. An Index is immutable once built; the daemon swaps the current
// one atomically after each rebuild.
package search

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/qbsyncd/internal/cache"
)

// ErrUnknownIndex marks a query against an index name that does not exist.
var ErrUnknownIndex = errors.New("unknown search index")

// IndexName identifies one of the built indexes.
type IndexName string

const (
	ClientNames         IndexName = "client_names"
	ClientPOs           IndexName = "client_pos"
	VendorNames         IndexName = "vendor_names"
	ProductNames        IndexName = "product_names"
	ProductDescriptions IndexName = "product_descriptions"
	PartNames           IndexName = "part_names"
	PartNumbers         IndexName = "part_numbers"
)

// Names lists every index in a stable order.
var Names = []IndexName{
	ClientNames,
	ClientPOs,
	VendorNames,
	ProductNames,
	ProductDescriptions,
	PartNames,
	PartNumbers,
}

const (
	DefaultLimit = 15
	MaxLimit     = 100
)

// Entry is one searchable record. The populated fields depend on the index
// the entry belongs to.
type Entry struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Active      bool    `json:"active"`
	CompanyName string  `json:"company_name,omitempty"`
	Email       string  `json:"email,omitempty"`
	ItemType    string  `json:"item_type,omitempty"`
	SKU         string  `json:"sku,omitempty"`
	UnitPrice   float64 `json:"unit_price,omitempty"`
	Description string  `json:"description,omitempty"`

	// match holds the lowercased fields this entry is searched on,
	// precomputed at build time.
	match []string
}

func (e *Entry) matches(queryLower string) bool {
	for _, field := range e.match {
		if strings.Contains(field, queryLower) {
			return true
		}
	}
	return false
}

// Index is a completed build over one snapshot. Entries keep their source
// collection order.
type Index struct {
	entries map[IndexName][]Entry
	builtAt time.Time
}

// Build constructs every index from a snapshot in one pass per collection.
func Build(snap *cache.Snapshot) *Index {
	idx := &Index{
		entries: make(map[IndexName][]Entry, len(Names)),
		builtAt: time.Now(),
	}
	for _, name := range Names {
		idx.entries[name] = []Entry{}
	}

	for _, c := range snap.Customers {
		if c.DisplayName == "" {
			continue
		}
		idx.entries[ClientNames] = append(idx.entries[ClientNames], Entry{
			ID:          c.ID,
			Name:        c.DisplayName,
			Type:        "customer",
			Active:      c.Active,
			CompanyName: c.CompanyName,
			Email:       c.Email,
			match:       lowered(c.DisplayName, c.CompanyName, c.Email),
		})
	}

	for _, v := range snap.Vendors {
		if v.DisplayName == "" {
			continue
		}
		idx.entries[VendorNames] = append(idx.entries[VendorNames], Entry{
			ID:          v.ID,
			Name:        v.DisplayName,
			Type:        "vendor",
			Active:      v.Active,
			CompanyName: v.CompanyName,
			Email:       v.Email,
			match:       lowered(v.DisplayName, v.CompanyName, v.Email),
		})
	}

	for _, item := range snap.Items {
		if item.Name != "" {
			entry := Entry{
				ID:        item.ID,
				Name:      item.Name,
				Type:      "item",
				Active:    item.Active,
				ItemType:  item.Type,
				SKU:       item.SKU,
				UnitPrice: item.UnitPrice,
				match:     lowered(item.Name, item.SKU),
			}
			idx.entries[ProductNames] = append(idx.entries[ProductNames], entry)
			if item.SKU != "" {
				idx.entries[PartNumbers] = append(idx.entries[PartNumbers], entry)
			}
		}
		if item.Description != "" {
			entry := Entry{
				ID:          item.ID,
				Name:        item.Name,
				Type:        "item",
				Active:      item.Active,
				ItemType:    item.Type,
				SKU:         item.SKU,
				UnitPrice:   item.UnitPrice,
				Description: item.Description,
				match:       lowered(item.Description, item.Name),
			}
			idx.entries[ProductDescriptions] = append(idx.entries[ProductDescriptions], entry)
		}
	}

	// part_names is an alias of product_names; both views share one slice.
	idx.entries[PartNames] = idx.entries[ProductNames]

	// client_pos would need PurchaseOrder fetches; it stays empty but
	// remains addressable so callers get [] instead of an unknown-index
	// error.
	return idx
}

// Query returns up to limit entries whose match fields contain text,
// case-insensitively. An empty text matches every entry. limit 0 returns
// nothing, a negative limit means DefaultLimit, and MaxLimit is a hard cap.
func (idx *Index) Query(name IndexName, text string, limit int) ([]Entry, error) {
	entries, ok := idx.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIndex, name)
	}

	if limit < 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if limit == 0 {
		return []Entry{}, nil
	}

	queryLower := strings.ToLower(text)
	results := make([]Entry, 0, limit)
	for i := range entries {
		if queryLower == "" || entries[i].matches(queryLower) {
			results = append(results, entries[i])
			if len(results) == limit {
				break
			}
		}
	}
	return results, nil
}

// Counts reports the entry count of every index.
func (idx *Index) Counts() map[IndexName]int {
	counts := make(map[IndexName]int, len(idx.entries))
	for name, entries := range idx.entries {
		counts[name] = len(entries)
	}
	return counts
}

// Total is the number of entries across all indexes, aliases included.
func (idx *Index) Total() int {
	total := 0
	for _, entries := range idx.entries {
		total += len(entries)
	}
	return total
}

// BuiltAt reports when the build started.
func (idx *Index) BuiltAt() time.Time {
	return idx.builtAt
}

func lowered(fields ...string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, strings.ToLower(f))
		}
	}
	return out
}
