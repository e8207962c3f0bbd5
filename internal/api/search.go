package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/qbsyncd/internal/qbo"
	"github.com/kalambet/qbsyncd/internal/search"
)

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		indexName := chi.URLParam(r, "index")
		query := r.URL.Query().Get("q")

		limit := search.DefaultLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", raw)
				return
			}
			limit = n
		}

		results, err := deps.Sync.Index().Query(search.IndexName(indexName), query, limit)
		if err != nil {
			if errors.Is(err, search.ErrUnknownIndex) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown search index %q", indexName)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"query":   query,
			"results": results,
			"total":   len(results),
		})
	}
}

func handleIndexStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idx := deps.Sync.Index()
		counts := idx.Counts()

		available := make([]string, len(search.Names))
		indexes := make(map[string]int, len(counts))
		for i, name := range search.Names {
			available[i] = string(name)
			indexes[string(name)] = counts[name]
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"indexes":             indexes,
			"total_indexed_items": idx.Total(),
			"available_indexes":   available,
			"built_at":            idx.BuiltAt(),
		})
	}
}

func handleData(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entity := qbo.EntityType(chi.URLParam(r, "entity"))

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", raw)
				return
			}
			limit = n
		}

		snap := deps.Cache.Snapshot()
		var records any
		switch entity {
		case qbo.EntityCustomers:
			records = truncated(snap.Customers, limit)
		case qbo.EntityVendors:
			records = truncated(snap.Vendors, limit)
		case qbo.EntityItems:
			records = truncated(snap.Items, limit)
		case qbo.EntityInvoices:
			records = truncated(snap.Invoices, limit)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown data type %q", entity)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"type":         string(entity),
			"total":        snap.Count(entity),
			"last_updated": snap.Updated[entity],
			"records":      records,
		})
	}
}

// truncated returns at most limit records; limit 0 means all.
func truncated[T any](records []T, limit int) []T {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	if records == nil {
		return []T{}
	}
	return records
}
