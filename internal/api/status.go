package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/kalambet/qbsyncd/internal/auth"
)

// Connection states reported by the status endpoint, ordered from least to
// most established.
const (
	connNotConfigured       = "not_configured"
	connNotAuthenticated    = "not_authenticated"
	connAuthenticatedNoData = "authenticated_no_data"
	connConnected           = "connected"
)

func connectionStatus(deps Deps, lastUpdated time.Time) string {
	switch {
	case deps.Config.QuickBooks.ClientID == "" || deps.Config.QuickBooks.ClientSecret == "":
		return connNotConfigured
	case !deps.Tokens.Authenticated():
		return connNotAuthenticated
	case lastUpdated.IsZero():
		return connAuthenticatedNoData
	}
	return connConnected
}

func handleCacheStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := deps.Cache.Status()

		counts := make(map[string]int, len(status.Counts))
		for entity, n := range status.Counts {
			counts[string(entity)] = n
		}
		updated := make(map[string]any, len(status.Updated))
		for entity, ts := range status.Updated {
			if ts.IsZero() {
				updated[string(entity)] = nil
			} else {
				updated[string(entity)] = ts
			}
		}

		body := map[string]any{
			"connection_status": connectionStatus(deps, status.LastUpdated),
			"authenticated":     deps.Tokens.Authenticated(),
			"counts":            counts,
			"updated":           updated,
		}
		if status.LastUpdated.IsZero() {
			body["last_updated"] = nil
		} else {
			body["last_updated"] = status.LastUpdated
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func handleCacheRefresh(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := deps.Sync.TriggerRefreshNow(r.Context())
		if err != nil {
			if errors.Is(err, auth.ErrNotAuthenticated) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "not connected to QuickBooks")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "refresh failed: %v", err)
			return
		}

		body := map[string]any{
			"status":           string(result.Status()),
			"counts":           result.Counts,
			"started_at":       result.StartedAt,
			"duration_seconds": result.Duration.Seconds(),
		}
		if len(result.Errors) > 0 {
			body["errors"] = result.Errors
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := deps.Cache.Status()

		body := map[string]any{
			"status":        "healthy",
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
			"version":       deps.Version,
			"authenticated": deps.Tokens.Authenticated(),
		}
		if status.LastUpdated.IsZero() {
			body["cache_age_minutes"] = nil
		} else {
			body["cache_age_minutes"] = time.Since(status.LastUpdated).Minutes()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func handleConfig(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := deps.Config
		writeJSON(w, http.StatusOK, map[string]any{
			"server": map[string]any{
				"port":     cfg.Server.Port,
				"base_url": cfg.Server.BaseURL,
			},
			"quickbooks": map[string]any{
				"client_id":     redact(cfg.QuickBooks.ClientID),
				"company_id":    cfg.QuickBooks.CompanyID,
				"api_base_url":  cfg.QuickBooks.APIBaseURL,
				"redirect_uri":  cfg.RedirectURL(),
				"minor_version": cfg.QuickBooks.MinorVersion,
			},
			"sync": map[string]any{
				"token_check_interval":   cfg.Sync.TokenCheckInterval.String(),
				"cache_refresh_interval": cfg.Sync.CacheRefreshInterval.String(),
				"refresh_buffer":         cfg.Sync.RefreshBuffer.String(),
				"page_size":              cfg.Sync.PageSize,
				"max_attempts":           cfg.Sync.MaxAttempts,
			},
		})
	}
}

// redact keeps enough of a credential to identify it and nothing more.
func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
