// Package api serves the daemon's HTTP surface: search queries, cache
// status and refresh control, the OAuth callback, and operational
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/qbsyncd/internal/auth"
	"github.com/kalambet/qbsyncd/internal/cache"
	"github.com/kalambet/qbsyncd/internal/config"
	"github.com/kalambet/qbsyncd/internal/metrics"
	"github.com/kalambet/qbsyncd/internal/search"
)

// TokenManager is the auth surface the handlers need. Satisfied by
// *auth.Manager.
type TokenManager interface {
	Authenticated() bool
	AuthorizationURL() (string, string)
	HandleCallback(ctx context.Context, code, state, realmID string) (auth.Token, error)
	Disconnect(ctx context.Context) error
}

// Syncer exposes the scheduler's index and manual refresh. Satisfied by
// *sched.Scheduler.
type Syncer interface {
	Index() *search.Index
	TriggerRefreshNow(ctx context.Context) (cache.RefreshResult, error)
	Rebuild()
}

// DataCache is the read side of the cache. Satisfied by *cache.Cache.
type DataCache interface {
	Status() cache.CacheStatus
	Snapshot() *cache.Snapshot
	Clear()
}

type Deps struct {
	Config  config.Config
	Tokens  TokenManager
	Cache   DataCache
	Sync    Syncer
	Version string
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/callback", handleCallback(deps))
	r.Get("/api/health", handleHealth(deps))
	r.Get("/api/search/{index}", handleSearch(deps))
	r.Get("/api/cache/status", handleCacheStatus(deps))
	r.Post("/api/cache/refresh", handleCacheRefresh(deps))
	r.Get("/api/auth/url", handleAuthURL(deps))
	r.Post("/api/disconnect", handleDisconnect(deps))
	r.Get("/api/config", handleConfig(deps))
	r.Get("/api/indexes/status", handleIndexStatus(deps))
	r.Get("/api/data/{entity}", handleData(deps))
	r.Handle("/metrics", metrics.Handler())

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
