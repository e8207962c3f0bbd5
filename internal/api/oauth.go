package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// refreshAfterConnect bounds the background refresh kicked off right after
// a successful OAuth connect.
const refreshAfterConnect = 10 * time.Minute

func handleCallback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		code := q.Get("code")
		state := q.Get("state")
		realmID := q.Get("realmId")

		token, err := deps.Tokens.HandleCallback(r.Context(), code, state, realmID)
		if err != nil {
			httpError(w, http.StatusBadRequest, "authentication_error", "authorization failed: %v", err)
			return
		}

		// Populate the cache right away instead of waiting for the next
		// tick. The callback response must not block on it.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), refreshAfterConnect)
			defer cancel()
			result, err := deps.Sync.TriggerRefreshNow(ctx)
			if err != nil {
				slog.Error("initial sync after connect failed", "error", err)
				return
			}
			slog.Info("initial sync after connect finished",
				"status", string(result.Status()), "duration", result.Duration)
		}()

		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "connected",
			"realm_id": token.RealmID,
			"message":  "QuickBooks connected, initial sync started",
		})
	}
}

func handleAuthURL(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url, state := deps.Tokens.AuthorizationURL()
		writeJSON(w, http.StatusOK, map[string]any{
			"authorization_url": url,
			"state":             state,
		})
	}
}

func handleDisconnect(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Tokens.Disconnect(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "disconnect failed: %v", err)
			return
		}
		deps.Cache.Clear()
		deps.Sync.Rebuild()
		writeJSON(w, http.StatusOK, map[string]any{"status": "disconnected"})
	}
}
