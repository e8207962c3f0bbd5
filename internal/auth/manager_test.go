package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/qbsyncd/internal/config"
	"github.com/kalambet/qbsyncd/internal/storage"
)

// tokenServer fakes the Intuit token endpoint. It counts grant requests and
// answers with a fresh token pair unless failStatus is non-zero.
type tokenServer struct {
	srv        *httptest.Server
	grants     atomic.Int64
	failStatus atomic.Int64
	lastGrant  atomic.Value // string
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		ts.grants.Add(1)
		ts.lastGrant.Store(r.PostFormValue("grant_type"))

		if code := ts.failStatus.Load(); code != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(int(code))
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}

		n := ts.grants.Load()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-" + strings.Repeat("x", int(n)),
			"refresh_token": "refresh-" + strings.Repeat("x", int(n)),
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func newTestManager(t *testing.T, tokenURL string) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var cfg config.Config
	cfg.QuickBooks.ClientID = "client-id"
	cfg.QuickBooks.ClientSecret = "client-secret"
	cfg.QuickBooks.Scope = "com.intuit.quickbooks.accounting"
	cfg.QuickBooks.AuthURL = "https://appcenter.example.com/connect/oauth2"
	cfg.QuickBooks.TokenURL = tokenURL
	cfg.Server.BaseURL = "http://localhost:5002"

	return NewManager(cfg, store), store
}

func seedToken(t *testing.T, store *storage.Store, expiresIn time.Duration) {
	t.Helper()
	err := store.SaveToken(storage.TokenRecord{
		Service:      ServiceName,
		AccessToken:  "seed-access",
		RefreshToken: "seed-refresh",
		RealmID:      "9341452",
		ExpiresAt:    time.Now().Add(expiresIn),
	})
	if err != nil {
		t.Fatalf("seeding token: %v", err)
	}
}

func TestCurrentNoToken(t *testing.T) {
	ts := newTokenServer(t)
	m, _ := newTestManager(t, ts.srv.URL)

	_, err := m.Current(context.Background())
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Current on empty store: err = %v, want ErrNotAuthenticated", err)
	}
	if m.Authenticated() {
		t.Error("Authenticated() = true on empty store")
	}
}

func TestCurrentLoadsPersistedToken(t *testing.T) {
	ts := newTokenServer(t)
	m, store := newTestManager(t, ts.srv.URL)
	seedToken(t, store, time.Hour)

	tok, err := m.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if tok.AccessToken != "seed-access" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if tok.RealmID != "9341452" {
		t.Errorf("RealmID = %q", tok.RealmID)
	}
	if !m.Authenticated() {
		t.Error("Authenticated() = false with persisted token")
	}
}

func TestRefreshIfNeededOutsideBuffer(t *testing.T) {
	ts := newTokenServer(t)
	m, store := newTestManager(t, ts.srv.URL)
	seedToken(t, store, time.Hour)

	refreshed, err := m.RefreshIfNeeded(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("RefreshIfNeeded: %v", err)
	}
	if refreshed {
		t.Error("refreshed = true for a token with an hour left")
	}
	if n := ts.grants.Load(); n != 0 {
		t.Errorf("token endpoint hit %d times, want 0", n)
	}
}

func TestRefreshIfNeededInsideBuffer(t *testing.T) {
	ts := newTokenServer(t)
	m, store := newTestManager(t, ts.srv.URL)
	seedToken(t, store, 2*time.Minute)
	oldExpiry := time.Now().Add(2 * time.Minute)

	refreshed, err := m.RefreshIfNeeded(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("RefreshIfNeeded: %v", err)
	}
	if !refreshed {
		t.Fatal("refreshed = false for a token inside the buffer window")
	}
	if got := ts.lastGrant.Load(); got != "refresh_token" {
		t.Errorf("grant_type = %v, want refresh_token", got)
	}

	tok, err := m.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if !tok.ExpiresAt.After(oldExpiry) {
		t.Errorf("new expiry %v not after old expiry %v", tok.ExpiresAt, oldExpiry)
	}
	if tok.RealmID != "9341452" {
		t.Errorf("RealmID = %q, realm must survive refresh", tok.RealmID)
	}

	// The rotated pair is persisted.
	rec, err := store.GetToken(ServiceName)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if rec.AccessToken != tok.AccessToken || rec.RefreshToken != tok.RefreshToken {
		t.Error("persisted record does not match in-memory token")
	}
}

func TestRefreshIdempotentWithinBuffer(t *testing.T) {
	ts := newTokenServer(t)
	m, store := newTestManager(t, ts.srv.URL)
	seedToken(t, store, 2*time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := m.RefreshIfNeeded(context.Background(), 5*time.Minute); err != nil {
			t.Fatalf("RefreshIfNeeded #%d: %v", i+1, err)
		}
	}
	if n := ts.grants.Load(); n != 1 {
		t.Errorf("token endpoint hit %d times, want 1 (second call must observe the fresh token)", n)
	}
}

func TestForcedRefresh(t *testing.T) {
	ts := newTokenServer(t)
	m, store := newTestManager(t, ts.srv.URL)
	seedToken(t, store, time.Hour)

	refreshed, err := m.RefreshIfNeeded(context.Background(), 0)
	if err != nil {
		t.Fatalf("RefreshIfNeeded(0): %v", err)
	}
	if !refreshed {
		t.Error("forced refresh did not refresh")
	}
	if n := ts.grants.Load(); n != 1 {
		t.Errorf("token endpoint hit %d times, want 1", n)
	}
}

func TestRefreshFailureKeepsStoredToken(t *testing.T) {
	ts := newTokenServer(t)
	ts.failStatus.Store(http.StatusBadRequest)
	m, store := newTestManager(t, ts.srv.URL)
	seedToken(t, store, time.Minute)

	refreshed, err := m.RefreshIfNeeded(context.Background(), 5*time.Minute)
	if err == nil {
		t.Fatal("expected error from failing token endpoint")
	}
	if refreshed {
		t.Error("refreshed = true although no refresh happened")
	}

	rec, getErr := store.GetToken(ServiceName)
	if getErr != nil {
		t.Fatalf("GetToken: %v", getErr)
	}
	if rec.AccessToken != "seed-access" || rec.RefreshToken != "seed-refresh" {
		t.Error("stored token mutated by a failed refresh")
	}
}

func TestRefreshWithoutTokenErrs(t *testing.T) {
	ts := newTokenServer(t)
	m, _ := newTestManager(t, ts.srv.URL)

	_, err := m.RefreshIfNeeded(context.Background(), 5*time.Minute)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("err = %v, want ErrNotAuthenticated", err)
	}
}

func TestHandleCallback(t *testing.T) {
	ts := newTokenServer(t)
	m, store := newTestManager(t, ts.srv.URL)

	_, state := m.AuthorizationURL()
	tok, err := m.HandleCallback(context.Background(), "auth-code-123", state, "555777")
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if got := ts.lastGrant.Load(); got != "authorization_code" {
		t.Errorf("grant_type = %v, want authorization_code", got)
	}
	if tok.RealmID != "555777" {
		t.Errorf("RealmID = %q, want 555777", tok.RealmID)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		t.Error("callback produced an incomplete token pair")
	}

	rec, err := store.GetToken(ServiceName)
	if err != nil {
		t.Fatalf("GetToken after callback: %v", err)
	}
	if rec.RealmID != "555777" {
		t.Errorf("persisted RealmID = %q", rec.RealmID)
	}
}

func TestHandleCallbackInvalidCode(t *testing.T) {
	ts := newTokenServer(t)
	ts.failStatus.Store(http.StatusBadRequest)
	m, _ := newTestManager(t, ts.srv.URL)

	_, err := m.HandleCallback(context.Background(), "expired-code", "", "")
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("err = %v, want ErrNotAuthenticated", err)
	}
	if m.Authenticated() {
		t.Error("Authenticated() = true after failed exchange")
	}
}

func TestHandleCallbackMissingCode(t *testing.T) {
	ts := newTokenServer(t)
	m, _ := newTestManager(t, ts.srv.URL)

	_, err := m.HandleCallback(context.Background(), "", "", "")
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("err = %v, want ErrNotAuthenticated", err)
	}
	if n := ts.grants.Load(); n != 0 {
		t.Errorf("token endpoint hit %d times for an empty code", n)
	}
}

func TestAuthorizationURL(t *testing.T) {
	ts := newTokenServer(t)
	m, _ := newTestManager(t, ts.srv.URL)

	url, state := m.AuthorizationURL()
	if state == "" {
		t.Fatal("empty state")
	}
	if !strings.Contains(url, "state="+state) {
		t.Errorf("url %q missing state parameter", url)
	}
	if !strings.Contains(url, "client_id=client-id") {
		t.Errorf("url %q missing client id", url)
	}

	_, state2 := m.AuthorizationURL()
	if state2 == state {
		t.Error("states must be unique per request")
	}
}

func TestDisconnect(t *testing.T) {
	ts := newTokenServer(t)
	m, store := newTestManager(t, ts.srv.URL)
	seedToken(t, store, time.Hour)

	if !m.Authenticated() {
		t.Fatal("expected authenticated before disconnect")
	}
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if m.Authenticated() {
		t.Error("Authenticated() = true after disconnect")
	}
	if _, err := store.GetToken(ServiceName); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("persisted token survived disconnect: %v", err)
	}
}
