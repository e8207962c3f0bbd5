package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/kalambet/qbsyncd/internal/config"
	"github.com/kalambet/qbsyncd/internal/storage"
)

// ServiceName keys the persisted token record.
const ServiceName = "quickbooks"

// ErrNotAuthenticated is returned when no usable token exists. Remote calls
// cannot proceed until the operator completes the OAuth consent flow.
var ErrNotAuthenticated = errors.New("not authenticated with QuickBooks")

// stateTTL bounds how long an issued authorization state stays valid.
const stateTTL = 10 * time.Minute

// Token is the in-memory OAuth token pair for the QuickBooks connection.
type Token struct {
	AccessToken  string
	RefreshToken string
	RealmID      string // QuickBooks company id, delivered with the callback
	ExpiresAt    time.Time
}

// TokenStore persists token records across daemon restarts.
type TokenStore interface {
	SaveToken(rec storage.TokenRecord) error
	GetToken(service string) (storage.TokenRecord, error)
	DeleteToken(service string) error
}

// Manager owns the OAuth2 token lifecycle: initial authorization-code
// exchange, scheduled refresh ahead of expiry, and persistence. All token
// mutation goes through the manager's mutex; readers get copies.
type Manager struct {
	oauth  *oauth2.Config
	store  TokenStore
	logger *slog.Logger

	mu       sync.Mutex
	token    *Token
	loaded   bool          // store has been consulted at least once
	lifetime time.Duration // last observed access-token lifetime
	states   map[string]time.Time
}

// NewManager builds a Manager from config. The token endpoint authenticates
// the client via basic auth, which Intuit requires.
func NewManager(cfg config.Config, store TokenStore) *Manager {
	return &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.QuickBooks.ClientID,
			ClientSecret: cfg.QuickBooks.ClientSecret,
			RedirectURL:  cfg.RedirectURL(),
			Scopes:       []string{cfg.QuickBooks.Scope},
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.QuickBooks.AuthURL,
				TokenURL:  cfg.QuickBooks.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		store:  store,
		logger: slog.Default(),
		states: make(map[string]time.Time),
	}
}

// Current returns the current token, loading the persisted record on first
// use. Returns ErrNotAuthenticated when no token has ever been acquired.
func (m *Manager) Current(ctx context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return Token{}, err
	}
	if m.token == nil {
		return Token{}, ErrNotAuthenticated
	}
	return *m.token, nil
}

// Authenticated reports whether a token pair is available.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return false
	}
	return m.token != nil
}

// loadLocked populates the in-memory token from the store once. A missing
// record is not an error here; callers treat a nil token as unauthenticated.
func (m *Manager) loadLocked() error {
	if m.loaded {
		return nil
	}
	rec, err := m.store.GetToken(ServiceName)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		m.loaded = true
		return nil
	case err != nil:
		return fmt.Errorf("loading persisted token: %w", err)
	}
	m.token = &Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		RealmID:      rec.RealmID,
		ExpiresAt:    rec.ExpiresAt,
	}
	m.loaded = true
	m.logger.Info("token loaded from store", "expires_at", rec.ExpiresAt)
	return nil
}

// RefreshIfNeeded refreshes the token when less than buffer remains before
// expiry. A buffer <= 0 forces a refresh unconditionally. When more than a
// quarter of the last observed token lifetime exceeds buffer, the larger
// window wins: losing the refresh token to expiry means manual re-auth, so
// the daemon refreshes early.
//
// On failure the stored token is left untouched and (false, err) is
// returned; the caller retries on its next tick. Returns (true, nil) only
// when a refresh actually happened.
func (m *Manager) RefreshIfNeeded(ctx context.Context, buffer time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return false, err
	}
	if m.token == nil {
		return false, ErrNotAuthenticated
	}

	if buffer > 0 {
		if quarter := m.lifetime / 4; quarter > buffer {
			buffer = quarter
		}
		if time.Until(m.token.ExpiresAt) >= buffer {
			return false, nil
		}
	}

	err := m.refreshLocked(ctx)
	return err == nil, err
}

// refreshLocked performs the refresh-token grant and installs the result.
// Caller holds m.mu.
func (m *Manager) refreshLocked(ctx context.Context) error {
	src := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: m.token.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		m.logger.Error("token refresh failed", "error", err)
		return fmt.Errorf("refreshing token: %w", err)
	}

	next := &Token{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		RealmID:      m.token.RealmID,
		ExpiresAt:    fresh.Expiry,
	}
	// Intuit rotates the refresh token on most refreshes; when the response
	// omits one, the previous refresh token is still valid.
	if next.RefreshToken == "" {
		next.RefreshToken = m.token.RefreshToken
	}
	if err := m.installLocked(next); err != nil {
		return err
	}
	m.logger.Info("access token refreshed", "expires_at", next.ExpiresAt)
	return nil
}

// HandleCallback exchanges the authorization code delivered to the OAuth
// redirect for the initial token pair. realmID is the company id Intuit
// appends to the redirect.
func (m *Manager) HandleCallback(ctx context.Context, code, state, realmID string) (Token, error) {
	if code == "" {
		return Token{}, fmt.Errorf("missing authorization code: %w", ErrNotAuthenticated)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumeStateLocked(state)

	tok, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		m.logger.Error("authorization code exchange failed", "error", err)
		return Token{}, fmt.Errorf("exchanging authorization code (%v): %w", err, ErrNotAuthenticated)
	}

	next := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		RealmID:      realmID,
		ExpiresAt:    tok.Expiry,
	}
	if next.RealmID == "" && m.token != nil {
		next.RealmID = m.token.RealmID
	}
	if err := m.installLocked(next); err != nil {
		return Token{}, err
	}
	m.logger.Info("authorization complete", "realm_id", next.RealmID, "expires_at", next.ExpiresAt)
	return *next, nil
}

// consumeStateLocked drops a known state. An unknown state is logged but not
// fatal: issued states live only in memory, and the consent flow may span a
// daemon restart.
func (m *Manager) consumeStateLocked(state string) {
	if _, ok := m.states[state]; ok {
		delete(m.states, state)
		return
	}
	if state != "" {
		m.logger.Warn("callback carried unrecognized state", "state", state)
	}
}

// installLocked persists and swaps in a new token. Caller holds m.mu.
func (m *Manager) installLocked(next *Token) error {
	if err := m.store.SaveToken(storage.TokenRecord{
		Service:      ServiceName,
		AccessToken:  next.AccessToken,
		RefreshToken: next.RefreshToken,
		RealmID:      next.RealmID,
		ExpiresAt:    next.ExpiresAt,
	}); err != nil {
		return fmt.Errorf("persisting token: %w", err)
	}
	if lifetime := time.Until(next.ExpiresAt); lifetime > 0 {
		m.lifetime = lifetime
	}
	m.token = next
	m.loaded = true
	return nil
}

// AuthorizationURL builds the Intuit consent URL with a fresh state value.
func (m *Manager) AuthorizationURL() (string, string) {
	state := uuid.New().String()

	m.mu.Lock()
	now := time.Now()
	for s, issued := range m.states {
		if now.Sub(issued) > stateTTL {
			delete(m.states, s)
		}
	}
	m.states[state] = now
	m.mu.Unlock()

	return m.oauth.AuthCodeURL(state), state
}

// Disconnect deletes the persisted token and clears the in-memory pair.
// Further remote calls fail with ErrNotAuthenticated until re-authorized.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.DeleteToken(ServiceName); err != nil {
		return fmt.Errorf("deleting persisted token: %w", err)
	}
	m.token = nil
	m.loaded = true
	m.lifetime = 0
	m.logger.Info("disconnected from QuickBooks")
	return nil
}
