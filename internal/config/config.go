package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	QuickBooks QuickBooksConfig
	Storage    StorageConfig
	Sync       SyncConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
	// BaseURL is the externally reachable address used to build the OAuth
	// redirect URI. Must match the redirect URI registered with Intuit.
	BaseURL string
}

type QuickBooksConfig struct {
	ClientID     string
	ClientSecret string
	// CompanyID may be empty at startup; the realm id delivered with the
	// OAuth callback takes precedence once a connection is established.
	CompanyID    string
	APIBaseURL   string
	AuthURL      string
	TokenURL     string
	Scope        string
	MinorVersion string
}

type StorageConfig struct {
	DataDir string
}

type SyncConfig struct {
	TokenCheckInterval   time.Duration
	CacheRefreshInterval time.Duration
	// RefreshBuffer is the minimum remaining token lifetime below which a
	// scheduled check triggers a refresh.
	RefreshBuffer  time.Duration
	PageSize       int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	RequestTimeout time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    5002,
			BaseURL: "http://localhost:5002",
		},
		QuickBooks: QuickBooksConfig{
			APIBaseURL:   "https://sandbox-quickbooks.api.intuit.com",
			AuthURL:      "https://appcenter.intuit.com/connect/oauth2",
			TokenURL:     "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer",
			Scope:        "com.intuit.quickbooks.accounting",
			MinorVersion: "75",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Sync: SyncConfig{
			TokenCheckInterval:   5 * time.Minute,
			CacheRefreshInterval: 60 * time.Minute,
			RefreshBuffer:        5 * time.Minute,
			PageSize:             1000,
			MaxAttempts:          5,
			BackoffBase:          time.Second,
			BackoffCap:           30 * time.Second,
			RequestTimeout:       30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "qbsyncd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./qbsyncd-data"
	}
	return filepath.Join(home, ".local", "share", "qbsyncd")
}

// Load reads configuration from defaults overridden by QBSYNCD_* environment
// variables and validates required QuickBooks credentials.
func Load() (Config, error) {
	return loadWith(os.Getenv)
}

func loadWith(getenv func(string) string) (Config, error) {
	cfg := defaults()
	applyEnvOverrides(&cfg, getenv)

	if cfg.QuickBooks.ClientID == "" || cfg.QuickBooks.ClientSecret == "" {
		return Config{}, fmt.Errorf("missing required config: QuickBooks credentials. " +
			"Set QBSYNCD_QB_CLIENT_ID and QBSYNCD_QB_CLIENT_SECRET")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Sync.PageSize <= 0 {
		return Config{}, fmt.Errorf("page size must be positive, got %d", cfg.Sync.PageSize)
	}
	if cfg.Sync.MaxAttempts <= 0 {
		return Config{}, fmt.Errorf("max attempts must be positive, got %d", cfg.Sync.MaxAttempts)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	setString(&cfg.Server.BaseURL, getenv("QBSYNCD_BASE_URL"))
	setInt(&cfg.Server.Port, getenv("QBSYNCD_PORT"))

	setString(&cfg.QuickBooks.ClientID, getenv("QBSYNCD_QB_CLIENT_ID"))
	setString(&cfg.QuickBooks.ClientSecret, getenv("QBSYNCD_QB_CLIENT_SECRET"))
	setString(&cfg.QuickBooks.CompanyID, getenv("QBSYNCD_QB_COMPANY_ID"))
	setString(&cfg.QuickBooks.APIBaseURL, getenv("QBSYNCD_QB_API_BASE_URL"))
	setString(&cfg.QuickBooks.AuthURL, getenv("QBSYNCD_QB_AUTH_URL"))
	setString(&cfg.QuickBooks.TokenURL, getenv("QBSYNCD_QB_TOKEN_URL"))
	setString(&cfg.QuickBooks.Scope, getenv("QBSYNCD_QB_SCOPE"))
	setString(&cfg.QuickBooks.MinorVersion, getenv("QBSYNCD_QB_MINOR_VERSION"))

	setString(&cfg.Storage.DataDir, getenv("QBSYNCD_DATA_DIR"))

	setDuration(&cfg.Sync.TokenCheckInterval, getenv("QBSYNCD_TOKEN_CHECK_INTERVAL"))
	setDuration(&cfg.Sync.CacheRefreshInterval, getenv("QBSYNCD_CACHE_REFRESH_INTERVAL"))
	setDuration(&cfg.Sync.RefreshBuffer, getenv("QBSYNCD_REFRESH_BUFFER"))
	setInt(&cfg.Sync.PageSize, getenv("QBSYNCD_PAGE_SIZE"))
	setInt(&cfg.Sync.MaxAttempts, getenv("QBSYNCD_MAX_ATTEMPTS"))
	setDuration(&cfg.Sync.BackoffBase, getenv("QBSYNCD_BACKOFF_BASE"))
	setDuration(&cfg.Sync.BackoffCap, getenv("QBSYNCD_BACKOFF_CAP"))
	setDuration(&cfg.Sync.RequestTimeout, getenv("QBSYNCD_HTTP_TIMEOUT"))

	setString(&cfg.Log.Level, getenv("QBSYNCD_LOG_LEVEL"))
}

// RedirectURL returns the OAuth redirect target derived from the base URL.
func (c Config) RedirectURL() string {
	return c.Server.BaseURL + "/callback"
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v string) {
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setDuration(dst *time.Duration, v string) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}
