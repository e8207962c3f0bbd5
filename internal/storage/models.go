package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TokenRecord is a persisted OAuth token pair for one remote service.
type TokenRecord struct {
	Service      string
	AccessToken  string
	RefreshToken string
	RealmID      string // QuickBooks company id
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}
