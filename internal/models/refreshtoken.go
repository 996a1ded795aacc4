package models

import "time"

// RefreshToken is an opaque 48-byte random credential stored hashed
// server-side. Only client ids exist here, not end-users or OAuth scopes.
type RefreshToken struct {
	TokenHash    string     `json:"-"`
	ClientID     string     `json:"client_id"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"` // nil: non-expiring (admin/manager only)
	Revoked      bool       `json:"revoked"`
	LastAccessed time.Time  `json:"last_accessed"`
}

// Expired reports whether the token is past its expiry, if it has one.
func (t *RefreshToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Valid reports whether the token may still be used to mint access tokens.
func (t *RefreshToken) Valid(now time.Time) bool {
	return !t.Revoked && !t.Expired(now)
}
