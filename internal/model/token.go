package model

import "time"

// Token scopes form a fixed capability vocabulary. A token holds a non-empty
// subset and each protected endpoint declares the scope it requires.
const (
	ScopeChat   = "chat"
	ScopeModels = "models"
)

// Scopes lists every valid capability scope.
var Scopes = []string{ScopeChat, ScopeModels}

// ValidScope reports whether s is part of the capability vocabulary.
func ValidScope(s string) bool {
	for _, v := range Scopes {
		if v == s {
			return true
		}
	}
	return false
}

// APIToken represents an issued bearer token. The raw secret is never stored;
// only the bcrypt hash and the public prefix used for indexed lookup are.
type APIToken struct {
	ID                 string     `json:"id"`
	OwnerIdentity      string     `json:"owner_identity"`
	Name               string     `json:"name"`
	SecretHash         string     `json:"-"`
	PrefixIndex        string     `json:"prefix_index"`
	Scopes             []string   `json:"scopes"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	TotalRequests      int64      `json:"total_requests"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	Active             bool       `json:"active"`
}

// Usable reports whether the token may authenticate at the given instant:
// it must be active and either have no expiry or expire in the future.
func (t *APIToken) Usable(now time.Time) bool {
	if !t.Active {
		return false
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Status returns the owner-facing lifecycle state: "active", "expired" or
// "revoked". Expired is derived from time, revoked is the stored flag.
// Authentication never exposes this distinction.
func (t *APIToken) Status(now time.Time) string {
	if !t.Active {
		return "revoked"
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return "expired"
	}
	return "active"
}

// HasScope reports whether the token carries the given scope.
func (t *APIToken) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
