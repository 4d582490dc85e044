package models

import "time"

// ConsentSnapshot is the user's current consent grants at a point in time.
type ConsentSnapshot struct {
	Scopes    map[string]bool `json:"scopes" yaml:"scopes"`
	Version   string          `json:"version" yaml:"version"`
	GrantedAt time.Time       `json:"granted_at" yaml:"granted_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// Expired reports whether the snapshot has passed its expiry at now.
func (s *ConsentSnapshot) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Granted reports whether scope is granted and the snapshot is still valid.
func (s *ConsentSnapshot) Granted(scope string, now time.Time) bool {
	if s == nil || s.Expired(now) {
		return false
	}
	return s.Scopes[scope]
}

// AnyGranted reports whether at least one scope is granted at now.
func (s *ConsentSnapshot) AnyGranted(now time.Time) bool {
	if s == nil || s.Expired(now) {
		return false
	}
	for _, ok := range s.Scopes {
		if ok {
			return true
		}
	}
	return false
}
