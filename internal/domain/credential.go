package domain

import "time"

// Credential is a short-lived signaling token. Renewal replaces it, never mutates it.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (c Credential) IsZero() bool { return c.Token == "" }

// ValidAt reports whether c is still usable at now with margin to spare.
func (c Credential) ValidAt(now time.Time, margin time.Duration) bool {
	return !c.IsZero() && c.ExpiresAt.Sub(now) > margin
}

// RenewAt is the moment a renewal should start for the given lead time.
func (c Credential) RenewAt(lead time.Duration) time.Time {
	return c.ExpiresAt.Add(-lead)
}
