package domain

import "time"

// TokenRecord is the persisted state of a session token. A token is valid
// iff a record exists in the store and has not expired; validity is
// rechecked against the store on every privileged operation.
type TokenRecord struct {
	Token       string
	Identity    string
	DisplayName string
	Online      bool
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the token's TTL has elapsed at the given instant.
func (t TokenRecord) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
