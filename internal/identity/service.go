// Package identity issues and validates the session tokens that bind a
// connection to a durable participant identity.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/emberchat/relay/internal/domain"
	"github.com/emberchat/relay/internal/logging"
	"github.com/emberchat/relay/internal/store"
)

// Service is the token authority for one relay instance. Validity is
// time-based and externally mutable, so every check goes to the shared
// store; nothing is cached across calls.
type Service struct {
	tokens    *store.TokenStore
	namespace string
	ttl       time.Duration
	log       *logging.Logger

	now func() time.Time
}

// NewService creates a token service scoped to an instance namespace.
func NewService(tokens *store.TokenStore, namespace string, ttl time.Duration, log *logging.Logger) *Service {
	return &Service{
		tokens:    tokens,
		namespace: namespace,
		ttl:       ttl,
		log:       log.Sub("identity"),
		now:       time.Now,
	}
}

// Identity builds the namespaced, role-prefixed identity string.
func (s *Service) Identity(role domain.Role, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.namespace, role, id)
}

// Issue creates a random single-use token bound to a freeform identity.
func (s *Service) Issue(identity, displayName string) (string, error) {
	token := uuid.NewString()
	now := s.now()
	err := s.tokens.Put(domain.TokenRecord{
		Token:       token,
		Identity:    identity,
		DisplayName: displayName,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	})
	if err != nil {
		return "", fmt.Errorf("storing token: %w", err)
	}
	return token, nil
}

// IssueFixed derives the deterministic token for a role + application id.
// Repeated calls return the same token string, so clients that must reuse
// a stable handle across sessions can re-request it at any time; each call
// resets the TTL.
func (s *Service) IssueFixed(role domain.Role, appID, displayName string) (identity, token string, err error) {
	identity = s.Identity(role, appID)
	sum := sha256.Sum256([]byte(s.namespace + "|" + string(role) + "|" + appID))
	token = hex.EncodeToString(sum[:])

	now := s.now()
	err = s.tokens.Put(domain.TokenRecord{
		Token:       token,
		Identity:    identity,
		DisplayName: displayName,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	})
	if err != nil {
		return "", "", fmt.Errorf("storing token: %w", err)
	}
	return identity, token, nil
}

// Validate returns the token's record iff it is present and unexpired.
func (s *Service) Validate(token string) (domain.TokenRecord, bool) {
	rec, ok := s.tokens.Get(token)
	if !ok || rec.Expired(s.now()) {
		return domain.TokenRecord{}, false
	}
	return rec, true
}

// ValidateFor reports whether token is valid and bound to identity.
func (s *Service) ValidateFor(token, identity string) bool {
	rec, ok := s.Validate(token)
	return ok && rec.Identity == identity
}

// Refresh extends the TTL of a currently valid token. Expired or unknown
// tokens are left untouched and false is returned.
func (s *Service) Refresh(token string) bool {
	if _, ok := s.Validate(token); !ok {
		return false
	}
	return s.tokens.UpdateExpiry(token, s.now().Add(s.ttl))
}

// Destroy removes a token unconditionally.
func (s *Service) Destroy(token string) bool {
	return s.tokens.Delete(token)
}

// MarkOnline flips the online flag of a valid token, refreshing its TTL.
func (s *Service) MarkOnline(token string) bool {
	return s.setOnline(token, true)
}

// MarkOffline clears the online flag of a valid token, refreshing its TTL.
func (s *Service) MarkOffline(token string) bool {
	return s.setOnline(token, false)
}

// ForceOffline clears the online flag regardless of remaining validity, so
// a token that expired mid-session does not stay marked online after the
// connection tears down. The expiry is left as-is.
func (s *Service) ForceOffline(token string) bool {
	rec, ok := s.tokens.Get(token)
	if !ok {
		return false
	}
	return s.tokens.SetOnline(token, false, rec.ExpiresAt)
}

func (s *Service) setOnline(token string, online bool) bool {
	if _, ok := s.Validate(token); !ok {
		return false
	}
	return s.tokens.SetOnline(token, online, s.now().Add(s.ttl))
}

// Sweep removes expired tokens from the store.
func (s *Service) Sweep() int64 {
	n := s.tokens.DeleteExpired(s.now())
	if n > 0 {
		s.log.Debug().Int64("removed", n).Msg("swept expired tokens")
	}
	return n
}
