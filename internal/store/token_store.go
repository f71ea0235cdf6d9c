package store

import (
	"time"

	"github.com/emberchat/relay/internal/domain"
)

// TokenStore persists session tokens. The identity service layers TTL and
// online/offline semantics on top; this type is plain keyed storage.
type TokenStore struct {
	db *DB
}

// NewTokenStore creates a token store using the given database.
func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{db: db}
}

// Put inserts or replaces the record for its token value.
func (s *TokenStore) Put(rec domain.TokenRecord) error {
	_, err := s.db.sql.Exec(
		`INSERT OR REPLACE INTO tokens (token, identity, display_name, online, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Token, rec.Identity, rec.DisplayName, boolToInt(rec.Online),
		rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli(),
	)
	return err
}

// Get returns the record for a token, if present.
func (s *TokenStore) Get(token string) (domain.TokenRecord, bool) {
	var rec domain.TokenRecord
	var online int
	var createdAt, expiresAt int64

	err := s.db.sql.QueryRow(
		`SELECT token, identity, display_name, online, created_at, expires_at
		 FROM tokens WHERE token = ?`, token,
	).Scan(&rec.Token, &rec.Identity, &rec.DisplayName, &online, &createdAt, &expiresAt)
	if err != nil {
		return domain.TokenRecord{}, false
	}

	rec.Online = online != 0
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.ExpiresAt = time.UnixMilli(expiresAt)
	return rec, true
}

// Delete removes a token unconditionally. Returns true if a row was removed.
func (s *TokenStore) Delete(token string) bool {
	res, err := s.db.sql.Exec(`DELETE FROM tokens WHERE token = ?`, token)
	if err != nil {
		s.db.log.Error().Err(err).Msg("failed to delete token")
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

// UpdateExpiry extends a token's TTL. Returns false if the token is absent.
func (s *TokenStore) UpdateExpiry(token string, expiresAt time.Time) bool {
	res, err := s.db.sql.Exec(
		`UPDATE tokens SET expires_at = ? WHERE token = ?`,
		expiresAt.UnixMilli(), token,
	)
	if err != nil {
		s.db.log.Error().Err(err).Msg("failed to update token expiry")
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

// SetOnline flips the online flag and re-persists the expiry in one write.
func (s *TokenStore) SetOnline(token string, online bool, expiresAt time.Time) bool {
	res, err := s.db.sql.Exec(
		`UPDATE tokens SET online = ?, expires_at = ? WHERE token = ?`,
		boolToInt(online), expiresAt.UnixMilli(), token,
	)
	if err != nil {
		s.db.log.Error().Err(err).Msg("failed to set token online flag")
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

// DeleteExpired removes all tokens whose TTL elapsed before now.
func (s *TokenStore) DeleteExpired(now time.Time) int64 {
	res, err := s.db.sql.Exec(`DELETE FROM tokens WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		s.db.log.Error().Err(err).Msg("failed to sweep expired tokens")
		return 0
	}
	n, _ := res.RowsAffected()
	return n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
