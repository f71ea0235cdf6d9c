package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/emberchat/relay/internal/domain"
)

// OfflineStore queues messages for recipients that were unreachable at
// routing time. Entries are flushed FIFO (by insertion id) when the
// recipient reconnects, or pulled over HTTP, and marked pushed either way.
type OfflineStore struct {
	db *DB
}

// NewOfflineStore creates an offline-queue store using the given database.
func NewOfflineStore(db *DB) *OfflineStore {
	return &OfflineStore{db: db}
}

// Enqueue stores a message for later delivery.
func (s *OfflineStore) Enqueue(recipient, conversationID string, msg domain.ChatMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding queued message: %w", err)
	}
	_, err = s.db.sql.Exec(
		`INSERT INTO offline_queue (recipient, conversation_id, message, pushed, created_at)
		 VALUES (?, ?, ?, 0, ?)`,
		recipient, conversationID, string(payload), time.Now().UnixMilli(),
	)
	if err != nil {
		s.db.log.Error().Err(err).Str("recipient", recipient).Msg("failed to enqueue offline message")
	}
	return err
}

// Pending returns all unpushed entries for a recipient across every
// conversation, in creation order.
func (s *OfflineStore) Pending(recipient string) ([]domain.OfflineEntry, error) {
	return s.query(
		`SELECT id, recipient, conversation_id, message, pushed, created_at
		 FROM offline_queue WHERE recipient = ? AND pushed = 0 ORDER BY id`, recipient)
}

// PendingForConversation returns unpushed entries scoped to one conversation.
func (s *OfflineStore) PendingForConversation(recipient, conversationID string) ([]domain.OfflineEntry, error) {
	return s.query(
		`SELECT id, recipient, conversation_id, message, pushed, created_at
		 FROM offline_queue WHERE recipient = ? AND conversation_id = ? AND pushed = 0 ORDER BY id`,
		recipient, conversationID)
}

// MarkPushed flags a single entry as delivered.
func (s *OfflineStore) MarkPushed(id int64) error {
	_, err := s.db.sql.Exec(`UPDATE offline_queue SET pushed = 1 WHERE id = ?`, id)
	if err != nil {
		s.db.log.Error().Err(err).Int64("id", id).Msg("failed to mark offline entry pushed")
	}
	return err
}

// Pull atomically returns all unpushed entries for recipient+conversation
// and marks them pushed, so a second pull returns nothing.
func (s *OfflineStore) Pull(recipient, conversationID string) ([]domain.OfflineEntry, error) {
	tx, err := s.db.sql.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, recipient, conversation_id, message, pushed, created_at
		 FROM offline_queue WHERE recipient = ? AND conversation_id = ? AND pushed = 0 ORDER BY id`,
		recipient, conversationID,
	)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if _, err := tx.Exec(`UPDATE offline_queue SET pushed = 1 WHERE id = ?`, e.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}

// PurgePushedBefore removes pushed entries older than the cutoff. Unpushed
// entries are never purged regardless of age.
func (s *OfflineStore) PurgePushedBefore(cutoff time.Time) int64 {
	res, err := s.db.sql.Exec(
		`DELETE FROM offline_queue WHERE pushed = 1 AND created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		s.db.log.Error().Err(err).Msg("failed to purge offline queue")
		return 0
	}
	n, _ := res.RowsAffected()
	return n
}

func (s *OfflineStore) query(q string, args ...any) ([]domain.OfflineEntry, error) {
	rows, err := s.db.sql.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func scanEntries(rows rowScanner) ([]domain.OfflineEntry, error) {
	defer rows.Close()

	var entries []domain.OfflineEntry
	for rows.Next() {
		var e domain.OfflineEntry
		var payload string
		var pushed int
		var createdAt int64

		if err := rows.Scan(&e.ID, &e.Recipient, &e.ConversationID, &payload, &pushed, &createdAt); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(payload), &e.Message); err != nil {
			continue
		}
		e.Pushed = pushed != 0
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
