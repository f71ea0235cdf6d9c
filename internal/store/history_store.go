package store

import (
	"time"

	"github.com/emberchat/relay/internal/domain"
)

// HistoryStore is the append-only conversation log. Appends are dispatched
// asynchronously by the router; a failed append is logged and never blocks
// delivery, so the log is at-least-once.
type HistoryStore struct {
	db *DB
}

// NewHistoryStore creates a history store using the given database.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// Append records a routed message under its conversation id.
func (s *HistoryStore) Append(msg domain.ChatMessage) error {
	_, err := s.db.sql.Exec(
		`INSERT INTO history (msg_id, conversation_id, sender_id, sender_role, receiver_id, msg_type, content, sent_at, read_flag)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MsgID, msg.ConversationID, msg.SenderID, string(msg.SenderRole),
		msg.ReceiverID, string(msg.MsgType), msg.Content,
		msg.SentAt.UnixMilli(), boolToInt(msg.Read),
	)
	if err != nil {
		s.db.log.Error().Err(err).Str("conversation", msg.ConversationID).Msg("failed to append history")
	}
	return err
}

// PurgeBefore removes history entries sent before the cutoff.
func (s *HistoryStore) PurgeBefore(cutoff time.Time) int64 {
	res, err := s.db.sql.Exec(`DELETE FROM history WHERE sent_at < ?`, cutoff.UnixMilli())
	if err != nil {
		s.db.log.Error().Err(err).Msg("failed to purge history")
		return 0
	}
	n, _ := res.RowsAffected()
	return n
}

// Conversation returns the full log for a conversation in append order.
func (s *HistoryStore) Conversation(conversationID string) ([]domain.ChatMessage, error) {
	rows, err := s.db.sql.Query(
		`SELECT msg_id, conversation_id, sender_id, sender_role, receiver_id, msg_type, content, sent_at, read_flag
		 FROM history WHERE conversation_id = ? ORDER BY id`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		var msg domain.ChatMessage
		var role, msgType string
		var sentAt int64
		var read int

		if err := rows.Scan(&msg.MsgID, &msg.ConversationID, &msg.SenderID, &role,
			&msg.ReceiverID, &msgType, &msg.Content, &sentAt, &read); err != nil {
			continue
		}
		msg.SenderRole = domain.Role(role)
		msg.MsgType = domain.MsgType(msgType)
		msg.SentAt = time.UnixMilli(sentAt)
		msg.Read = read != 0
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
