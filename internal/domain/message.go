// Package domain defines the value types shared across the relay:
// participant roles, chat messages, session tokens, and offline entries.
package domain

import "time"

// Role identifies the kind of participant behind an identity.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// ParseRole validates a wire role string.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleUser, RoleAgent, RoleSystem:
		return Role(s), true
	}
	return "", false
}

// MsgType discriminates the purpose of a ChatMessage.
type MsgType string

const (
	MsgText            MsgType = "text"
	MsgSystem          MsgType = "system"
	MsgConnectAck      MsgType = "connect-ack"
	MsgOfflineNotice   MsgType = "offline-notice"
	MsgPaymentReminder MsgType = "payment-reminder"
	MsgRejectNotice    MsgType = "reject-notice"
)

// SystemSender is the reserved identity used on server-originated messages.
const SystemSender = "system"

// ChatMessage is the routed unit of conversation. MsgID and SentAt are
// assigned by the router when the client omits them; client-supplied
// timestamps are never used for ordering.
type ChatMessage struct {
	MsgID          string    `json:"msgId,omitempty"`
	SenderID       string    `json:"senderId"`
	SenderRole     Role      `json:"senderRole"`
	ReceiverID     string    `json:"receiverId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	MsgType        MsgType   `json:"msgType"`
	SentAt         time.Time `json:"sendTime,omitempty"`
	Read           bool      `json:"read,omitempty"`
}

// SystemMessage builds a server-originated message addressed to recipient.
func SystemMessage(msgType MsgType, recipient, conversationID, content string) ChatMessage {
	return ChatMessage{
		SenderID:       SystemSender,
		SenderRole:     RoleSystem,
		ReceiverID:     recipient,
		ConversationID: conversationID,
		Content:        content,
		MsgType:        msgType,
	}
}
