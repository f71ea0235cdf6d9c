package domain

import "time"

// OfflineEntry is a queued message awaiting delivery to a recipient that
// was unreachable at routing time. Pushed flips to true once the message
// has been handed to a reconnecting recipient (or pulled over HTTP).
type OfflineEntry struct {
	ID             int64
	Recipient      string
	ConversationID string
	Message        ChatMessage
	Pushed         bool
	CreatedAt      time.Time
}
