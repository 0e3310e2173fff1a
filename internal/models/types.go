package models

// Message roles understood by the completion backend
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InboundEvent is one update pulled from the long-poll feed.
// Updates without a text message keep an empty Text so the cursor still
// moves past them.
type InboundEvent struct {
	UpdateID     int
	ChatID       int64
	MessageID    int
	UserID       int64
	DisplayName  string
	LanguageCode string
	Text         string
}

// UserStats represents user statistics
type UserStats struct {
	UserID        int64 `json:"user_id"`
	TotalMessages int   `json:"total_messages"`
	TotalSessions int   `json:"total_sessions"`
}
