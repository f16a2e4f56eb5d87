package store

import "time"

const (
	SenderUser   = "user"
	SenderAI     = "ai"
	SenderSystem = "system"
)

// DefaultTitle is stored for new sessions until the AI suggests one.
const DefaultTitle = "New chat..."

type Session struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	Messages  []Message `json:"messages,omitempty"`
}

type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"chatSessionId"`
	Sender    string    `json:"sender"` // "user", "ai" or "system"
	Content   string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}
