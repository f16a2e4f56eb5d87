package model

import (
	"strings"
	"time"
)

type Sender string

const (
	SenderUser   Sender = "user"
	SenderAI     Sender = "ai"
	SenderSystem Sender = "system"
)

// TempIDPrefix marks session ids issued by the client before the backend
// has assigned a durable one.
const TempIDPrefix = "temp-"

// PlaceholderTitle is shown until a title has been derived.
const PlaceholderTitle = "New chat..."

// BlobScheme prefixes preview handles that point at client-held file data.
const BlobScheme = "blob:"

type AttachmentRef struct {
	Name      string `json:"name"`
	URL       string `json:"url,omitempty"`
	IsLoading bool   `json:"isLoading,omitempty"`
}

// IsLocal reports whether the ref still points at a client-held preview handle.
func (a AttachmentRef) IsLocal() bool {
	return strings.HasPrefix(a.URL, BlobScheme)
}

type Message struct {
	ID        string          `json:"id"`
	Sender    Sender          `json:"sender"`
	Text      string          `json:"text"`
	Files     []AttachmentRef `json:"files,omitempty"`
	CreatedAt time.Time       `json:"createdAt,omitempty"`
	Failed    bool            `json:"-"` // local error artifact, never sent
}

type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Visible drops system messages. They stay in the session so the AI keeps its
// context, but are never rendered.
func Visible(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Sender == SenderSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Clone returns a deep copy so callers can't reach into store-owned slices.
func (s Session) Clone() Session {
	c := s
	c.Messages = CloneMessages(s.Messages)
	return c
}

func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if m.Files != nil {
			out[i].Files = append([]AttachmentRef(nil), m.Files...)
		}
	}
	return out
}
