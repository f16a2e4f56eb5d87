package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/lintutor/chatsync/internal/model"
)

// UnparseableReply is the AI text used when a send response can't be read.
const UnparseableReply = "unparseable reply"

// ReplyKind tags which of the historical send-response shapes was received.
type ReplyKind int

const (
	ReplyUnparseable ReplyKind = iota
	// ReplyEnvelope is {"session": {...}, "ai_response": {...}}.
	ReplyEnvelope
	// ReplySession is a bare session object replacing local state.
	ReplySession
	// ReplyText is a bare AI payload with a text field.
	ReplyText
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyEnvelope:
		return "envelope"
	case ReplySession:
		return "session"
	case ReplyText:
		return "text"
	}
	return "unparseable"
}

// Reply is the canonical form of a send response.
type Reply struct {
	Kind ReplyKind
	// Session is set for envelope and session replies.
	Session *model.Session
	// Stream is the server's message sequence, ending with AI.
	Stream []model.Message
	AI     model.Message
	// Title is a title suggested by the AI, if any.
	Title string
	// Payload is the raw AI payload, which may carry visualization data.
	Payload json.RawMessage
}

var textFields = []string{"text_explanation", "response", "text", "content"}

// NormalizeReply turns any accepted send-response body into a Reply. It never
// fails: unknown shapes produce an unparseable reply with fallback AI text.
func NormalizeReply(body []byte) Reply {
	if !gjson.ValidBytes(body) {
		return unparseable()
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return unparseable()
	}

	if sess, ai := root.Get("session"), root.Get("ai_response"); sess.IsObject() && ai.Exists() {
		s := parseSession(sess)
		r := Reply{Kind: ReplyEnvelope, Session: &s}
		if ai.IsObject() {
			r.Payload = json.RawMessage(ai.Raw)
			r.Title = ai.Get("title").String()
		}
		r.Stream, r.AI = streamWithAI(s.Messages, payloadText(ai))
		return r
	}

	if root.Get("messages").IsArray() && root.Get("id").Exists() {
		s := parseSession(root)
		r := Reply{Kind: ReplySession, Session: &s}
		r.Stream, r.AI = streamWithAI(s.Messages, "")
		return r
	}

	if text := payloadText(root); text != "" {
		ai := newAIMessage(text)
		return Reply{
			Kind:    ReplyText,
			Stream:  []model.Message{ai},
			AI:      ai,
			Title:   root.Get("title").String(),
			Payload: json.RawMessage(root.Raw),
		}
	}
	return unparseable()
}

func unparseable() Reply {
	ai := newAIMessage(UnparseableReply)
	return Reply{Kind: ReplyUnparseable, Stream: []model.Message{ai}, AI: ai}
}

func newAIMessage(text string) model.Message {
	return model.Message{
		ID:        "local-" + uuid.NewString(),
		Sender:    model.SenderAI,
		Text:      text,
		CreatedAt: time.Now(),
	}
}

// streamWithAI picks the last AI message of the server stream. When the
// stream has none, an AI message built from fallbackText is appended.
func streamWithAI(messages []model.Message, fallbackText string) ([]model.Message, model.Message) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Sender == model.SenderAI {
			return messages[:i+1], messages[i]
		}
	}
	if fallbackText == "" {
		fallbackText = UnparseableReply
	}
	ai := newAIMessage(fallbackText)
	return append(model.CloneMessages(messages), ai), ai
}

func payloadText(r gjson.Result) string {
	if !r.IsObject() {
		return ""
	}
	for _, f := range textFields {
		if v := r.Get(f); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func parseSession(r gjson.Result) model.Session {
	s := model.Session{
		ID:        r.Get("id").String(),
		Title:     r.Get("title").String(),
		CreatedAt: parseTime(r, "createdAt", "created_at"),
	}
	s.Messages = parseMessages(r.Get("messages"))
	return s
}

func parseMessages(r gjson.Result) []model.Message {
	if !r.IsArray() {
		return nil
	}
	var out []model.Message
	r.ForEach(func(_, m gjson.Result) bool {
		if m.IsObject() {
			out = append(out, parseMessage(m))
		}
		return true
	})
	return out
}

func parseMessage(r gjson.Result) model.Message {
	m := model.Message{
		ID:        r.Get("id").String(),
		Sender:    model.Sender(r.Get("sender").String()),
		CreatedAt: parseTime(r, "createdAt", "created_at"),
	}
	// Older payloads used "content" instead of "text".
	m.Text = r.Get("text").String()
	if m.Text == "" {
		m.Text = r.Get("content").String()
	}
	switch m.Sender {
	case model.SenderUser, model.SenderAI, model.SenderSystem:
	default:
		// "model", "assistant" and anything unknown render as AI.
		m.Sender = model.SenderAI
	}
	r.Get("files").ForEach(func(_, f gjson.Result) bool {
		m.Files = append(m.Files, model.AttachmentRef{Name: f.Get("name").String(), URL: f.Get("url").String()})
		return true
	})
	return m
}

func parseTime(r gjson.Result, keys ...string) time.Time {
	for _, k := range keys {
		v := r.Get(k)
		if v.Type != gjson.String {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, v.String()); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseSessionList(body []byte) ([]model.Session, bool) {
	if !gjson.ValidBytes(body) {
		return nil, false
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, false
	}
	var out []model.Session
	root.ForEach(func(_, s gjson.Result) bool {
		if s.IsObject() {
			sess := parseSession(s)
			sess.Messages = nil
			out = append(out, sess)
		}
		return true
	})
	return out, true
}

func parseMessageList(body []byte) ([]model.Message, bool) {
	if !gjson.ValidBytes(body) {
		return nil, false
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, false
	}
	return parseMessages(root), true
}
