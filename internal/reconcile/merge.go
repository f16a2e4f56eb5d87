// Package reconcile merges server-confirmed messages into a session's local,
// optimistically updated message list. Merges are append-only: existing
// entries keep their position, at most replaced in place by their canonical
// server version.
package reconcile

import (
	"strings"

	"github.com/lintutor/chatsync/internal/model"
)

// Incoming is the server side of a send: the message stream as the server
// sees it and the AI reply within it.
type Incoming struct {
	Stream []model.Message
	Reply  model.Message
}

// Merge folds incoming into local and returns a new slice. pendingID is the
// id of the optimistic message the reply answers.
//
// If the stream message right before the reply matches the pending entry
// (same sender, same text), the pending entry is replaced in place by it.
// The reply is appended unless a message with its id is already present.
func Merge(local []model.Message, pendingID string, in Incoming) []model.Message {
	out := model.CloneMessages(local)
	ids := idSet(out)

	if p := indexOf(out, pendingID); p >= 0 {
		if echo, ok := echoOf(in); ok && !ids[echo.ID] && sameContent(out[p], echo) {
			out[p] = canonical(out[p], echo)
			ids[echo.ID] = true
		}
	}

	if in.Reply.ID == "" || !ids[in.Reply.ID] {
		out = append(out, in.Reply)
	}
	return out
}

// MergeHistory places a freshly loaded history in front of whatever was
// appended locally while the load was outstanding. Local entries the history
// already contains are dropped: by id, or for entries the server never
// confirmed, by sender and text. Each history entry absorbs at most one local
// entry. Failed artifacts and the message they answer are always kept.
func MergeHistory(local, history []model.Message) []model.Message {
	out := model.CloneMessages(history)
	if out == nil {
		out = []model.Message{}
	}
	ids := idSet(out)

	present := idSet(local)
	unclaimed := make(map[contentKey]int, len(out))
	for _, m := range out {
		if m.ID == "" || !present[m.ID] {
			unclaimed[keyOf(m)]++
		}
	}

	for i, m := range local {
		if m.ID != "" && ids[m.ID] {
			continue
		}
		failed := m.Failed || (i+1 < len(local) && local[i+1].Failed)
		if k := keyOf(m); !failed && unclaimed[k] > 0 {
			unclaimed[k]--
			continue
		}
		out = append(out, m)
	}
	return out
}

type contentKey struct {
	sender model.Sender
	text   string
}

func keyOf(m model.Message) contentKey {
	return contentKey{sender: m.Sender, text: strings.TrimSpace(m.Text)}
}

func echoOf(in Incoming) (model.Message, bool) {
	a := -1
	for i := len(in.Stream) - 1; i >= 0; i-- {
		if in.Stream[i].ID == in.Reply.ID {
			a = i
			break
		}
	}
	if a <= 0 {
		return model.Message{}, false
	}
	return in.Stream[a-1], true
}

func sameContent(local, server model.Message) bool {
	return local.Sender == server.Sender &&
		strings.TrimSpace(local.Text) == strings.TrimSpace(server.Text)
}

// canonical takes the server's identity for the message but keeps what only
// the client knows: attachment names and the original timestamp.
func canonical(local, server model.Message) model.Message {
	m := server
	if len(m.Files) == 0 {
		m.Files = local.Files
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = local.CreatedAt
	}
	return m
}

func indexOf(messages []model.Message, id string) int {
	if id == "" {
		return -1
	}
	for i, m := range messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func idSet(messages []model.Message) map[string]bool {
	ids := make(map[string]bool, len(messages))
	for _, m := range messages {
		if m.ID != "" {
			ids[m.ID] = true
		}
	}
	return ids
}
