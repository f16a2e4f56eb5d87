package attachment

import (
	"sync"

	"github.com/lintutor/chatsync/internal/model"
)

// Buffer holds the attachments of the message being composed.
type Buffer struct {
	mu        sync.Mutex
	lifecycle *Lifecycle
	refs      []model.AttachmentRef
}

func NewBuffer(l *Lifecycle) *Buffer {
	return &Buffer{lifecycle: l}
}

func (b *Buffer) Add(files ...File) []model.AttachmentRef {
	refs := b.lifecycle.Attach(files...)
	b.mu.Lock()
	b.refs = append(b.refs, refs...)
	b.mu.Unlock()
	return refs
}

// Remove drops the ref with the given URL and releases its handle right away.
func (b *Buffer) Remove(url string) bool {
	b.mu.Lock()
	idx := -1
	for i, r := range b.refs {
		if r.URL == url {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return false
	}
	ref := b.refs[idx]
	b.refs = append(b.refs[:idx], b.refs[idx+1:]...)
	b.mu.Unlock()

	b.lifecycle.Release(ref)
	return true
}

// Take empties the buffer and hands the refs to the caller, which becomes
// responsible for releasing them.
func (b *Buffer) Take() []model.AttachmentRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	refs := b.refs
	b.refs = nil
	return refs
}

func (b *Buffer) Pending() []model.AttachmentRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.AttachmentRef(nil), b.refs...)
}

// Clear releases everything still pending.
func (b *Buffer) Clear() {
	b.lifecycle.ReleaseAll(b.Take())
}
