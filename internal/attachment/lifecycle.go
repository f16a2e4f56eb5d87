package attachment

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lintutor/chatsync/internal/model"
)

var ErrReleased = errors.New("attachment: preview handle released")

// File is a user-selected file before it becomes part of a message.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

type handle struct {
	file File
}

// Lifecycle owns the preview handles created for selected files. Each handle
// is released at most once; releasing twice is a no-op.
type Lifecycle struct {
	mu       sync.Mutex
	handles  map[string]*handle
	released int
	logger   *zap.Logger
}

func NewLifecycle(logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		handles: make(map[string]*handle),
		logger:  logger,
	}
}

// Attach creates one preview handle per file.
func (l *Lifecycle) Attach(files ...File) []model.AttachmentRef {
	l.mu.Lock()
	defer l.mu.Unlock()

	refs := make([]model.AttachmentRef, 0, len(files))
	for _, f := range files {
		url := model.BlobScheme + uuid.NewString()
		l.handles[url] = &handle{file: f}
		refs = append(refs, model.AttachmentRef{Name: f.Name, URL: url})
	}
	return refs
}

// Release invalidates the handle behind ref. Refs that are not local, or were
// already released, are ignored.
func (l *Lifecycle) Release(ref model.AttachmentRef) {
	if !ref.IsLocal() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.handles[ref.URL]; !ok {
		return
	}
	delete(l.handles, ref.URL)
	l.released++
	l.logger.Debug("released preview handle", zap.String("name", ref.Name), zap.String("url", ref.URL))
}

func (l *Lifecycle) ReleaseAll(refs []model.AttachmentRef) {
	for _, ref := range refs {
		l.Release(ref)
	}
}

// Content returns the file behind a live handle, for upload.
func (l *Lifecycle) Content(ref model.AttachmentRef) (File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.handles[ref.URL]
	if !ok {
		return File{}, ErrReleased
	}
	return h.file, nil
}

// Outstanding is the number of handles not yet released.
func (l *Lifecycle) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

// Released is the number of handles released so far.
func (l *Lifecycle) Released() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// Close releases every outstanding handle.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.handles); n > 0 {
		l.logger.Info("releasing outstanding preview handles", zap.Int("count", n))
	}
	l.released += len(l.handles)
	l.handles = make(map[string]*handle)
}

// Detach returns copies of refs whose local handles have been dropped, so the
// message keeps the file names after the data is gone.
func Detach(refs []model.AttachmentRef) []model.AttachmentRef {
	if refs == nil {
		return nil
	}
	out := make([]model.AttachmentRef, len(refs))
	for i, r := range refs {
		out[i] = r
		if r.IsLocal() {
			out[i].URL = ""
		}
	}
	return out
}
