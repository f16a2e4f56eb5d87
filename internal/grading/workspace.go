package grading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lintutor/chatsync/internal/api"
	"github.com/lintutor/chatsync/internal/attachment"
	"github.com/lintutor/chatsync/internal/followup"
	"github.com/lintutor/chatsync/internal/model"
)

var ErrIncomplete = errors.New("both problem and solution text are required")

// Field selects one of the two text areas of the workspace.
type Field int

const (
	Problem Field = iota
	Solution
)

func (f Field) String() string {
	if f == Solution {
		return "solution"
	}
	return "problem"
}

// Backend is the grading half of the REST API.
type Backend interface {
	RecognizeText(ctx context.Context, rc api.RequestContext, file api.Upload) (string, error)
	Grade(ctx context.Context, rc api.RequestContext, problemText, solutionText string) (*api.GradeResult, error)
}

// FileStatus tracks one file sent for text recognition.
type FileStatus struct {
	model.AttachmentRef
	Failed bool
}

// Workspace collects a problem and a solution, from typed text or from
// recognized files, and grades them.
type Workspace struct {
	mu    sync.Mutex
	text  map[Field]string
	files map[Field][]FileStatus
	id    map[Field][]string

	backend Backend
	rc      api.RequestContext
	logger  *zap.Logger
}

func NewWorkspace(backend Backend, rc api.RequestContext, logger *zap.Logger) *Workspace {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workspace{
		text:    make(map[Field]string),
		files:   make(map[Field][]FileStatus),
		id:      make(map[Field][]string),
		backend: backend,
		rc:      rc,
		logger:  logger,
	}
}

func (w *Workspace) SetText(f Field, text string) {
	w.mu.Lock()
	w.text[f] = text
	w.mu.Unlock()
}

func (w *Workspace) Text(f Field) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.text[f]
}

func (w *Workspace) Files(f Field) []FileStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]FileStatus(nil), w.files[f]...)
}

// Recognize runs OCR on file and appends the result to the field's text under
// a "--- <name> ---" separator. The file is listed as loading while the
// request is out.
func (w *Workspace) Recognize(ctx context.Context, f Field, file attachment.File) error {
	key := uuid.NewString()
	w.mu.Lock()
	w.files[f] = append(w.files[f], FileStatus{AttachmentRef: model.AttachmentRef{Name: file.Name, IsLoading: true}})
	w.id[f] = append(w.id[f], key)
	w.mu.Unlock()

	text, err := w.backend.RecognizeText(ctx, w.rc, api.Upload{
		Name:        file.Name,
		ContentType: file.ContentType,
		Data:        file.Data,
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	for i, k := range w.id[f] {
		if k == key {
			w.files[f][i].IsLoading = false
			w.files[f][i].Failed = err != nil
		}
	}
	if err != nil {
		w.logger.Warn("text recognition failed", zap.String("field", f.String()), zap.String("file", file.Name), zap.Error(err))
		return fmt.Errorf("recognize %s: %w", file.Name, err)
	}
	if prev := w.text[f]; prev != "" {
		w.text[f] = prev + "\n\n--- " + file.Name + " ---\n" + text
	} else {
		w.text[f] = text
	}
	return nil
}

// Grade submits the current texts and returns the graded artifact, ready to
// seed a follow-up chat.
func (w *Workspace) Grade(ctx context.Context) (followup.Artifact, error) {
	w.mu.Lock()
	problem, solution := w.text[Problem], w.text[Solution]
	w.mu.Unlock()
	if strings.TrimSpace(problem) == "" || strings.TrimSpace(solution) == "" {
		return followup.Artifact{}, ErrIncomplete
	}

	res, err := w.backend.Grade(ctx, w.rc, problem, solution)
	if err != nil {
		return followup.Artifact{}, fmt.Errorf("grade: %w", err)
	}
	art := followup.Artifact{
		ProblemText:  res.ProblemText,
		SolutionText: res.SolutionText,
		Correction:   res.Correction,
	}
	// Older backends only return the correction.
	if art.ProblemText == "" {
		art.ProblemText = problem
	}
	if art.SolutionText == "" {
		art.SolutionText = solution
	}
	return art, nil
}
