package followup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lintutor/chatsync/internal/api"
	"github.com/lintutor/chatsync/internal/model"
)

var ErrMissingQuestion = errors.New("follow-up question is empty")

// Artifact is a graded problem: the problem statement, the student's
// solution and the correction it received.
type Artifact struct {
	ProblemText  string
	SolutionText string
	Correction   string
}

// Provisioner creates a seeded chat session on the backend in one request.
type Provisioner interface {
	StartFollowUp(ctx context.Context, rc api.RequestContext, req api.FollowUpRequest) (string, error)
}

// Navigator is the part of the session store the bridge hands off to.
type Navigator interface {
	RequestContext() api.RequestContext
	Track(id string)
	SelectSession(id string) (model.Session, bool)
}

type Bridge struct {
	backend Provisioner
	nav     Navigator
	logger  *zap.Logger
}

func NewBridge(backend Provisioner, nav Navigator, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{backend: backend, nav: nav, logger: logger}
}

// StartFollowUp asks the backend to open a chat seeded with the artifact and
// the question, then selects the new session. The caller loads its history
// with LoadMessages. Nothing is retried; on error no session is registered.
func (b *Bridge) StartFollowUp(ctx context.Context, art Artifact, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrMissingQuestion
	}

	id, err := b.backend.StartFollowUp(ctx, b.nav.RequestContext(), api.FollowUpRequest{
		ProblemText:    art.ProblemText,
		SolutionText:   art.SolutionText,
		CorrectionText: art.Correction,
		NewQuestion:    question,
	})
	if err != nil {
		b.logger.Warn("follow-up failed", zap.Error(err))
		return "", fmt.Errorf("start follow-up: %w", err)
	}

	b.nav.Track(id)
	b.nav.SelectSession(id)
	b.logger.Info("follow-up session created", zap.String("session_id", id))
	return id, nil
}
