package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lintutor/chatsync/internal/api"
	"github.com/lintutor/chatsync/internal/attachment"
	"github.com/lintutor/chatsync/internal/model"
	"github.com/lintutor/chatsync/internal/reconcile"
	"github.com/lintutor/chatsync/internal/visualization"
)

const DefaultTitleMaxRunes = 30

const titleEllipsis = "..."

var (
	ErrSendInFlight   = errors.New("a message is already being sent in this session")
	ErrEmptyMessage   = errors.New("message has no text and no files")
	ErrUnknownSession = errors.New("session not found")
)

// Backend is the slice of the REST API the store needs.
type Backend interface {
	ListSessions(ctx context.Context, rc api.RequestContext) ([]model.Session, error)
	GetMessages(ctx context.Context, rc api.RequestContext, sessionID string) ([]model.Message, error)
	Send(ctx context.Context, rc api.RequestContext, req api.SendRequest) (*api.Reply, error)
}

type Config struct {
	TitleMaxRunes  int
	RequestContext api.RequestContext
	Logger         *zap.Logger
	Metrics        *Metrics
}

// Ack describes the outcome of a successful Send.
type Ack struct {
	// SessionID is where the session lives now; differs from the id passed to
	// Send when a temporary session was promoted.
	SessionID     string
	Promoted      bool
	Reply         model.Message
	Kind          api.ReplyKind
	Visualization *visualization.Update
	// Stale is set when the session was forgotten while the request was out;
	// the reply was dropped.
	Stale bool
}

type record struct {
	session model.Session
	// titled is set once a title was derived or taken from the server.
	titled bool
	// loaded is set once the server history is in session.Messages.
	loaded bool
}

// Store is the single source of truth for chat sessions on the client. It is
// safe for concurrent use; network calls never run under the lock.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*record
	retired  map[string]bool
	inFlight map[string]bool
	active   string
	rc       api.RequestContext

	loads         singleflight.Group
	backend       Backend
	attachments   *attachment.Lifecycle
	panel         *visualization.Panel
	titleMaxRunes int
	logger        *zap.Logger
	metrics       *Metrics
}

func NewStore(backend Backend, attachments *attachment.Lifecycle, cfg Config) *Store {
	if cfg.TitleMaxRunes <= 0 {
		cfg.TitleMaxRunes = DefaultTitleMaxRunes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if attachments == nil {
		attachments = attachment.NewLifecycle(cfg.Logger)
	}
	return &Store{
		sessions:      make(map[string]*record),
		retired:       make(map[string]bool),
		inFlight:      make(map[string]bool),
		rc:            cfg.RequestContext,
		backend:       backend,
		attachments:   attachments,
		panel:         visualization.NewPanel(),
		titleMaxRunes: cfg.TitleMaxRunes,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
}

// SetRequestContext swaps the credentials used for later calls, e.g. after
// the user signs in again.
func (s *Store) SetRequestContext(rc api.RequestContext) {
	s.mu.Lock()
	s.rc = rc
	s.mu.Unlock()
}

func (s *Store) RequestContext() api.RequestContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rc
}

func (s *Store) Attachments() *attachment.Lifecycle {
	return s.attachments
}

func (s *Store) Visualization() *visualization.Panel {
	return s.panel
}

// CreateSession allocates a local session under a fresh temporary id.
func (s *Store) CreateSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	for {
		id = model.TempIDPrefix + strings.ToLower(ulid.Make().String())
		if _, taken := s.sessions[id]; !taken && !s.retired[id] {
			break
		}
	}
	s.sessions[id] = &record{
		session: model.Session{
			ID:        id,
			Title:     model.PlaceholderTitle,
			Messages:  []model.Message{},
			CreatedAt: time.Now(),
		},
		loaded: true,
	}
	s.logger.Debug("created session", zap.String("session_id", id))
	return id
}

// Track registers a server-held session the store hasn't seen yet, e.g. one
// provisioned by a follow-up. Its history is fetched by LoadMessages.
func (s *Store) Track(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackLocked(id)
}

func (s *Store) trackLocked(id string) *record {
	rec, ok := s.sessions[id]
	if !ok {
		rec = &record{session: model.Session{ID: id, Messages: []model.Message{}, CreatedAt: time.Now()}}
		s.sessions[id] = rec
	}
	return rec
}

// SelectSession marks id as the active session and returns it when known.
func (s *Store) SelectSession(id string) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
	rec, ok := s.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	return rec.session.Clone(), true
}

func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Store) Session(id string) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	return rec.session.Clone(), true
}

// Sessions returns every session, newest first.
func (s *Store) Sessions() []model.Session {
	s.mu.Lock()
	out := make([]model.Session, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec.session.Clone())
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Forget removes a session locally and releases any preview handles its
// messages still own. Replies still in flight for it are dropped.
func (s *Store) Forget(id string) {
	s.mu.Lock()
	rec, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		if s.active == id {
			s.active = ""
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	for _, m := range rec.session.Messages {
		s.attachments.ReleaseAll(m.Files)
	}
	s.logger.Debug("forgot session", zap.String("session_id", id))
}

// RefreshSessions merges the backend's session list into the store. Local
// temporary sessions and cached messages are left alone.
func (s *Store) RefreshSessions(ctx context.Context) error {
	s.mu.Lock()
	rc := s.rc
	s.mu.Unlock()

	list, err := s.backend.ListSessions(ctx, rc)
	if err != nil {
		return fmt.Errorf("refresh sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, remote := range list {
		if remote.ID == "" {
			continue
		}
		rec, ok := s.sessions[remote.ID]
		if !ok {
			s.sessions[remote.ID] = &record{
				session: model.Session{
					ID:        remote.ID,
					Title:     remote.Title,
					Messages:  []model.Message{},
					CreatedAt: remote.CreatedAt,
				},
				titled: remote.Title != "",
			}
			continue
		}
		if !rec.titled && remote.Title != "" {
			rec.session.Title = remote.Title
			rec.titled = true
		}
		if rec.session.CreatedAt.IsZero() {
			rec.session.CreatedAt = remote.CreatedAt
		}
	}
	return nil
}

// LoadMessages fetches the history of a server-held session that has none
// cached. Concurrent calls for the same session share one request.
func (s *Store) LoadMessages(ctx context.Context, id string) error {
	if model.IsTempID(id) {
		return nil
	}
	s.mu.Lock()
	rec := s.trackLocked(id)
	if rec.loaded {
		s.mu.Unlock()
		return nil
	}
	rc := s.rc
	s.mu.Unlock()

	_, err, shared := s.loads.Do(id, func() (interface{}, error) {
		// Double-check: an earlier flight may have finished in between.
		s.mu.Lock()
		done := rec.loaded || s.sessions[id] != rec
		s.mu.Unlock()
		if done {
			return nil, nil
		}

		s.metrics.messageLoad()
		history, err := s.backend.GetMessages(ctx, rc, id)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.sessions[id] != rec {
			s.logger.Debug("dropping history for forgotten session", zap.String("session_id", id))
			return nil, nil
		}
		if !rec.loaded {
			rec.session.Messages = reconcile.MergeHistory(rec.session.Messages, history)
			rec.loaded = true
			if len(history) > 0 {
				rec.titled = true
			}
		}
		return nil, nil
	})
	if err != nil {
		s.logger.Warn("failed to load messages", zap.String("session_id", id), zap.Bool("shared", shared), zap.Error(err))
		return fmt.Errorf("load messages for session %s: %w", id, err)
	}
	return nil
}

// Send appends text and files to the session as an optimistic user message,
// then posts it. On success a temporary session is promoted to its server id
// and the reply is merged in; on failure an error message is appended and the
// optimistic message is kept. Only one send per session may be outstanding.
//
// files must be live refs from the store's attachment lifecycle; the store
// releases them once the message has been delivered.
func (s *Store) Send(ctx context.Context, id, text string, files []model.AttachmentRef) (Ack, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return Ack{}, ErrEmptyMessage
	}
	uploads, err := s.uploads(files)
	if err != nil {
		return Ack{}, err
	}

	s.mu.Lock()
	if s.inFlight[id] {
		s.mu.Unlock()
		return Ack{}, ErrSendInFlight
	}
	isTemp := model.IsTempID(id)
	rec, ok := s.sessions[id]
	if !ok {
		if isTemp {
			s.mu.Unlock()
			return Ack{}, fmt.Errorf("send to %s: %w", id, ErrUnknownSession)
		}
		rec = s.trackLocked(id)
	}
	s.inFlight[id] = true

	pending := model.Message{
		ID:        "msg-" + uuid.NewString(),
		Sender:    model.SenderUser,
		Text:      text,
		Files:     append([]model.AttachmentRef(nil), files...),
		CreatedAt: time.Now(),
	}
	wasEmpty := len(rec.session.Messages) == 0
	rec.session.Messages = append(rec.session.Messages, pending)
	if wasEmpty && rec.loaded && !rec.titled {
		rec.session.Title = deriveTitle(text, files, s.titleMaxRunes)
		rec.titled = true
	}
	rc := s.rc
	s.mu.Unlock()

	req := api.SendRequest{Prompt: text, Files: uploads, IsFirstMessage: isTemp}
	if !isTemp {
		req.SessionID = id
	}
	reply, sendErr := s.backend.Send(ctx, rc, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
	live := s.sessions[id] == rec

	if sendErr != nil {
		s.metrics.send("failure")
		s.logger.Warn("send failed", zap.String("session_id", id), zap.Error(sendErr))
		if live {
			rec.session.Messages = append(rec.session.Messages, errorMessage(sendErr))
		}
		return Ack{}, fmt.Errorf("send message: %w", sendErr)
	}
	s.metrics.send("success")
	if reply == nil {
		r := api.NormalizeReply(nil)
		reply = &r
	}

	// The message is delivered, its preview handles are no longer needed.
	s.attachments.ReleaseAll(files)
	if !live {
		s.logger.Debug("dropping reply for forgotten session", zap.String("session_id", id))
		return Ack{SessionID: id, Kind: reply.Kind, Reply: reply.AI, Stale: true}, nil
	}
	// Earlier failed attempts may reference the same handles.
	sent := make(map[string]bool, len(files))
	for _, f := range files {
		if f.IsLocal() {
			sent[f.URL] = true
		}
	}
	for i, m := range rec.session.Messages {
		if m.ID == pending.ID || sharesHandle(m.Files, sent) {
			rec.session.Messages[i].Files = attachment.Detach(m.Files)
		}
	}

	ack := Ack{SessionID: id, Kind: reply.Kind, Reply: reply.AI}
	if isTemp {
		if reply.Session != nil && reply.Session.ID != "" {
			s.promoteLocked(rec, id, reply.Session.ID)
			ack.SessionID = reply.Session.ID
			ack.Promoted = true
		} else {
			s.logger.Warn("reply carried no session id, session stays temporary",
				zap.String("session_id", id), zap.Stringer("kind", reply.Kind))
		}
	}

	rec.session.Messages = reconcile.Merge(rec.session.Messages, pending.ID, reconcile.Incoming{
		Stream: reply.Stream,
		Reply:  reply.AI,
	})
	if !rec.loaded && reply.Session != nil && len(reply.Session.Messages) > 0 {
		rec.session.Messages = reconcile.MergeHistory(rec.session.Messages, reply.Session.Messages)
		rec.loaded = true
	}
	if !rec.titled {
		switch {
		case reply.Title != "":
			rec.session.Title = reply.Title
			rec.titled = true
		case reply.Session != nil && reply.Session.Title != "":
			rec.session.Title = reply.Session.Title
			rec.titled = true
		}
	}

	if u, ok := visualization.Derive(reply.Payload); ok {
		s.panel.Apply(u)
		ack.Visualization = &u
	}
	return ack, nil
}

// promoteLocked re-keys rec from its temporary id to serverID. The temporary
// id is retired and never handed out again.
func (s *Store) promoteLocked(rec *record, tempID, serverID string) {
	delete(s.sessions, tempID)
	s.retired[tempID] = true
	rec.session.ID = serverID
	if existing, ok := s.sessions[serverID]; ok && existing != rec {
		// A refresh raced us and listed the new session already.
		if rec.session.CreatedAt.IsZero() {
			rec.session.CreatedAt = existing.session.CreatedAt
		}
	}
	s.sessions[serverID] = rec
	if s.active == tempID {
		s.active = serverID
	}
	s.metrics.promotion()
	s.logger.Info("promoted session", zap.String("temp_id", tempID), zap.String("session_id", serverID))
}

func (s *Store) uploads(files []model.AttachmentRef) ([]api.Upload, error) {
	var out []api.Upload
	for _, ref := range files {
		if !ref.IsLocal() {
			continue
		}
		f, err := s.attachments.Content(ref)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", ref.Name, err)
		}
		out = append(out, api.Upload{Name: f.Name, ContentType: f.ContentType, Data: f.Data})
	}
	return out, nil
}

func sharesHandle(refs []model.AttachmentRef, urls map[string]bool) bool {
	for _, r := range refs {
		if urls[r.URL] {
			return true
		}
	}
	return false
}

func errorMessage(err error) model.Message {
	text := "Failed to send message, please try again."
	if errors.Is(err, api.ErrAuthExpired) {
		text = "Your session has expired, please sign in again."
	}
	return model.Message{
		ID:        "err-" + uuid.NewString(),
		Sender:    model.SenderAI,
		Text:      text,
		CreatedAt: time.Now(),
		Failed:    true,
	}
}

// deriveTitle builds a display title from the first user message.
func deriveTitle(text string, files []model.AttachmentRef, maxRunes int) string {
	title := strings.Join(strings.Fields(text), " ")
	if title == "" && len(files) > 0 {
		title = files[0].Name
	}
	if title == "" {
		return model.PlaceholderTitle
	}
	if r := []rune(title); len(r) > maxRunes {
		return string(r[:maxRunes]) + titleEllipsis
	}
	return title
}
