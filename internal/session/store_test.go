package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lintutor/chatsync/internal/api"
	"github.com/lintutor/chatsync/internal/attachment"
	"github.com/lintutor/chatsync/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBackend struct {
	mu       sync.Mutex
	sent     []api.SendRequest
	sendFn   func(req api.SendRequest) (*api.Reply, error)
	history  map[string][]model.Message
	sessions []model.Session
	getGate  chan struct{}
	getCalls atomic.Int32
}

func (f *fakeBackend) ListSessions(ctx context.Context, rc api.RequestContext) ([]model.Session, error) {
	return f.sessions, nil
}

func (f *fakeBackend) GetMessages(ctx context.Context, rc api.RequestContext, id string) ([]model.Message, error) {
	f.getCalls.Add(1)
	if f.getGate != nil {
		<-f.getGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[id], nil
}

func (f *fakeBackend) Send(ctx context.Context, rc api.RequestContext, req api.SendRequest) (*api.Reply, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	fn := f.sendFn
	f.mu.Unlock()
	return fn(req)
}

func (f *fakeBackend) requests() []api.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.SendRequest(nil), f.sent...)
}

func envelope(t *testing.T, body string) *api.Reply {
	t.Helper()
	r := api.NormalizeReply([]byte(body))
	require.NotEqual(t, api.ReplyUnparseable, r.Kind, "bad test fixture")
	return &r
}

const helloReply = `{
	"session": {"id": 42, "title": "hello", "messages": [
		{"id": 1, "sender": "user", "text": "hello"},
		{"id": 2, "sender": "ai", "text": "hi there"}]},
	"ai_response": {"title": "Greeting", "text_explanation": "hi there"}
}`

func newTestStore(b Backend) *Store {
	return NewStore(b, attachment.NewLifecycle(nil), Config{})
}

func TestCreateSessionIDsAreDistinct(t *testing.T) {
	s := newTestStore(&fakeBackend{})

	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := s.CreateSession()
		require.True(t, model.IsTempID(id))
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, s.Sessions(), 500)
}

func TestSendPromotesTemporarySession(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	b := &fakeBackend{sendFn: func(req api.SendRequest) (*api.Reply, error) {
		close(started)
		<-release
		return envelope(t, helloReply), nil
	}}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s := NewStore(b, nil, Config{Metrics: metrics})

	tempID := s.CreateSession()
	s.SelectSession(tempID)

	type result struct {
		ack Ack
		err error
	}
	done := make(chan result)
	go func() {
		ack, err := s.Send(context.Background(), tempID, "hello", nil)
		done <- result{ack, err}
	}()

	<-started
	optimistic, ok := s.Session(tempID)
	require.True(t, ok)
	require.Len(t, optimistic.Messages, 1)
	assert.Equal(t, model.SenderUser, optimistic.Messages[0].Sender)
	assert.Equal(t, "hello", optimistic.Messages[0].Text)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.ack.Promoted)
	assert.Equal(t, "42", res.ack.SessionID)

	_, stillThere := s.Session(tempID)
	assert.False(t, stillThere, "temporary id must be retired")

	sessions := s.Sessions()
	require.Len(t, sessions, 1)
	promoted := sessions[0]
	assert.Equal(t, "42", promoted.ID)
	assert.Equal(t, "hello", promoted.Title, "locally derived title wins")
	require.Len(t, promoted.Messages, 2)
	assert.Equal(t, "1", promoted.Messages[0].ID)
	assert.Equal(t, "hi there", promoted.Messages[1].Text)
	assert.Equal(t, "42", s.Active())

	reqs := b.requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].IsFirstMessage)
	assert.Empty(t, reqs[0].SessionID)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.promotions))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sends.WithLabelValues("success")))
}

func TestSendToServerSessionPassesSessionID(t *testing.T) {
	b := &fakeBackend{sendFn: func(req api.SendRequest) (*api.Reply, error) {
		return envelope(t, `{"session":{"id":"42","messages":[]},"ai_response":{"response":"again"}}`), nil
	}}
	s := newTestStore(b)
	s.Track("42")

	ack, err := s.Send(context.Background(), "42", "more", nil)

	require.NoError(t, err)
	assert.False(t, ack.Promoted)
	reqs := b.requests()
	assert.Equal(t, "42", reqs[0].SessionID)
	assert.False(t, reqs[0].IsFirstMessage)
}

func TestLoadAfterSendDoesNotDuplicateExchange(t *testing.T) {
	b := &fakeBackend{
		sendFn: func(req api.SendRequest) (*api.Reply, error) {
			return envelope(t, `{"text_explanation":"hi there"}`), nil
		},
		history: map[string][]model.Message{"42": {
			{ID: "1", Sender: model.SenderUser, Text: "hello"},
			{ID: "2", Sender: model.SenderAI, Text: "hi there"},
		}},
	}
	s := newTestStore(b)
	s.Track("42")

	_, err := s.Send(context.Background(), "42", "hello", nil)
	require.NoError(t, err)
	require.NoError(t, s.LoadMessages(context.Background(), "42"))

	sess, ok := s.Session("42")
	require.True(t, ok)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "1", sess.Messages[0].ID)
	assert.Equal(t, "2", sess.Messages[1].ID)
}

func TestSendFailureKeepsOptimisticMessage(t *testing.T) {
	fail := true
	b := &fakeBackend{sendFn: func(req api.SendRequest) (*api.Reply, error) {
		if fail {
			return nil, &api.RequestError{Op: "send", StatusCode: 503}
		}
		return envelope(t, helloReply), nil
	}}
	s := newTestStore(b)
	buf := attachment.NewBuffer(s.Attachments())
	buf.Add(attachment.File{Name: "a.png", Data: []byte("a")}, attachment.File{Name: "b.png", Data: []byte("b")})
	files := buf.Take()

	id := s.CreateSession()
	before, _ := s.Session(id)

	_, err := s.Send(context.Background(), id, "hello", files)

	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrNetwork)
	after, ok := s.Session(id)
	require.True(t, ok, "no promotion on failure")
	require.Len(t, after.Messages, len(before.Messages)+2)
	assert.Equal(t, "hello", after.Messages[0].Text)
	assert.True(t, after.Messages[1].Failed)
	assert.Len(t, model.Visible(after.Messages), 2, "error artifact is visible")
	assert.Equal(t, 2, s.Attachments().Outstanding(), "handles survive for a retry")

	// user-initiated retry with the same attachments
	fail = false
	ack, err := s.Send(context.Background(), id, "hello", files)
	require.NoError(t, err)
	assert.Equal(t, "42", ack.SessionID)
	assert.Equal(t, 0, s.Attachments().Outstanding())
	assert.Equal(t, 2, s.Attachments().Released())

	s.Forget("42")
	assert.Equal(t, 2, s.Attachments().Released(), "no double release")
}

func TestSendReleasesAttachmentsOnSuccess(t *testing.T) {
	var uploaded []api.Upload
	b := &fakeBackend{sendFn: func(req api.SendRequest) (*api.Reply, error) {
		uploaded = req.Files
		return envelope(t, helloReply), nil
	}}
	s := newTestStore(b)
	files := s.Attachments().Attach(attachment.File{Name: "m.png", ContentType: "image/png", Data: []byte("PNG")})

	id := s.CreateSession()
	_, err := s.Send(context.Background(), id, "hello", files)

	require.NoError(t, err)
	require.Len(t, uploaded, 1)
	assert.Equal(t, []byte("PNG"), uploaded[0].Data)
	assert.Equal(t, 0, s.Attachments().Outstanding())

	sess, _ := s.Session("42")
	require.Len(t, sess.Messages[0].Files, 1)
	assert.Equal(t, "m.png", sess.Messages[0].Files[0].Name)
	assert.False(t, sess.Messages[0].Files[0].IsLocal())
}

func TestSendWithReleasedAttachmentFailsBeforeAppending(t *testing.T) {
	b := &fakeBackend{sendFn: func(req api.SendRequest) (*api.Reply, error) {
		t.Fatal("must not reach the backend")
		return nil, nil
	}}
	s := newTestStore(b)
	files := s.Attachments().Attach(attachment.File{Name: "gone.png"})
	s.Attachments().Release(files[0])
	id := s.CreateSession()

	_, err := s.Send(context.Background(), id, "look", files)

	assert.ErrorIs(t, err, attachment.ErrReleased)
	sess, _ := s.Session(id)
	assert.Empty(t, sess.Messages)
}

func TestConcurrentSendIsRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	b := &fakeBackend{sendFn: func(req api.SendRequest) (*api.Reply, error) {
		close(started)
		<-release
		return envelope(t, helloReply), nil
	}}
	s := newTestStore(b)
	id := s.CreateSession()

	errc := make(chan error)
	go func() {
		_, err := s.Send(context.Background(), id, "hello", nil)
		errc <- err
	}()
	<-started

	_, err := s.Send(context.Background(), id, "hello again", nil)
	assert.ErrorIs(t, err, ErrSendInFlight)
	sess, _ := s.Session(id)
	assert.Len(t, sess.Messages, 1, "rejected send appends nothing")

	close(release)
	require.NoError(t, <-errc)
	assert.Len(t, b.requests(), 1)
	assert.Len(t, s.Sessions(), 1, "promoted exactly once")
}

func TestSendValidation(t *testing.T) {
	s := newTestStore(&fakeBackend{})

	_, err := s.Send(context.Background(), s.CreateSession(), "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = s.Send(context.Background(), "temp-unknown", "hi", nil)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestTitleDerivedOnceAndTruncated(t *testing.T) {
	b := &fakeBackend{sendFn: func(req api.SendRequest) (*api.Reply, error) {
		return nil, errors.New("offline")
	}}
	s := NewStore(b, nil, Config{TitleMaxRunes: 10})
	id := s.CreateSession()

	_, _ = s.Send(context.Background(), id, "what is an eigenvector exactly?", nil)
	sess, _ := s.Session(id)
	assert.Equal(t, "what is an...", sess.Title)

	_, _ = s.Send(context.Background(), id, "second question", nil)
	sess, _ = s.Session(id)
	assert.Equal(t, "what is an...", sess.Title)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "hello", deriveTitle("  hello ", nil, 30))
	assert.Equal(t, "a b", deriveTitle("a\n\tb", nil, 30))
	assert.Equal(t, "scan.png", deriveTitle("", []model.AttachmentRef{{Name: "scan.png"}}, 30))
	assert.Equal(t, model.PlaceholderTitle, deriveTitle("", nil, 30))
	assert.Equal(t, strings.Repeat("矩", 30)+"...", deriveTitle(strings.Repeat("矩", 31), nil, 30))
	assert.Equal(t, strings.Repeat("x", 30), deriveTitle(strings.Repeat("x", 30), nil, 30))
}

func TestAuthExpiredFailureArtifact(t *testing.T) {
	b := &fakeBackend{sendFn: func(req api.SendRequest) (*api.Reply, error) {
		return nil, api.ErrAuthExpired
	}}
	s := newTestStore(b)
	id := s.CreateSession()

	_, err := s.Send(context.Background(), id, "hi", nil)

	assert.ErrorIs(t, err, api.ErrAuthExpired)
	sess, _ := s.Session(id)
	assert.Contains(t, sess.Messages[1].Text, "expired")
}

func TestSendDerivesVisualization(t *testing.T) {
	withViz := `{"session":{"id":1,"messages":[]},"ai_response":{"response":"r","visualizations":{"2d":{"matrix":[[1,0],[0,1]]}}}}`
	without := `{"session":{"id":1,"messages":[]},"ai_response":{"response":"r"}}`
	body := withViz
	b := &fakeBackend{sendFn: func(req api.SendRequest) (*api.Reply, error) {
		return envelope(t, body), nil
	}}
	s := newTestStore(b)
	id := s.CreateSession()

	ack, err := s.Send(context.Background(), id, "show identity", nil)
	require.NoError(t, err)
	require.NotNil(t, ack.Visualization)
	snap := s.Visualization().Snapshot()
	assert.True(t, snap.Visible)
	assert.Equal(t, 2, snap.Dimension)
	assert.Equal(t, [][]float64{{1, 0}, {0, 1}}, snap.Matrix)

	require.NoError(t, s.Visualization().SetDimension(3))
	s.Visualization().SetVisible(false)
	prior := s.Visualization().Snapshot()

	body = without
	ack, err = s.Send(context.Background(), ack.SessionID, "thanks", nil)
	require.NoError(t, err)
	assert.Nil(t, ack.Visualization)
	assert.Equal(t, prior, s.Visualization().Snapshot())
}

func TestLoadMessagesCoalescesConcurrentCalls(t *testing.T) {
	b := &fakeBackend{
		getGate: make(chan struct{}),
		history: map[string][]model.Message{"7": {
			{ID: "1", Sender: model.SenderSystem, Text: "context"},
			{ID: "2", Sender: model.SenderUser, Text: "why?"},
		}},
	}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s := NewStore(b, nil, Config{Metrics: metrics})

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.LoadMessages(context.Background(), "7")
		}()
	}
	close(b.getGate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), b.getCalls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messageLoads))
	sess, ok := s.Session("7")
	require.True(t, ok)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "why?", sess.Messages[len(sess.Messages)-1].Text)

	require.NoError(t, s.LoadMessages(context.Background(), "7"))
	assert.Equal(t, int32(1), b.getCalls.Load(), "cached sessions are not refetched")
}

func TestLoadMessagesSkipsTemporarySessions(t *testing.T) {
	b := &fakeBackend{}
	s := newTestStore(b)

	require.NoError(t, s.LoadMessages(context.Background(), s.CreateSession()))

	assert.Equal(t, int32(0), b.getCalls.Load())
}

func TestForgetDropsLateReply(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	b := &fakeBackend{sendFn: func(req api.SendRequest) (*api.Reply, error) {
		close(started)
		<-release
		return envelope(t, helloReply), nil
	}}
	s := newTestStore(b)
	files := s.Attachments().Attach(attachment.File{Name: "a.png"})
	id := s.CreateSession()

	done := make(chan Ack)
	go func() {
		ack, _ := s.Send(context.Background(), id, "hello", files)
		done <- ack
	}()
	<-started
	s.Forget(id)
	assert.Equal(t, 1, s.Attachments().Released(), "forget releases owned handles")
	close(release)

	ack := <-done
	assert.True(t, ack.Stale)
	assert.Empty(t, s.Sessions(), "late reply must not resurrect the session")
	assert.Equal(t, 1, s.Attachments().Released())
}

func TestRefreshSessionsKeepsLocalState(t *testing.T) {
	b := &fakeBackend{
		sessions: []model.Session{{ID: "1", Title: "Eigenvalues"}, {ID: "2", Title: ""}},
		sendFn: func(req api.SendRequest) (*api.Reply, error) {
			return nil, errors.New("offline")
		},
	}
	s := newTestStore(b)
	tempID := s.CreateSession()
	_, _ = s.Send(context.Background(), tempID, "draft", nil)

	require.NoError(t, s.RefreshSessions(context.Background()))

	assert.Len(t, s.Sessions(), 3)
	one, _ := s.Session("1")
	assert.Equal(t, "Eigenvalues", one.Title)
	temp, _ := s.Session(tempID)
	assert.Len(t, temp.Messages, 2)
}
