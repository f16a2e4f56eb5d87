package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendBuildsMultipartForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/send", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "hello", r.FormValue("prompt"))
		assert.Equal(t, "false", r.FormValue("is_first_message"))
		assert.Equal(t, "42", r.FormValue("chat_session_id"))

		files := r.MultipartForm.File["files"]
		require.Len(t, files, 1)
		assert.Equal(t, "m.png", files[0].Filename)
		f, err := files[0].Open()
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "PNG", string(data))

		w.Write([]byte(`{"session":{"id":42,"messages":[]},"ai_response":{"response":"ok"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	reply, err := c.Send(context.Background(), RequestContext{Token: "tok"}, SendRequest{
		SessionID: "42",
		Prompt:    "hello",
		Files:     []Upload{{Name: "m.png", ContentType: "image/png", Data: []byte("PNG")}},
	})

	require.NoError(t, err)
	assert.Equal(t, ReplyEnvelope, reply.Kind)
	assert.Equal(t, "ok", reply.AI.Text)
}

func TestNewSessionSendOmitsSessionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, present := r.MultipartForm.Value["chat_session_id"]
		assert.False(t, present)
		assert.Equal(t, "true", r.FormValue("is_first_message"))
		w.Write([]byte(`garbage`))
	}))
	defer srv.Close()

	reply, err := NewClient(srv.URL).Send(context.Background(), RequestContext{}, SendRequest{Prompt: "x", IsFirstMessage: true})

	require.NoError(t, err)
	assert.Equal(t, ReplyUnparseable, reply.Kind)
}

func TestServerErrorIsNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"AI service is unreachable"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).ListSessions(context.Background(), RequestContext{})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusServiceUnavailable, reqErr.StatusCode)
	assert.Equal(t, "AI service is unreachable", reqErr.Message)
}

func TestTransportErrorIsNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := NewClient(srv.URL).GetMessages(context.Background(), RequestContext{}, "1")

	assert.ErrorIs(t, err, ErrNetwork)
}

func TestUnauthorizedGatesFurtherCallsForSameToken(t *testing.T) {
	var hits, logouts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") == "Bearer stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithAuthExpiredHandler(func() { logouts.Add(1) }))
	ctx := context.Background()

	_, err := c.ListSessions(ctx, RequestContext{Token: "stale"})
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.NotErrorIs(t, err, ErrNetwork)

	_, err = c.ListSessions(ctx, RequestContext{Token: "stale"})
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, int32(1), hits.Load(), "second call must not reach the server")
	assert.Equal(t, int32(1), logouts.Load())

	sessions, err := c.ListSessions(ctx, RequestContext{Token: "fresh"})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestFollowUpRequiresSessionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		if r.FormValue("newQuestion") == "why?" {
			w.Write([]byte(`{"chatSessionId": 7}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL)

	id, err := c.StartFollowUp(context.Background(), RequestContext{}, FollowUpRequest{NewQuestion: "why?"})
	require.NoError(t, err)
	assert.Equal(t, "7", id)

	_, err = c.StartFollowUp(context.Background(), RequestContext{}, FollowUpRequest{NewQuestion: "other"})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestGradeAndOCR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/grading/ocr":
			_, fh, err := r.FormFile("file")
			require.NoError(t, err)
			w.Write([]byte(`{"text":"text of ` + fh.Filename + `"}`))
		case "/api/grading/upload":
			w.Write([]byte(`{"problemText":"P","solutionText":"S","correction":"C"}`))
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	ctx := context.Background()

	text, err := c.RecognizeText(ctx, RequestContext{}, Upload{Name: "hw.jpg", Data: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, "text of hw.jpg", text)

	res, err := c.Grade(ctx, RequestContext{}, "P", "S")
	require.NoError(t, err)
	assert.Equal(t, &GradeResult{ProblemText: "P", SolutionText: "S", Correction: "C"}, res)
}

func TestWithTimeoutLeavesSharedClientAlone(t *testing.T) {
	shared := &http.Client{Timeout: time.Minute}

	for _, opts := range [][]Option{
		{WithHTTPClient(shared), WithTimeout(time.Second)},
		{WithTimeout(time.Second), WithHTTPClient(shared)},
	} {
		c := NewClient("http://backend", opts...)
		assert.Equal(t, time.Second, c.httpClient.Timeout)
		assert.NotSame(t, shared, c.httpClient)
	}
	assert.Equal(t, time.Minute, shared.Timeout)

	c := NewClient("http://backend", WithHTTPClient(shared))
	assert.Same(t, shared, c.httpClient, "no timeout, no copy")
}
