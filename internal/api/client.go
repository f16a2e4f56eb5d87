package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/lintutor/chatsync/internal/model"
)

const defaultTimeout = 180 * time.Second

// RequestContext carries per-call credentials. It is passed explicitly to
// every call instead of living in shared client state.
type RequestContext struct {
	Token string
}

// Upload is one file sent in a multipart body.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

type SendRequest struct {
	// SessionID is empty when the message opens a new session.
	SessionID      string
	Prompt         string
	Files          []Upload
	IsFirstMessage bool
}

type GradeResult struct {
	ProblemText  string `json:"problemText"`
	SolutionText string `json:"solutionText"`
	Correction   string `json:"correction"`
}

type FollowUpRequest struct {
	ProblemText    string
	SolutionText   string
	CorrectionText string
	NewQuestion    string
}

// Client talks to the tutoring backend REST API.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	logger        *zap.Logger
	onAuthExpired func()
	timeout       time.Duration

	mu           sync.Mutex
	expiredToken *string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds every request. A client passed via WithHTTPClient is
// copied, never modified.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithAuthExpiredHandler registers the global logout hook invoked on 401.
func WithAuthExpiredHandler(fn func()) Option {
	return func(c *Client) { c.onAuthExpired = fn }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	return c
}

func (c *Client) ListSessions(ctx context.Context, rc RequestContext) ([]model.Session, error) {
	body, err := c.do(ctx, rc, "list sessions", http.MethodGet, "/api/chat/sessions", nil, "")
	if err != nil {
		return nil, err
	}
	sessions, ok := parseSessionList(body)
	if !ok {
		c.logger.Warn("session list was not an array, treating as empty")
		return []model.Session{}, nil
	}
	return sessions, nil
}

func (c *Client) GetMessages(ctx context.Context, rc RequestContext, sessionID string) ([]model.Message, error) {
	path := "/api/chat/messages/" + url.PathEscape(sessionID)
	body, err := c.do(ctx, rc, "get messages", http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	messages, ok := parseMessageList(body)
	if !ok {
		c.logger.Warn("message list was not an array, treating as empty", zap.String("session_id", sessionID))
		return []model.Message{}, nil
	}
	return messages, nil
}

// Send posts a chat message. The response is normalized; an unreadable body
// yields a ReplyUnparseable reply rather than an error.
func (c *Client) Send(ctx context.Context, rc RequestContext, req SendRequest) (*Reply, error) {
	form := newForm()
	form.field("prompt", req.Prompt)
	for _, f := range req.Files {
		form.file("files", f)
	}
	form.field("is_first_message", strconv.FormatBool(req.IsFirstMessage))
	if req.SessionID != "" {
		form.field("chat_session_id", req.SessionID)
	}
	payload, ct, err := form.finish()
	if err != nil {
		return nil, fmt.Errorf("send: build form: %w", err)
	}

	body, err := c.do(ctx, rc, "send", http.MethodPost, "/api/chat/send", payload, ct)
	if err != nil {
		return nil, err
	}
	reply := NormalizeReply(body)
	if reply.Kind == ReplyUnparseable {
		c.logger.Warn("unparseable send response", zap.ByteString("body", truncate(body, 512)))
	}
	return &reply, nil
}

// RecognizeText runs OCR on one file.
func (c *Client) RecognizeText(ctx context.Context, rc RequestContext, file Upload) (string, error) {
	form := newForm()
	form.file("file", file)
	payload, ct, err := form.finish()
	if err != nil {
		return "", fmt.Errorf("ocr: build form: %w", err)
	}
	body, err := c.do(ctx, rc, "ocr", http.MethodPost, "/api/grading/ocr", payload, ct)
	if err != nil {
		return "", err
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("ocr: %w", ErrMalformedResponse)
	}
	return gjson.GetBytes(body, "text").String(), nil
}

func (c *Client) Grade(ctx context.Context, rc RequestContext, problemText, solutionText string) (*GradeResult, error) {
	form := newForm()
	form.field("problemText", problemText)
	form.field("solutionText", solutionText)
	payload, ct, err := form.finish()
	if err != nil {
		return nil, fmt.Errorf("grade: build form: %w", err)
	}
	body, err := c.do(ctx, rc, "grade", http.MethodPost, "/api/grading/upload", payload, ct)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("grade: %w", ErrMalformedResponse)
	}
	res := gjson.ParseBytes(body)
	correction := res.Get("correction")
	if correction.Type != gjson.String {
		return nil, fmt.Errorf("grade: missing correction: %w", ErrMalformedResponse)
	}
	return &GradeResult{
		ProblemText:  res.Get("problemText").String(),
		SolutionText: res.Get("solutionText").String(),
		Correction:   correction.String(),
	}, nil
}

// StartFollowUp provisions a seeded chat session in a single request and
// returns its server id.
func (c *Client) StartFollowUp(ctx context.Context, rc RequestContext, req FollowUpRequest) (string, error) {
	form := newForm()
	form.field("problemText", req.ProblemText)
	form.field("solutionText", req.SolutionText)
	form.field("correctionText", req.CorrectionText)
	form.field("newQuestion", req.NewQuestion)
	payload, ct, err := form.finish()
	if err != nil {
		return "", fmt.Errorf("follow-up: build form: %w", err)
	}
	body, err := c.do(ctx, rc, "follow-up", http.MethodPost, "/api/grading/followup", payload, ct)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(body, "chatSessionId")
	if !gjson.ValidBytes(body) || !id.Exists() || id.String() == "" {
		return "", fmt.Errorf("follow-up: missing chatSessionId: %w", ErrMalformedResponse)
	}
	return id.String(), nil
}

func (c *Client) do(ctx context.Context, rc RequestContext, op, method, path string, body io.Reader, contentType string) ([]byte, error) {
	if c.tokenExpired(rc.Token) {
		return nil, fmt.Errorf("%s: %w", op, ErrAuthExpired)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if rc.Token != "" {
		req.Header.Set("Authorization", "Bearer "+rc.Token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("request failed", zap.String("op", op), zap.Error(err))
		return nil, &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	c.logger.Debug("request done",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.markExpired(rc.Token)
		return nil, fmt.Errorf("%s: %w", op, ErrAuthExpired)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &RequestError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
	return respBody, nil
}

func (c *Client) tokenExpired(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiredToken != nil && *c.expiredToken == token
}

func (c *Client) markExpired(token string) {
	c.mu.Lock()
	already := c.expiredToken != nil && *c.expiredToken == token
	c.expiredToken = &token
	c.mu.Unlock()

	if already {
		return
	}
	c.logger.Warn("authentication expired")
	if c.onAuthExpired != nil {
		c.onAuthExpired()
	}
}

func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		if msg := gjson.GetBytes(body, "error").String(); msg != "" {
			return msg
		}
	}
	return strings.TrimSpace(string(truncate(body, 200)))
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// form wraps multipart.Writer and keeps the first error.
type form struct {
	buf *bytes.Buffer
	w   *multipart.Writer
	err error
}

func newForm() *form {
	buf := &bytes.Buffer{}
	return &form{buf: buf, w: multipart.NewWriter(buf)}
}

func (f *form) field(name, value string) {
	if f.err != nil {
		return
	}
	f.err = f.w.WriteField(name, value)
}

func (f *form) file(field string, u Upload) {
	if f.err != nil {
		return
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, u.Name))
	ct := u.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := f.w.CreatePart(h)
	if err != nil {
		f.err = err
		return
	}
	_, f.err = part.Write(u.Data)
}

func (f *form) finish() (io.Reader, string, error) {
	if f.err == nil {
		f.err = f.w.Close()
	}
	return f.buf, f.w.FormDataContentType(), f.err
}
