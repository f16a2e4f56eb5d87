package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Turn is one entry of the conversation history sent to a model.
type Turn struct {
	Role    string // "user", "ai" or "system"
	Content string
}

type File struct {
	Name        string
	ContentType string
	Data        []byte
}

type ChatRequest struct {
	Prompt       string
	History      []Turn
	Files        []File
	FirstMessage bool
}

// ChatReply is the ai_response object relayed to clients.
type ChatReply struct {
	Title           string          `json:"title,omitempty"`
	TextExplanation string          `json:"text_explanation,omitempty"`
	Response        string          `json:"response,omitempty"`
	Visualizations  json.RawMessage `json:"visualizations,omitempty"`
}

// Text is what gets stored as the AI message.
func (r *ChatReply) Text() string {
	if r.TextExplanation != "" {
		return r.TextExplanation
	}
	return r.Response
}

// Responder produces the AI side of chat and grading.
type Responder interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatReply, error)
	Grade(ctx context.Context, problemText, solutionText string) (string, error)
	RecognizeText(ctx context.Context, file File) (string, error)
	Close() error
}

// ContextPrompt is the system message that seeds a follow-up chat about a
// graded solution.
func ContextPrompt(problemText, solutionText, correctionText string) string {
	var b strings.Builder
	b.WriteString("You are a linear algebra tutor. The student wants to discuss a graded exercise.\n\n")
	b.WriteString("--- Problem ---\n")
	b.WriteString(problemText)
	b.WriteString("\n\n--- Student solution ---\n")
	b.WriteString(solutionText)
	b.WriteString("\n\n--- Correction ---\n")
	b.WriteString(correctionText)
	b.WriteString("\n\nAnswer the student's questions about this exercise.")
	return b.String()
}

// EchoResponder answers deterministically without a model. A prompt holding
// "matrix:" followed by a JSON matrix yields a visualization of it.
type EchoResponder struct{}

func (EchoResponder) Chat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You said: %s", req.Prompt)
	for _, f := range req.Files {
		fmt.Fprintf(&b, "\n[attached %s, %d bytes]", f.Name, len(f.Data))
	}
	reply := &ChatReply{Response: b.String()}
	if req.FirstMessage {
		reply.Title = echoTitle(req.Prompt)
	}
	if m, ok := matrixIn(req.Prompt); ok {
		key := fmt.Sprintf("%dd", len(m))
		viz, err := json.Marshal(map[string]any{key: map[string]any{"matrix": m}})
		if err != nil {
			return nil, err
		}
		reply.Visualizations = viz
	}
	return reply, nil
}

func (EchoResponder) Grade(ctx context.Context, problemText, solutionText string) (string, error) {
	lines := len(strings.Split(strings.TrimSpace(solutionText), "\n"))
	return fmt.Sprintf("Reviewed %d line(s) of solution. No errors found.", lines), nil
}

func (EchoResponder) RecognizeText(ctx context.Context, file File) (string, error) {
	if strings.HasPrefix(file.ContentType, "text/") {
		return strings.TrimSpace(string(file.Data)), nil
	}
	return fmt.Sprintf("[%s: %d bytes]", file.Name, len(file.Data)), nil
}

func (EchoResponder) Close() error { return nil }

func echoTitle(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) > 5 {
		words = words[:5]
	}
	title := strings.Join(words, " ")
	if utf8.RuneCountInString(title) > 40 {
		title = string([]rune(title)[:40])
	}
	return title
}

// matrixIn finds a square 2x2 or 3x3 matrix literal after "matrix:".
func matrixIn(prompt string) ([][]float64, bool) {
	i := strings.Index(prompt, "matrix:")
	if i < 0 {
		return nil, false
	}
	var m [][]float64
	dec := json.NewDecoder(strings.NewReader(prompt[i+len("matrix:"):]))
	if err := dec.Decode(&m); err != nil {
		return nil, false
	}
	if len(m) != 2 && len(m) != 3 {
		return nil, false
	}
	for _, row := range m {
		if len(row) != len(m) {
			return nil, false
		}
	}
	return m, true
}
