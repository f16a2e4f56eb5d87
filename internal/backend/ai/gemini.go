package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const (
	DefaultModelName = "gemini-1.5-flash-latest"

	chatSystemInstruction = "You are a helpful linear algebra tutor. " +
		"Reply with a JSON object with the fields \"title\" (3-5 words describing the conversation), " +
		"\"text_explanation\" (your answer) and, when a 2x2 or 3x3 linear transformation is being discussed, " +
		"\"visualizations\" of the form {\"2d\": {\"matrix\": [[a,b],[c,d]]}} or {\"3d\": {\"matrix\": [[...],[...],[...]]}}. " +
		"Keep answers concise. Do not make up information."

	gradeSystemInstruction = "You are a strict but friendly linear algebra teacher. " +
		"Grade the student's solution to the problem. Point out each mistake with the step it occurs in and how to fix it."

	ocrInstruction = "Transcribe all text and mathematical notation in this image. Return only the transcription."
)

type GeminiResponder struct {
	client    *genai.Client
	modelName string
	logger    *zap.Logger
}

func NewGeminiResponder(ctx context.Context, apiKey, modelName string, logger *zap.Logger) (*GeminiResponder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if modelName == "" {
		modelName = DefaultModelName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiResponder{client: client, modelName: modelName, logger: logger}, nil
}

func (s *GeminiResponder) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *GeminiResponder) Chat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	model := s.client.GenerativeModel(s.modelName)
	model.ResponseMIMEType = "application/json"

	// System turns extend the instruction; Gemini has no system role in history.
	instruction := chatSystemInstruction
	var history []*genai.Content
	for _, t := range req.History {
		switch t.Role {
		case "system":
			instruction += "\n\n" + t.Content
		case "user":
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(t.Content)}})
		default:
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(t.Content)}})
		}
	}
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(instruction)}}

	chatSession := model.StartChat()
	chatSession.History = history

	parts := []genai.Part{genai.Text(req.Prompt)}
	for _, f := range req.Files {
		parts = append(parts, filePart(f))
	}

	resp, err := chatSession.SendMessage(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		s.logger.Warn("gemini response was empty")
		return &ChatReply{Response: "I'm sorry, I couldn't generate a response at this time. Please try again."}, nil
	}

	var reply ChatReply
	if err := json.Unmarshal([]byte(text), &reply); err != nil || reply.Text() == "" {
		s.logger.Debug("gemini reply was not the requested JSON, using it as text", zap.Error(err))
		return &ChatReply{Response: text}, nil
	}
	if !req.FirstMessage {
		reply.Title = ""
	}
	return &reply, nil
}

func (s *GeminiResponder) Grade(ctx context.Context, problemText, solutionText string) (string, error) {
	model := s.client.GenerativeModel(s.modelName)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(gradeSystemInstruction)}}

	temp := float32(0.2)
	model.GenerationConfig.Temperature = &temp

	prompt := fmt.Sprintf("--- Problem ---\n%s\n\n--- Solution ---\n%s", problemText, solutionText)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini grading request failed: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return "", fmt.Errorf("LLM did not generate a correction (empty response)")
	}
	return text, nil
}

func (s *GeminiResponder) RecognizeText(ctx context.Context, file File) (string, error) {
	if strings.HasPrefix(file.ContentType, "text/") {
		return strings.TrimSpace(string(file.Data)), nil
	}
	model := s.client.GenerativeModel(s.modelName)
	resp, err := model.GenerateContent(ctx, filePart(file), genai.Text(ocrInstruction))
	if err != nil {
		return "", fmt.Errorf("gemini ocr request failed: %w", err)
	}
	return strings.TrimSpace(responseText(resp)), nil
}

func filePart(f File) genai.Part {
	if format, ok := strings.CutPrefix(f.ContentType, "image/"); ok {
		return genai.ImageData(format, f.Data)
	}
	mime := f.ContentType
	if mime == "" {
		mime = "application/octet-stream"
	}
	return genai.Blob{MIMEType: mime, Data: f.Data}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}
