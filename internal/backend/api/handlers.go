package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lintutor/chatsync/internal/backend/ai"
	"github.com/lintutor/chatsync/internal/backend/auth"
	"github.com/lintutor/chatsync/internal/backend/store"
)

const (
	maxUploadMemory = 32 << 20
	followUpTitle   = "Follow-up on graded exercise"
)

type ctxKey int

const userIDKey ctxKey = iota

type APIHandler struct {
	store     *store.SQLiteStore
	responder ai.Responder
	issuer    *auth.Issuer
	logger    *zap.Logger
}

func NewAPIHandler(st *store.SQLiteStore, responder ai.Responder, issuer *auth.Issuer, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{store: st, responder: responder, issuer: issuer, logger: logger}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		userID, err := h.issuer.ValidateJWT(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func (h *APIHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	sessions, err := h.store.ListSessions(r.Context(), uid)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.String("user", uid), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve chat sessions")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *APIHandler) GetMessagesHandler(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid session ID")
		return
	}

	messages, err := h.store.GetMessages(r.Context(), uid, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		h.logger.Error("failed to get messages", zap.String("user", uid), zap.Int64("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type sendResponse struct {
	Session    *store.Session `json:"session"`
	AIResponse *ai.ChatReply  `json:"ai_response"`
}

// SendMessageHandler answers a prompt and stores both sides of the exchange.
// With is_first_message set a new session is created, otherwise
// chat_session_id names an existing one.
func (h *APIHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form: "+err.Error())
		return
	}
	prompt := r.FormValue("prompt")
	isFirst, _ := strconv.ParseBool(r.FormValue("is_first_message"))

	files, err := formFiles(r.MultipartForm, "files")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read uploaded files")
		return
	}
	if strings.TrimSpace(prompt) == "" && len(files) == 0 {
		writeError(w, http.StatusBadRequest, "Message content cannot be empty")
		return
	}

	var sessionID int64
	var history []ai.Turn
	if !isFirst {
		sessionID, err = strconv.ParseInt(r.FormValue("chat_session_id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid session ID")
			return
		}
		messages, err := h.store.GetMessages(r.Context(), uid, sessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "Session not found")
				return
			}
			h.logger.Error("failed to load history", zap.Int64("session_id", sessionID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to load history")
			return
		}
		for _, m := range messages {
			history = append(history, ai.Turn{Role: m.Sender, Content: m.Content})
		}
	}

	reply, err := h.responder.Chat(r.Context(), ai.ChatRequest{
		Prompt:       prompt,
		History:      history,
		Files:        files,
		FirstMessage: isFirst,
	})
	if err != nil {
		h.logger.Error("AI chat failed", zap.String("user", uid), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "AI service is unavailable")
		return
	}

	sess, err := h.store.SaveExchange(r.Context(), store.Exchange{
		UserID:    uid,
		SessionID: sessionID,
		UserText:  prompt,
		AIText:    reply.Text(),
		Title:     reply.Title,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		h.logger.Error("failed to save exchange", zap.String("user", uid), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to save messages")
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Session: sess, AIResponse: reply})
}

func (h *APIHandler) OcrHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form: "+err.Error())
		return
	}
	files, err := formFiles(r.MultipartForm, "file")
	if err != nil || len(files) == 0 {
		writeError(w, http.StatusBadRequest, "No file for OCR")
		return
	}

	text, err := h.responder.RecognizeText(r.Context(), files[0])
	if err != nil {
		h.logger.Error("OCR failed", zap.String("file", files[0].Name), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "AI service is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (h *APIHandler) GradeHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form: "+err.Error())
		return
	}
	problemText := r.FormValue("problemText")
	solutionText := r.FormValue("solutionText")
	if problemText == "" || solutionText == "" {
		writeError(w, http.StatusBadRequest, "Problem and solution text are required")
		return
	}

	correction, err := h.responder.Grade(r.Context(), problemText, solutionText)
	if err != nil {
		h.logger.Error("grading failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "AI service is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"problemText":  problemText,
		"solutionText": solutionText,
		"correction":   correction,
	})
}

// FollowUpHandler creates a chat seeded with the graded exercise as a system
// message and the student's question, in one transaction. The question is
// answered once the student continues the chat.
func (h *APIHandler) FollowUpHandler(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form: "+err.Error())
		return
	}
	question := strings.TrimSpace(r.FormValue("newQuestion"))
	if question == "" {
		writeError(w, http.StatusBadRequest, "A question is required")
		return
	}
	contextPrompt := ai.ContextPrompt(r.FormValue("problemText"), r.FormValue("solutionText"), r.FormValue("correctionText"))

	id, err := h.store.SeedSession(r.Context(), uid, followUpTitle, []store.Message{
		{Sender: store.SenderSystem, Content: contextPrompt},
		{Sender: store.SenderUser, Content: question},
	})
	if err != nil {
		h.logger.Error("failed to create follow-up session", zap.String("user", uid), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create chat session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"chatSessionId": id})
}

func formFiles(form *multipart.Form, field string) ([]ai.File, error) {
	if form == nil {
		return nil, nil
	}
	var files []ai.File
	for _, fh := range form.File[field] {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, ai.File{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Data: data})
	}
	return files, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
