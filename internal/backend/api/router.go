package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Get("/chat/sessions", apiHandler.ListSessionsHandler)
			r.Get("/chat/messages/{sessionID}", apiHandler.GetMessagesHandler)
			r.Post("/chat/send", apiHandler.SendMessageHandler)

			r.Post("/grading/ocr", apiHandler.OcrHandler)
			r.Post("/grading/upload", apiHandler.GradeHandler)
			r.Post("/grading/followup", apiHandler.FollowUpHandler)
		})
	})

	return r
}
