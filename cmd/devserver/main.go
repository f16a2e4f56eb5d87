package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lintutor/chatsync/internal/backend/ai"
	"github.com/lintutor/chatsync/internal/backend/api"
	"github.com/lintutor/chatsync/internal/backend/auth"
	"github.com/lintutor/chatsync/internal/backend/store"
	"github.com/lintutor/chatsync/internal/config"
	"github.com/lintutor/chatsync/internal/logging"
)

func main() {
	issueToken := flag.String("issue-token", "", "Print a bearer token for the given user id and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServer(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	issuer := auth.NewIssuer(cfg.JWTSecret, auth.DefaultTTL)
	if *issueToken != "" {
		token, err := issuer.GenerateJWT(*issueToken)
		if err != nil {
			logger.Fatal("failed to issue token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer dbStore.Close()

	var responder ai.Responder = ai.EchoResponder{}
	if cfg.GeminiAPIKey != "" {
		responder, err = ai.NewGeminiResponder(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel, logger)
		if err != nil {
			logger.Fatal("failed to initialize Gemini", zap.Error(err))
		}
	} else {
		logger.Warn("GEMINI_API_KEY not set, answering with the echo responder")
	}
	defer responder.Close()

	router := api.NewRouter(api.NewAPIHandler(dbStore, responder, issuer, logger))

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 180 * time.Second, // model calls can take time
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", serverAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("could not listen", zap.String("addr", serverAddr), zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}
