// Package main is a command-line chat client for the tutoring backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lintutor/chatsync/internal/api"
	"github.com/lintutor/chatsync/internal/config"
	"github.com/lintutor/chatsync/internal/logging"
	"github.com/lintutor/chatsync/internal/session"
)

// app holds what every command needs; built before any command runs.
type app struct {
	// flag overrides for cfg
	backendURL string
	token      string
	logLevel   string

	cfg    config.Config
	logger *zap.Logger
	client *api.Client
	store  *session.Store
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "chatsync",
		Short: "Chat with the linear algebra tutor from the terminal",
		Long: `chatsync talks to the tutoring backend: it lists your chat sessions,
shows their history, sends messages with attachments and grades solutions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.store != nil {
				a.store.Attachments().Close()
			}
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.backendURL, "backend", "", "Backend base URL (default $CHATSYNC_BACKEND_URL)")
	root.PersistentFlags().StringVar(&a.token, "token", "", "Bearer token (default $CHATSYNC_TOKEN)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (default $LOG_LEVEL)")

	root.AddCommand(newSessionsCmd(a))
	root.AddCommand(newHistoryCmd(a))
	root.AddCommand(newSendCmd(a))
	root.AddCommand(newGradeCmd(a))

	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.backendURL != "" {
		cfg.BackendURL = a.backendURL
	}
	if a.token != "" {
		cfg.Token = a.token
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}

	client := api.NewClient(cfg.BackendURL,
		api.WithTimeout(cfg.RequestTimeout),
		api.WithLogger(logger),
		api.WithAuthExpiredHandler(func() {
			fmt.Fprintln(cmd.ErrOrStderr(), "Your session has expired. Get a new token and set CHATSYNC_TOKEN.")
		}),
	)

	a.cfg = cfg
	a.logger = logger
	a.client = client
	a.store = session.NewStore(client, nil, session.Config{
		TitleMaxRunes:  cfg.TitleMaxRunes,
		RequestContext: api.RequestContext{Token: cfg.Token},
		Logger:         logger,
		Metrics:        session.NewMetrics(prometheus.NewRegistry()),
	})
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
