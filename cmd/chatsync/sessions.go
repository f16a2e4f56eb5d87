package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lintutor/chatsync/internal/model"
)

func newSessionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List your chat sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.RefreshSessions(cmd.Context()); err != nil {
				return err
			}
			sessions := a.store.Sessions()
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No chat sessions yet.")
				return nil
			}
			fmt.Fprintf(out, "%-8s %-20s %s\n", "ID", "CREATED", "TITLE")
			fmt.Fprintln(out, strings.Repeat("-", 60))
			for _, s := range sessions {
				fmt.Fprintf(out, "%-8s %-20s %s\n", s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04"), s.Title)
			}
			return nil
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "Show the messages of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := a.store.LoadMessages(cmd.Context(), id); err != nil {
				return err
			}
			sess, _ := a.store.SelectSession(id)
			printMessages(cmd.OutOrStdout(), model.Visible(sess.Messages))
			return nil
		},
	}
}

func printMessages(w io.Writer, messages []model.Message) {
	for _, m := range messages {
		who := "you"
		if m.Sender == model.SenderAI {
			who = "tutor"
		}
		fmt.Fprintf(w, "[%s] %s\n", who, m.Text)
		for _, f := range m.Files {
			fmt.Fprintf(w, "        (file: %s)\n", f.Name)
		}
	}
}
