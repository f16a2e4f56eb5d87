package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lintutor/chatsync/internal/followup"
	"github.com/lintutor/chatsync/internal/grading"
	"github.com/lintutor/chatsync/internal/model"
)

func newGradeCmd(a *app) *cobra.Command {
	var problemFile, solutionFile, question string

	cmd := &cobra.Command{
		Use:   "grade --problem <file> --solution <file> [--ask <question>]",
		Short: "Grade a solution, optionally asking a follow-up question about it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if problemFile == "" || solutionFile == "" {
				return errors.New("--problem and --solution are required")
			}
			ctx := cmd.Context()
			ws := grading.NewWorkspace(a.client, a.store.RequestContext(), a.logger)
			if err := load(ctx, ws, grading.Problem, problemFile); err != nil {
				return err
			}
			if err := load(ctx, ws, grading.Solution, solutionFile); err != nil {
				return err
			}

			art, err := ws.Grade(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Correction:\n%s\n", art.Correction)
			if question == "" {
				return nil
			}

			id, err := followup.NewBridge(a.client, a.store, a.logger).StartFollowUp(ctx, art, question)
			if err != nil {
				return err
			}
			if err := a.store.LoadMessages(ctx, id); err != nil {
				return err
			}
			sess, _ := a.store.Session(id)
			fmt.Fprintf(out, "\nFollow-up session %s\n", id)
			printMessages(out, model.Visible(sess.Messages))
			return nil
		},
	}

	cmd.Flags().StringVar(&problemFile, "problem", "", "Problem statement (text or image)")
	cmd.Flags().StringVar(&solutionFile, "solution", "", "Solution to grade (text or image)")
	cmd.Flags().StringVar(&question, "ask", "", "Start a follow-up chat with this question")
	return cmd
}

// load puts a text file straight into the workspace and sends anything else
// through text recognition.
func load(ctx context.Context, ws *grading.Workspace, field grading.Field, path string) error {
	f, err := readFile(path)
	if err != nil {
		return err
	}
	if strings.HasPrefix(f.ContentType, "text/") {
		ws.SetText(field, string(f.Data))
		return nil
	}
	return ws.Recognize(ctx, field, f)
}
