package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lintutor/chatsync/internal/attachment"
	"github.com/lintutor/chatsync/internal/visualization"
)

func newSendCmd(a *app) *cobra.Command {
	var sessionID string
	var files []string

	cmd := &cobra.Command{
		Use:   "send [flags] <text>",
		Short: "Send a message, starting a new session unless --session is given",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")

			buf := attachment.NewBuffer(a.store.Attachments())
			defer buf.Clear()
			for _, path := range files {
				f, err := readFile(path)
				if err != nil {
					return err
				}
				buf.Add(f)
			}

			id := sessionID
			if id == "" {
				id = a.store.CreateSession()
			} else if err := a.store.LoadMessages(cmd.Context(), id); err != nil {
				return err
			}
			a.store.SelectSession(id)

			ack, err := a.store.Send(cmd.Context(), id, text, buf.Take())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if ack.Promoted {
				fmt.Fprintf(out, "Started session %s\n", ack.SessionID)
			}
			fmt.Fprintf(out, "[tutor] %s\n", ack.Reply.Text)
			if ack.Visualization != nil {
				printVisualization(out, a.store.Visualization().Snapshot().State)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Existing session id to continue")
	cmd.Flags().StringArrayVar(&files, "file", nil, "File to attach (repeatable)")
	return cmd
}

func readFile(path string) (attachment.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return attachment.File{}, fmt.Errorf("read %s: %w", path, err)
	}
	return attachment.File{
		Name:        filepath.Base(path),
		ContentType: http.DetectContentType(data),
		Data:        data,
	}, nil
}

func printVisualization(w io.Writer, s visualization.State) {
	fmt.Fprintf(w, "Visualization (%dD):\n", s.Dimension)
	for _, row := range s.Matrix {
		fmt.Fprint(w, "  [")
		for j, v := range row {
			if j > 0 {
				fmt.Fprint(w, " ")
			}
			fmt.Fprintf(w, "%6.2f", v)
		}
		fmt.Fprintln(w, " ]")
	}
}
