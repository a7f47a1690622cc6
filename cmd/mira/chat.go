package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	errs "mira/internal/errors"
)

func newChatCommand() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildContainer(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			return runChat(cmd, c, sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to resume (default: new session)")
	return cmd
}

func runChat(cmd *cobra.Command, c *container, sessionID string) error {
	prompt := color.New(color.FgCyan, color.Bold)
	assistantTag := color.New(color.FgGreen)
	notice := color.New(color.FgYellow)

	fmt.Fprintf(cmd.OutOrStdout(), "Session %s (type /quit to exit, /clear to wipe the session)\n", sessionID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		prompt.Fprint(cmd.OutOrStdout(), "you> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/clear":
			c.Service.ClearSession(cmd.Context(), sessionID)
			notice.Fprintln(cmd.OutOrStdout(), "session cleared")
			continue
		}

		reply, err := c.Service.SendMessage(cmd.Context(), sessionID, line)
		if err != nil {
			switch {
			case errs.IsSensitiveContent(err):
				notice.Fprintln(cmd.OutOrStdout(), "message blocked: it contains identifying information that cannot be redacted")
			case errs.IsQueueFull(err):
				notice.Fprintln(cmd.OutOrStdout(), "offline queue is full; please retry once the connection returns")
			default:
				return err
			}
			continue
		}

		if reply.WasSanitized {
			notice.Fprintln(cmd.OutOrStdout(), "(some details were redacted before storage)")
		}
		assistantTag.Fprint(cmd.OutOrStdout(), "mira> ")
		fmt.Fprintln(cmd.OutOrStdout(), reply.DisplayText)
	}
}
