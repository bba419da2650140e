package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/agent"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/llm"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/transcript"
)

func newAskCmd(opts *cliOptions) *cobra.Command {
	var (
		sessionID string
		output    string
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question and print the turn",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, sessionID, output, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "cli", "session to continue")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

func newChatCmd(opts *cliOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, sessionID)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session to continue (default: a new one)")
	return cmd
}

// runAsk handles "scribe ask". Logs go to stderr so stdout carries only
// the rendered turn.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts *cliOptions, sessionID, output, question string) error {
	if output != "text" && output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", output)
	}
	cfg, logger, err := setup(opts, stderr)
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.loop.HandleTurn(ctx, sessionID, question)
	if err != nil {
		return fmt.Errorf("ask (%s): %w", agent.ErrorKind(err), err)
	}

	if output == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprint(stdout, transcript.RenderText([]transcript.Turn{turnFromResult(question, res)}))
	return nil
}

var (
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// runChat is a line-oriented REPL. /new starts a fresh session and
// /quit (or EOF) leaves.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts *cliOptions, sessionID string) error {
	cfg, logger, err := setup(opts, stderr)
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	fmt.Fprintln(stdout, dimStyle.Render(fmt.Sprintf("session %s, model %s. /new for a new session, /quit to leave.", sessionID, cfg.Model.Name)))

	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, promptStyle.Render("you> "))
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			sessionID = uuid.NewString()
			fmt.Fprintln(stdout, dimStyle.Render("session "+sessionID))
			continue
		}

		stream := func(ev llm.StreamEvent) {
			if ev.Kind == llm.KindToolCallStart && ev.ToolCall != nil {
				fmt.Fprintln(stdout, dimStyle.Render("  → "+ev.ToolCall.Function.Name))
			}
		}
		res, err := rt.loop.HandleTurnStream(ctx, sessionID, line, stream)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(stdout, failStyle.Render(fmt.Sprintf("error (%s): %v", agent.ErrorKind(err), err)))
			continue
		}
		fmt.Fprint(stdout, transcript.RenderText([]transcript.Turn{turnFromResult("", res)}))
	}
}

// turnFromResult converts a finished turn for rendering. Unlike stored
// transcripts it carries the model's reasoning.
func turnFromResult(question string, res *agent.TurnResult) transcript.Turn {
	t := transcript.Turn{
		User:      question,
		Reasoning: res.Reasoning,
		Answer:    res.Answer,
	}
	for _, tc := range res.ToolCalls {
		call := transcript.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments, Result: tc.Result}
		if tc.Error != "" {
			call.Result = tc.Error
			call.Failed = true
		}
		t.ToolCalls = append(t.ToolCalls, call)
	}
	return t
}
