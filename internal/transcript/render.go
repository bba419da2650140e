package transcript

import (
	"bytes"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/yuin/goldmark"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/session"
)

// ToolCall is one tool invocation inside a rendered turn.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	Failed    bool           `json:"failed,omitempty"`
}

// Turn is one user exchange as people read it: the question, the
// model's reasoning when known, the tools it used, and its answer.
type Turn struct {
	User       string     `json:"user,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Answer     string     `json:"answer,omitempty"`
	Diagnostic string     `json:"diagnostic,omitempty"`
	Time       time.Time  `json:"time"`
}

// Turns groups a session's messages into turns. Reasoning is never
// stored in sessions, so it is always empty here.
func Turns(msgs []session.Message) []Turn {
	var (
		turns []Turn
		cur   *Turn
	)
	current := func(ts time.Time) *Turn {
		if cur == nil {
			turns = append(turns, Turn{Time: ts})
			cur = &turns[len(turns)-1]
		}
		return cur
	}
	for _, m := range msgs {
		switch m.Kind {
		case session.KindSystem:
		case session.KindUser:
			turns = append(turns, Turn{User: m.Content, Time: m.Timestamp})
			cur = &turns[len(turns)-1]
		case session.KindToolCall:
			t := current(m.Timestamp)
			for _, tc := range m.ToolCalls {
				t.ToolCalls = append(t.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
			}
		case session.KindToolResult:
			t := current(m.Timestamp)
			for i := range t.ToolCalls {
				if t.ToolCalls[i].ID == m.ToolCallID {
					t.ToolCalls[i].Result = m.Content
					t.ToolCalls[i].Failed = strings.HasPrefix(m.Content, "Error: ")
				}
			}
		case session.KindAnswer:
			current(m.Timestamp).Answer = m.Content
		case session.KindDiagnostic:
			current(m.Timestamp).Diagnostic = m.Content
		}
	}
	return turns
}

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	thinkingStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.Color("243"))

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("178"))

	answerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("135"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	bodyStyle = lipgloss.NewStyle().
			PaddingLeft(2)

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

const border = "────────────────────────────────────────"

// RenderText formats turns for a terminal with THINKING, TOOL CALLS and
// ANSWER sections.
func RenderText(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		stamp := ""
		if !t.Time.IsZero() {
			stamp = "[" + t.Time.Local().Format(time.TimeOnly) + "] "
		}
		if t.User != "" {
			b.WriteString(userStyle.Render(stamp+"USER") + "\n")
			b.WriteString(bodyStyle.Render(t.User) + "\n")
		}
		if t.Reasoning != "" {
			b.WriteString(headerStyle.Render(stamp+"ASSISTANT (THINKING)") + "\n")
			b.WriteString(thinkingStyle.Render(bodyStyle.Render(t.Reasoning)) + "\n")
		}
		if len(t.ToolCalls) > 0 {
			b.WriteString(headerStyle.Render(stamp+"ASSISTANT (TOOL CALLS)") + "\n")
			for _, tc := range t.ToolCalls {
				b.WriteString(toolStyle.Render(bodyStyle.Render(
					fmt.Sprintf("Tool: %s\nArgs: %s\nID: %s", tc.Name, formatArgs(tc.Arguments), tc.ID))) + "\n")
				if tc.Result != "" {
					style := toolStyle
					if tc.Failed {
						style = errorStyle
					}
					b.WriteString(style.Render(bodyStyle.Render("Result: "+tc.Result)) + "\n")
				}
			}
		}
		switch {
		case t.Answer != "":
			b.WriteString(answerStyle.Render(stamp+"ASSISTANT (ANSWER)") + "\n")
			b.WriteString(bodyStyle.Render(t.Answer) + "\n")
		case t.Diagnostic != "":
			b.WriteString(errorStyle.Render(stamp+"NO ANSWER") + "\n")
			b.WriteString(bodyStyle.Render(t.Diagnostic) + "\n")
		}
		b.WriteString(borderStyle.Render(border) + "\n")
	}
	return b.String()
}

// RenderMarkdown formats turns as a Markdown document.
func RenderMarkdown(title string, turns []Turn) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	for i, t := range turns {
		fmt.Fprintf(&b, "## Turn %d\n\n", i+1)
		if t.User != "" {
			fmt.Fprintf(&b, "**User:** %s\n\n", t.User)
		}
		if t.Reasoning != "" {
			b.WriteString("### Thinking\n\n")
			for _, line := range strings.Split(t.Reasoning, "\n") {
				b.WriteString("> " + line + "\n")
			}
			b.WriteString("\n")
		}
		if len(t.ToolCalls) > 0 {
			b.WriteString("### Tool calls\n\n")
			for _, tc := range t.ToolCalls {
				fmt.Fprintf(&b, "- `%s(%s)`", tc.Name, formatArgs(tc.Arguments))
				if tc.Result != "" {
					fmt.Fprintf(&b, " → `%s`", strings.ReplaceAll(tc.Result, "`", "'"))
				}
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
		switch {
		case t.Answer != "":
			b.WriteString("### Answer\n\n" + t.Answer + "\n\n")
		case t.Diagnostic != "":
			b.WriteString("### No answer\n\n```\n" + t.Diagnostic + "\n```\n\n")
		}
	}
	return b.String()
}

// RenderHTML converts the Markdown rendering to a standalone HTML page.
func RenderHTML(title string, turns []Turn) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(RenderMarkdown(title, turns)), &buf); err != nil {
		return "", fmt.Errorf("render transcript: %w", err)
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, html.EscapeString(title), buf.String()), nil
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		v, err := json.Marshal(args[k])
		if err != nil {
			v = []byte(fmt.Sprint(args[k]))
		}
		parts[i] = k + "=" + string(v)
	}
	return strings.Join(parts, ", ")
}
