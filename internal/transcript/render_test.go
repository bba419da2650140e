package transcript

import (
	"strings"
	"testing"
	"time"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/session"
)

func calculatorSession() []session.Message {
	at := func(s int) time.Time { return testTime.Add(time.Duration(s) * time.Second) }
	return []session.Message{
		{Seq: 1, Role: session.RoleSystem, Kind: session.KindSystem, Content: "be brief", Timestamp: at(0)},
		{Seq: 2, Role: session.RoleUser, Kind: session.KindUser, Content: "What is 15 * 23?", Timestamp: at(1)},
		{Seq: 3, Role: session.RoleAssistant, Kind: session.KindToolCall, Timestamp: at(2),
			ToolCalls: []session.ToolCall{
				{ID: "call_a", Name: "calculate", Arguments: map[string]any{"expression": "15*23"}},
				{ID: "call_b", Name: "web_fetch", Arguments: map[string]any{"url": "http://x"}},
			}},
		{Seq: 4, Role: session.RoleTool, Kind: session.KindToolResult, Content: "345", ToolCallID: "call_a", Timestamp: at(3)},
		{Seq: 5, Role: session.RoleTool, Kind: session.KindToolResult, Content: "Error: connection refused", ToolCallID: "call_b", Timestamp: at(4)},
		{Seq: 6, Role: session.RoleAssistant, Kind: session.KindAnswer, Content: "15 * 23 = 345", Timestamp: at(5)},
		{Seq: 7, Role: session.RoleUser, Kind: session.KindUser, Content: "hello?", Timestamp: at(6)},
		{Seq: 8, Role: session.RoleAssistant, Kind: session.KindDiagnostic, Content: "<|channel|>", Timestamp: at(7)},
	}
}

func TestTurns(t *testing.T) {
	turns := Turns(calculatorSession())
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}

	first := turns[0]
	if first.User != "What is 15 * 23?" || first.Answer != "15 * 23 = 345" {
		t.Errorf("first turn = %+v", first)
	}
	if len(first.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(first.ToolCalls))
	}
	if first.ToolCalls[0].Result != "345" || first.ToolCalls[0].Failed {
		t.Errorf("calculate call = %+v", first.ToolCalls[0])
	}
	if !first.ToolCalls[1].Failed {
		t.Errorf("web_fetch call should be marked failed: %+v", first.ToolCalls[1])
	}

	second := turns[1]
	if second.Answer != "" || second.Diagnostic != "<|channel|>" {
		t.Errorf("second turn = %+v", second)
	}
}

func TestTurnsWithoutUserMessage(t *testing.T) {
	turns := Turns([]session.Message{{Role: session.RoleAssistant, Kind: session.KindAnswer, Content: "hi"}})
	if len(turns) != 1 || turns[0].Answer != "hi" {
		t.Errorf("turns = %+v", turns)
	}
	if Turns(nil) != nil {
		t.Error("expected nil for no messages")
	}
}

func TestRenderText(t *testing.T) {
	turns := Turns(calculatorSession())
	turns[0].Reasoning = "multiply the numbers"
	out := RenderText(turns)

	for _, want := range []string{
		"USER", "What is 15 * 23?",
		"(THINKING)", "multiply the numbers",
		"(TOOL CALLS)", "Tool: calculate", `expression="15*23"`, "ID: call_a", "Result: 345",
		"(ANSWER)", "15 * 23 = 345",
		"NO ANSWER",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("text rendering missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "(THINKING)") > strings.Index(out, "(TOOL CALLS)") ||
		strings.Index(out, "(TOOL CALLS)") > strings.Index(out, "(ANSWER)") {
		t.Error("sections out of order")
	}
}

func TestRenderMarkdown(t *testing.T) {
	out := RenderMarkdown("Session s1", Turns(calculatorSession()))
	for _, want := range []string{
		"# Session s1",
		"## Turn 1",
		"**User:** What is 15 * 23?",
		"### Tool calls",
		"`calculate(expression=\"15*23\")` → `345`",
		"### Answer\n\n15 * 23 = 345",
		"## Turn 2",
		"### No answer",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "### Thinking") {
		t.Error("stored sessions carry no reasoning")
	}
}

func TestRenderHTML(t *testing.T) {
	turns := []Turn{{User: "hi", Reasoning: "greet back", Answer: "**Hello** <there>"}}
	out, err := RenderHTML("A & B", turns)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		"<!DOCTYPE html>",
		"<title>A &amp; B</title>",
		"<h1>A &amp; B</h1>",
		"<blockquote>",
		"<strong>Hello</strong>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("html missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "<there>") {
		t.Error("raw HTML in the answer should not pass through")
	}
}

func TestFormatArgs(t *testing.T) {
	tests := []struct {
		args map[string]any
		want string
	}{
		{nil, "{}"},
		{map[string]any{"b": 2, "a": "x"}, `a="x", b=2`},
		{map[string]any{"list": []any{1, "two"}}, `list=[1,"two"]`},
	}
	for _, tt := range tests {
		if got := formatArgs(tt.args); got != tt.want {
			t.Errorf("formatArgs(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
