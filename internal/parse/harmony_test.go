package parse

import (
	"errors"
	"strings"
	"testing"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/llm"
)

func resp(content string) *llm.ChatResponse {
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: content}}
}

func TestHarmonyStrictAnswer(t *testing.T) {
	raw := "<|channel|>analysis<|message|>User wants a sum.<|end|>" +
		"<|start|>assistant<|channel|>final<|message|>4<|return|>"
	res, err := Harmony{}.Parse(resp(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Reasoning != "User wants a sum." {
		t.Errorf("Reasoning = %q", res.Reasoning)
	}
	if res.Answer != "4" {
		t.Errorf("Answer = %q", res.Answer)
	}
	if len(res.ToolCalls) != 0 {
		t.Errorf("ToolCalls = %v", res.ToolCalls)
	}
	if res.Mode != ModeHarmony || res.Raw != raw {
		t.Errorf("Mode = %q, Raw preserved = %v", res.Mode, res.Raw == raw)
	}
}

func TestHarmonyStrictToolCall(t *testing.T) {
	raw := "<|start|>assistant<|channel|>analysis<|message|>Need the calculator.<|end|>" +
		"<|start|>assistant<|channel|>commentary to=functions.calculate <|constrain|>json<|message|>{\"expression\":\"15*7\"}<|call|>"
	res, err := Harmony{}.Parse(resp(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Answer != "" {
		t.Errorf("Answer = %q, want empty", res.Answer)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls", len(res.ToolCalls))
	}
	call := res.ToolCalls[0]
	if call.Name != "calculate" || call.Arguments["expression"] != "15*7" {
		t.Errorf("call = %+v", call)
	}
	if !strings.HasPrefix(call.ID, "call_") || len(call.ID) != len("call_")+18 {
		t.Errorf("ID = %q", call.ID)
	}
}

func TestHarmonyRecipientInRoleHeader(t *testing.T) {
	raw := "<|start|>assistant to=functions.get_current_time<|channel|>commentary json<|message|>{}<|call|>"
	res, err := Harmony{}.Parse(resp(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "get_current_time" {
		t.Fatalf("ToolCalls = %+v", res.ToolCalls)
	}
	if len(res.ToolCalls[0].Arguments) != 0 {
		t.Errorf("Arguments = %v, want empty", res.ToolCalls[0].Arguments)
	}
}

func TestHarmonyEmptyArgumentsBody(t *testing.T) {
	raw := "<|channel|>commentary to=functions.get_current_time<|message|><|call|>"
	res, err := Harmony{}.Parse(resp(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Arguments == nil {
		t.Fatalf("ToolCalls = %+v", res.ToolCalls)
	}
}

func TestHarmonyStopsAtReturn(t *testing.T) {
	raw := "<|channel|>final<|message|>done<|return|>garbage that is not harmony"
	res, err := Harmony{}.Parse(resp(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Answer != "done" {
		t.Errorf("Answer = %q", res.Answer)
	}
}

func TestHarmonyStrictErrors(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"no markers", "just some text", "no harmony markers"},
		{"unterminated", "<|channel|>final<|message|>never closed", "unterminated message"},
		{"cut by next start", "<|channel|>final<|message|>a<|start|>assistant<|channel|>final<|message|>b<|end|>", "unterminated message"},
		{"unknown channel", "<|channel|>poetry<|message|>x<|end|>", "unknown channel poetry"},
		{"bad arguments", "<|channel|>commentary to=functions.calc<|message|>{bad<|call|>", "invalid arguments for calc"},
		{"foreign recipient", "<|channel|>commentary to=browser.open<|message|>{}<|call|>", "unsupported recipient browser.open"},
		{"header without message", "<|channel|>final<|message|>a<|end|><|start|>assistant<|channel|>final", "header without <|message|>"},
		{"missing channel", "<|start|>assistant<|message|>hi<|end|>", "missing channel"},
		{"leading prose", "hello <|channel|>final<|message|>x<|end|>", "unexpected role hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Harmony{}.Parse(resp(tt.raw))
			var hpe *HarmonyParseError
			if !errors.As(err, &hpe) {
				t.Fatalf("err = %v, want HarmonyParseError", err)
			}
			if !strings.Contains(hpe.Reason, tt.reason) {
				t.Errorf("Reason = %q, want it to contain %q", hpe.Reason, tt.reason)
			}
			if !strings.Contains(err.Error(), "offset") {
				t.Errorf("Error() = %q", err.Error())
			}
		})
	}
}

func TestHarmonyLenient(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		reasoning string
		answer    string
		calls     int
	}{
		{
			name:      "missing final terminator",
			raw:       "<|channel|>analysis<|message|>thinking<|end|><|channel|>final<|message|>The answer is 4",
			reasoning: "thinking",
			answer:    "The answer is 4",
		},
		{
			name:   "unknown channel skipped",
			raw:    "<|channel|>poetry<|message|>x<|end|><|channel|>final<|message|>ok<|end|>",
			answer: "ok",
		},
		{
			name:   "bad arguments dropped",
			raw:    "<|channel|>commentary to=functions.calc<|message|>{bad<|call|><|channel|>final<|message|>done<|end|>",
			answer: "done",
		},
		{
			name:   "message cut by next start",
			raw:    "<|channel|>final<|message|>first<|start|>assistant<|channel|>final<|message|>second<|end|>",
			answer: "first\n\nsecond",
		},
		{
			name:   "later message without channel skipped",
			raw:    "<|channel|>final<|message|>hi<|end|><|start|>assistant<|message|>stray<|end|>",
			answer: "hi",
		},
		{
			name:   "dangling header ignored",
			raw:    "<|channel|>final<|message|>a<|end|><|start|>assistant<|channel|>final",
			answer: "a",
		},
		{
			name:  "call without terminator",
			raw:   "<|channel|>commentary to=functions.calc<|message|>{\"expression\":\"1+1\"}",
			calls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Harmony{Lenient: true}.Parse(resp(tt.raw))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if res.Mode != ModeHarmonyLenient {
				t.Errorf("Mode = %q", res.Mode)
			}
			if res.Reasoning != tt.reasoning {
				t.Errorf("Reasoning = %q, want %q", res.Reasoning, tt.reasoning)
			}
			if res.Answer != tt.answer {
				t.Errorf("Answer = %q, want %q", res.Answer, tt.answer)
			}
			if len(res.ToolCalls) != tt.calls {
				t.Errorf("got %d tool calls, want %d", len(res.ToolCalls), tt.calls)
			}
		})
	}
}

func TestHarmonyLenientRejectsMalformedFirstHeader(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"prose before message token", "Use the <|message|> token to start a body."},
		{"prose before channel token", "Set <|channel|>final<|message|> to answer."},
		{"non-assistant role", "<|start|>user<|channel|>final<|message|>x<|end|>"},
		{"missing channel", "<|start|>assistant<|message|>hi<|end|>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Harmony{Lenient: true}.Parse(resp(tt.raw))
			var hpe *HarmonyParseError
			if !errors.As(err, &hpe) {
				t.Fatalf("err = %v, want *HarmonyParseError", err)
			}
			if hpe.Offset != 0 {
				t.Errorf("Offset = %d, want 0", hpe.Offset)
			}
		})
	}
}

func TestHarmonyNativeFields(t *testing.T) {
	r := resp("<|channel|>commentary to=functions.calculate<|message|>{\"expression\":\"2+2\"}<|call|>")
	r.Message.Thinking = "  native reasoning  "
	r.Message.ToolCalls = []llm.ToolCall{{
		ID:       "abc",
		Function: llm.ToolCallFunction{Name: "get_current_time"},
	}}

	res, err := Harmony{}.Parse(r)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Reasoning != "native reasoning" {
		t.Errorf("Reasoning = %q", res.Reasoning)
	}
	if len(res.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls", len(res.ToolCalls))
	}
	if res.ToolCalls[1].ID != "abc" || res.ToolCalls[1].Arguments == nil {
		t.Errorf("native call = %+v", res.ToolCalls[1])
	}

	// Harmony analysis wins over native reasoning.
	r.Message.Content = "<|channel|>analysis<|message|>channel reasoning<|end|><|channel|>final<|message|>x<|end|>"
	res, err = Harmony{}.Parse(r)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Reasoning != "channel reasoning" {
		t.Errorf("Reasoning = %q", res.Reasoning)
	}
}

func TestCallIDsDistinctPerPosition(t *testing.T) {
	raw := "<|channel|>commentary to=functions.calc<|message|>{\"expression\":\"1+1\"}<|call|>" +
		"<|channel|>commentary to=functions.calc<|message|>{\"expression\":\"1+1\"}<|call|>"
	res, err := Harmony{}.Parse(resp(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls", len(res.ToolCalls))
	}
	if res.ToolCalls[0].ID == res.ToolCalls[1].ID {
		t.Errorf("identical calls share id %q", res.ToolCalls[0].ID)
	}
}

func TestHasHarmonyMarkers(t *testing.T) {
	if HasHarmonyMarkers("<think>x</think>") {
		t.Error("think block is not harmony")
	}
	if !HasHarmonyMarkers("<|channel|>final") || !HasHarmonyMarkers("x<|message|>y") {
		t.Error("markers not detected")
	}
}
