package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseServer(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/responses") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAIChatStreamTextAndToolCall(t *testing.T) {
	srv := sseServer(t, []string{
		`{"type":"response.output_text.delta","item_id":"msg_1","output_index":0,"content_index":0,"delta":"Let me ","sequence_number":1}`,
		`{"type":"response.output_text.delta","item_id":"msg_1","output_index":0,"content_index":0,"delta":"check.","sequence_number":2}`,
		`{"type":"response.output_item.added","output_index":1,"item":{"type":"function_call","id":"fc_1","call_id":"call_abc","name":"calculate","arguments":"","status":"in_progress"},"sequence_number":3}`,
		`{"type":"response.function_call_arguments.delta","item_id":"fc_1","output_index":1,"delta":"{\"expression\":","sequence_number":4}`,
		`{"type":"response.function_call_arguments.delta","item_id":"fc_1","output_index":1,"delta":"\"2+2\"}","sequence_number":5}`,
		`{"type":"response.completed","response":{"id":"resp_1","object":"response","model":"gpt-test","status":"completed","output":[],"usage":{"input_tokens":10,"output_tokens":4,"total_tokens":14}},"sequence_number":6}`,
	})
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL+"/v1/", testLogger())

	var tokens []string
	resp, err := c.ChatStream(context.Background(), "gpt-test",
		[]Message{{Role: "user", Content: "What is 2+2?"}}, nil,
		func(ev StreamEvent) {
			if ev.Kind == KindToken {
				tokens = append(tokens, ev.Token)
			}
		})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if resp.Message.Content != "Let me check." {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if len(tokens) != 2 {
		t.Errorf("got %d token events, want 2", len(tokens))
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_abc" {
		t.Errorf("ID = %q, want call_abc", tc.ID)
	}
	if tc.Function.Name != "calculate" || tc.Function.Arguments["expression"] != "2+2" {
		t.Errorf("tool call = %+v", tc.Function)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 4 {
		t.Errorf("tokens = %d/%d, want 10/4", resp.InputTokens, resp.OutputTokens)
	}
	if !resp.Done {
		t.Error("Done should be set after response.completed")
	}
}

func TestOpenAIUnavailableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL+"/v1/", testLogger())
	_, err := c.Chat(context.Background(), "gpt-test", []Message{{Role: "user", Content: "hi"}}, nil)
	if !IsUnavailable(err) {
		t.Fatalf("err = %v, want ModelUnavailableError", err)
	}
}

func TestOpenAIClientErrorNotUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("wrong", srv.URL+"/v1/", testLogger())
	_, err := c.Chat(context.Background(), "gpt-test", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsUnavailable(err) {
		t.Errorf("401 classified as unavailable: %v", err)
	}
}

func TestToResponsesInput(t *testing.T) {
	call := ToolCall{ID: "call_1"}
	call.Function.Name = "calculate"
	call.Function.Arguments = map[string]any{"expression": "2+2"}

	items := toResponsesInput([]Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "q"},
		{Role: "assistant", ToolCalls: []ToolCall{call}},
		{Role: "tool", Content: "2+2 = 4", ToolCallID: "call_1"},
		{Role: "assistant", Content: "4"},
	})
	if len(items) != 5 {
		t.Fatalf("got %d items, want 5", len(items))
	}
	if items[2].OfFunctionCall == nil || items[2].OfFunctionCall.CallID != "call_1" {
		t.Errorf("item 2 should be a function call for call_1")
	}
	if items[3].OfFunctionCallOutput == nil || items[3].OfFunctionCallOutput.CallID != "call_1" {
		t.Errorf("item 3 should be the function output for call_1")
	}
}

func TestToResponsesToolsSkipsMalformed(t *testing.T) {
	tools := toResponsesTools([]map[string]any{
		{"type": "function", "function": map[string]any{"name": "a", "description": "A"}},
		{"type": "function"},
	})
	if len(tools) != 1 || tools[0].OfFunction.Name != "a" {
		t.Errorf("tools = %+v", tools)
	}
}
