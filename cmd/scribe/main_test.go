package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/agent"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/config"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/tools"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/transcript"
)

func runArgs(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), strings.NewReader(stdin), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

func TestRun_Version(t *testing.T) {
	out, _, err := runArgs(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "Scribe ") {
		t.Errorf("output = %q, want Scribe banner", out)
	}
	if !strings.Contains(out, "go_version:") {
		t.Errorf("output missing go_version: %q", out)
	}
}

func TestRun_VersionJSON(t *testing.T) {
	out, _, err := runArgs(t, "", "version", "-o", "json")
	if err != nil {
		t.Fatalf("version -o json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	for _, k := range []string{"version", "git_commit", "go_version", "os", "arch"} {
		if info[k] == "" {
			t.Errorf("missing %q in %v", k, info)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"bogus"}, "unknown command"},
		{"version bad format", []string{"version", "-o", "yaml"}, "unknown output format"},
		{"ask without question", []string{"ask"}, "requires at least 1 arg"},
		{"missing explicit config", []string{"--config", "/nonexistent/scribe.yaml", "ask", "hi"}, "config file not found"},
		{"ask bad format", []string{"ask", "-o", "xml", "hi"}, "unknown output format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runArgs(t, "", tt.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("model:\n  name: qwen3:8b\nlisten:\n  port: 9090\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, got, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if got != path {
		t.Errorf("path = %q, want %q", got, path)
	}
	if cfg.Listen.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Listen.Port)
	}
	if cfg.Agent.MaxToolIterations != 5 {
		t.Errorf("MaxToolIterations = %d, want default 5", cfg.Agent.MaxToolIterations)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("parser:\n  mode: sloppy\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, _, err := loadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "parser.mode") {
		t.Errorf("err = %v, want parser.mode error", err)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	dir := t.TempDir()
	if err := runInit(io.Discard, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Transcript.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Transcript.Driver)
	}
}

func TestSystemPrompt(t *testing.T) {
	reg := tools.NewRegistry(nil)
	if err := tools.RegisterBuiltins(reg, tools.Builtins{}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	got := systemPrompt(cfg, reg)
	if !strings.Contains(got, "calculate(expression)") {
		t.Errorf("prompt missing calculate tool line:\n%s", got)
	}
	if !strings.Contains(got, "final channel") {
		t.Error("strict mode should use the channel format")
	}

	cfg.Parser.Mode = "fallback"
	if got := systemPrompt(cfg, reg); !strings.Contains(got, "<answer>") {
		t.Error("fallback mode should use the tag format")
	}

	cfg.Agent.SystemPrompt = "Be brief."
	if got := systemPrompt(cfg, reg); got != "Be brief." {
		t.Errorf("override = %q", got)
	}
}

// fakeOllama answers every /api/chat with one thinking chunk and one
// answer chunk.
func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"model":"gpt-oss:20b","message":{"role":"assistant","content":"","thinking":"Add them."},"done":false}`+"\n")
		io.WriteString(w, `{"model":"gpt-oss:20b","message":{"role":"assistant","content":"2+2 is 4."},"done":false}`+"\n")
		io.WriteString(w, `{"model":"gpt-oss:20b","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":10,"eval_count":5}`+"\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeTestConfig(t *testing.T, modelURL, dbPath string) string {
	t.Helper()
	t.Setenv("OLLAMA_HOST", "")
	t.Setenv("OLLAMA_PORT", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf(`model:
  base_url: %s
  name: gpt-oss:20b
  retry:
    max_attempts: 1
transcript:
  driver: sqlite
  path: %s
log_level: error
`, modelURL, dbPath)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_AskPersistsTranscript(t *testing.T) {
	srv := fakeOllama(t)
	dbPath := filepath.Join(t.TempDir(), "db", "transcripts.db")
	cfgPath := writeTestConfig(t, srv.URL, dbPath)

	out, _, err := runArgs(t, "", "--config", cfgPath, "ask", "-s", "math", "What", "is", "2+2?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	for _, want := range []string{"USER", "What is 2+2?", "ASSISTANT (THINKING)", "Add them.", "ASSISTANT (ANSWER)", "2+2 is 4."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, _, err = runArgs(t, "", "--config", cfgPath, "ask", "-s", "math", "-o", "json", "And again?")
	if err != nil {
		t.Fatalf("second ask: %v", err)
	}
	var res struct {
		SessionID string `json:"session_id"`
		Answer    string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("json output: %v\n%s", err, out)
	}
	if res.SessionID != "math" || res.Answer != "2+2 is 4." {
		t.Errorf("result = %+v", res)
	}

	store, err := transcript.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	sessions, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "math" {
		t.Fatalf("sessions = %+v, want one session named math", sessions)
	}
	// Two turns of user + answer, the second turn restored from disk
	// before it ran.
	if got := len(sessions[0].Messages); got != 4 {
		t.Errorf("persisted %d messages, want 4", got)
	}
}

func TestRun_Chat(t *testing.T) {
	srv := fakeOllama(t)
	cfgPath := writeTestConfig(t, srv.URL, filepath.Join(t.TempDir(), "t.db"))

	out, _, err := runArgs(t, "What is 2+2?\n\n/new\n/quit\n", "--config", cfgPath, "chat", "-s", "repl")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !strings.Contains(out, "session repl") {
		t.Errorf("missing session banner:\n%s", out)
	}
	if !strings.Contains(out, "2+2 is 4.") {
		t.Errorf("missing answer:\n%s", out)
	}
	if strings.Count(out, "ASSISTANT (ANSWER)") != 1 {
		t.Errorf("want exactly one rendered answer:\n%s", out)
	}
}

func TestTurnFromResult(t *testing.T) {
	res := &agent.TurnResult{
		Answer:    "done",
		Reasoning: "think",
		ToolCalls: []agent.ToolCallRecord{
			{ID: "c1", Name: "calculate", Arguments: map[string]any{"expression": "1/0"}, Error: "division by zero"},
			{ID: "c2", Name: "get_current_time", Result: "Monday"},
		},
	}
	turn := turnFromResult("q", res)
	if turn.User != "q" || turn.Answer != "done" || turn.Reasoning != "think" {
		t.Errorf("turn = %+v", turn)
	}
	if len(turn.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v", turn.ToolCalls)
	}
	if !turn.ToolCalls[0].Failed || turn.ToolCalls[0].Result != "division by zero" {
		t.Errorf("failed call = %+v", turn.ToolCalls[0])
	}
	if turn.ToolCalls[1].Failed || turn.ToolCalls[1].Result != "Monday" {
		t.Errorf("ok call = %+v", turn.ToolCalls[1])
	}
}
