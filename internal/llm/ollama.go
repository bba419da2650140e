package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/ollama/ollama/api"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/httpkit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// OllamaClient talks to an Ollama server through the official api package.
type OllamaClient struct {
	baseURL     string
	client      *api.Client
	logger      *slog.Logger
	think       bool
	temperature float64
}

// NewOllamaClient creates a client for the Ollama server at baseURL.
// The HTTP client has no overall timeout; each call is bounded by its
// context. Dial failures are retried twice at the transport level
// before the error surfaces.
func NewOllamaClient(baseURL string, logger *slog.Logger) (*OllamaClient, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", baseURL, err)
	}

	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithResponseHeaderTimeout(5*time.Minute),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	)

	return &OllamaClient{
		baseURL: baseURL,
		client:  api.NewClient(u, httpClient),
		logger:  logger,
	}, nil
}

// SetThink asks the server to return reasoning in the native thinking
// field instead of inline in the content.
func (c *OllamaClient) SetThink(enabled bool) { c.think = enabled }

// SetTemperature sets the sampling temperature. Zero leaves the model default.
func (c *OllamaClient) SetTemperature(t float64) { c.temperature = t }

// BaseURL returns the server address the client was built for.
func (c *OllamaClient) BaseURL() string { return c.baseURL }

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream streams a chat request, accumulating the NDJSON chunks into
// one ChatResponse. Tokens and native thinking are forwarded to callback
// as they arrive.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	apiMessages, err := toOllamaMessages(messages)
	if err != nil {
		return nil, fmt.Errorf("ollama: convert messages: %w", err)
	}
	apiTools, err := toOllamaTools(tools)
	if err != nil {
		return nil, fmt.Errorf("ollama: convert tools: %w", err)
	}

	stream := true
	req := &api.ChatRequest{
		Model:    model,
		Messages: apiMessages,
		Tools:    apiTools,
		Stream:   &stream,
	}
	if c.think {
		req.Think = &api.ThinkValue{Value: true}
	}
	if c.temperature != 0 {
		req.Options = map[string]any{"temperature": c.temperature}
	}

	if c.logger.Enabled(ctx, LevelTrace) {
		if payload, err := json.Marshal(req); err == nil {
			c.logger.Log(ctx, LevelTrace, "ollama request", "model", model, "payload", string(payload))
		}
	}

	start := time.Now()
	var (
		content  strings.Builder
		thinking strings.Builder
		result   = &ChatResponse{Model: model}
		chunks   int
	)

	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		chunks++
		if resp.Message.Thinking != "" {
			thinking.WriteString(resp.Message.Thinking)
			if callback != nil {
				callback(StreamEvent{Kind: KindThinking, Token: resp.Message.Thinking})
			}
		}
		if resp.Message.Content != "" {
			content.WriteString(resp.Message.Content)
			if callback != nil {
				callback(StreamEvent{Kind: KindToken, Token: resp.Message.Content})
			}
		}
		for _, tc := range resp.Message.ToolCalls {
			call, convErr := fromOllamaToolCall(tc)
			if convErr != nil {
				c.logger.Warn("dropping undecodable tool call",
					"model", model, "tool", tc.Function.Name, "error", convErr)
				continue
			}
			result.Message.ToolCalls = append(result.Message.ToolCalls, call)
		}
		if resp.Done {
			result.Model = resp.Model
			result.CreatedAt = resp.CreatedAt
			result.Done = true
			result.DoneReason = resp.DoneReason
			result.InputTokens = resp.PromptEvalCount
			result.OutputTokens = resp.EvalCount
			result.TotalDuration = resp.TotalDuration
		}
		return nil
	})
	if err != nil {
		status := ollamaStatus(err)
		c.logger.Debug("ollama chat failed",
			"model", model, "chunks", chunks, "status", status, "error", err)
		return nil, classify("ollama", model, status, err)
	}

	result.Message.Role = "assistant"
	result.Message.Content = content.String()
	result.Message.Thinking = thinking.String()
	if result.TotalDuration == 0 {
		result.TotalDuration = time.Since(start)
	}

	c.logger.Log(ctx, LevelTrace, "ollama response",
		"model", result.Model,
		"content", result.Message.Content,
		"thinking_len", len(result.Message.Thinking),
		"tool_calls", len(result.Message.ToolCalls),
	)

	if callback != nil {
		callback(StreamEvent{Kind: KindDone, Response: result})
	}
	return result, nil
}

// Ping checks that the Ollama server answers its heartbeat.
func (c *OllamaClient) Ping(ctx context.Context) error {
	if err := c.client.Heartbeat(ctx); err != nil {
		return classify("ollama", "", 0, err)
	}
	return nil
}

// ListModels returns the names of locally available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.client.List(ctx)
	if err != nil {
		return nil, classify("ollama", "", 0, err)
	}
	names := make([]string, len(resp.Models))
	for i, m := range resp.Models {
		names[i] = m.Name
	}
	return names, nil
}

// ollamaWireMessage mirrors Ollama's /api/chat message JSON. Messages
// are converted through it because the api package's argument types
// only decode cleanly from JSON.
type ollamaWireMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []ollamaWireCall `json:"tool_calls,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type ollamaWireCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

func toOllamaMessages(messages []Message) ([]api.Message, error) {
	wire := make([]ollamaWireMessage, 0, len(messages))
	for _, m := range messages {
		wm := ollamaWireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolName:   m.ToolName,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			var call ollamaWireCall
			call.ID = tc.ID
			call.Function.Name = tc.Function.Name
			call.Function.Arguments = tc.Function.Arguments
			if call.Function.Arguments == nil {
				call.Function.Arguments = map[string]any{}
			}
			wm.ToolCalls = append(wm.ToolCalls, call)
		}
		wire = append(wire, wm)
	}

	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	var out []api.Message
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toOllamaTools(tools []map[string]any) ([]api.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(tools)
	if err != nil {
		return nil, err
	}
	var out []api.Tool
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromOllamaToolCall(tc api.ToolCall) (ToolCall, error) {
	call := ToolCall{ID: tc.ID}
	call.Function.Name = tc.Function.Name

	raw, err := json.Marshal(tc.Function.Arguments)
	if err != nil {
		return call, err
	}
	args := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return call, err
		}
	}
	call.Function.Arguments = args
	return call, nil
}

// ollamaStatus extracts the HTTP status from an api.StatusError, or
// zero when the server never answered.
func ollamaStatus(err error) int {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	var statusPtr *api.StatusError
	if errors.As(err, &statusPtr) {
		return statusPtr.StatusCode
	}
	return 0
}

var _ Client = (*OllamaClient)(nil)
