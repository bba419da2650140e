package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/httpkit"
)

// OpenAIClient speaks the Responses API of OpenAI or any compatible
// server (vLLM, llama.cpp, LM Studio).
type OpenAIClient struct {
	client  *openai.Client
	baseURL string
	logger  *slog.Logger
}

// NewOpenAIClient creates a Responses API client. baseURL may be empty
// to use the public endpoint. SDK-level retries are disabled; retry
// policy lives in [RetryClient].
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(5*time.Minute),
			httpkit.WithLogger(logger),
		)),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIClient{client: &client, baseURL: baseURL, logger: logger}
}

// Chat sends a request and returns the accumulated response.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream streams a Responses API call. Text deltas become KindToken
// events and reasoning deltas KindThinking events. Function call
// arguments are buffered per output item and decoded once complete.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	params := responses.ResponseNewParams{
		Model: model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: toResponsesInput(messages),
		},
	}
	if converted := toResponsesTools(tools); len(converted) > 0 {
		params.Tools = converted
	}

	start := time.Now()
	stream := c.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		content  strings.Builder
		thinking strings.Builder
		pending  = map[string]*pendingCall{}
		order    []string
		result   = &ChatResponse{Model: model}
		failure  error
	)
	callFor := func(itemID string) *pendingCall {
		pc, ok := pending[itemID]
		if !ok {
			pc = &pendingCall{}
			pending[itemID] = pc
			order = append(order, itemID)
		}
		return pc
	}

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case responses.ResponseTextDeltaEvent:
			content.WriteString(ev.Delta)
			if callback != nil {
				callback(StreamEvent{Kind: KindToken, Token: ev.Delta})
			}
		case responses.ResponseReasoningTextDeltaEvent:
			thinking.WriteString(ev.Delta)
			if callback != nil {
				callback(StreamEvent{Kind: KindThinking, Token: ev.Delta})
			}
		case responses.ResponseReasoningSummaryTextDeltaEvent:
			thinking.WriteString(ev.Delta)
			if callback != nil {
				callback(StreamEvent{Kind: KindThinking, Token: ev.Delta})
			}
		case responses.ResponseOutputItemAddedEvent:
			if ev.Item.Type == "function_call" {
				callFor(ev.Item.ID).merge(ev.Item.CallID, ev.Item.Name)
			}
		case responses.ResponseFunctionCallArgumentsDeltaEvent:
			callFor(ev.ItemID).args.WriteString(ev.Delta)
		case responses.ResponseFunctionCallArgumentsDoneEvent:
			callFor(ev.ItemID).merge("", ev.Name)
		case responses.ResponseOutputItemDoneEvent:
			if ev.Item.Type == "function_call" {
				pc := callFor(ev.Item.ID)
				pc.merge(ev.Item.CallID, ev.Item.Name)
				if pc.args.Len() == 0 && ev.Item.Arguments != "" {
					pc.args.WriteString(ev.Item.Arguments)
				}
			}
		case responses.ResponseCompletedEvent:
			result.Done = true
			result.DoneReason = "stop"
			if ev.Response.Model != "" {
				result.Model = string(ev.Response.Model)
			}
			result.InputTokens = int(ev.Response.Usage.InputTokens)
			result.OutputTokens = int(ev.Response.Usage.OutputTokens)
		case responses.ResponseIncompleteEvent:
			result.Done = true
			result.DoneReason = "length"
		case responses.ResponseFailedEvent:
			failure = fmt.Errorf("response failed: %s", ev.Response.Error.Message)
		case responses.ResponseErrorEvent:
			failure = fmt.Errorf("stream error %s: %s", ev.Code, ev.Message)
		}
	}

	if err := stream.Err(); err != nil {
		var apiErr *openai.Error
		status := 0
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, classify("openai", model, status, err)
	}
	if failure != nil {
		return nil, classify("openai", model, 0, failure)
	}

	result.Message.Role = "assistant"
	result.Message.Content = content.String()
	result.Message.Thinking = thinking.String()
	for _, id := range order {
		pc := pending[id]
		if pc.name == "" {
			continue
		}
		call := ToolCall{ID: pc.callID}
		call.Function.Name = pc.name
		call.Function.Arguments = map[string]any{}
		if raw := strings.TrimSpace(pc.args.String()); raw != "" {
			if err := json.Unmarshal([]byte(raw), &call.Function.Arguments); err != nil {
				c.logger.Warn("tool call arguments are not valid JSON",
					"model", model, "tool", pc.name, "error", err)
				call.Function.Arguments = map[string]any{}
			}
		}
		result.Message.ToolCalls = append(result.Message.ToolCalls, call)
	}
	result.TotalDuration = time.Since(start)

	c.logger.Log(ctx, LevelTrace, "openai response",
		"model", result.Model,
		"content", result.Message.Content,
		"tool_calls", len(result.Message.ToolCalls),
	)

	if callback != nil {
		callback(StreamEvent{Kind: KindDone, Response: result})
	}
	return result, nil
}

// Ping lists models, which every compatible server implements.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		var apiErr *openai.Error
		status := 0
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return classify("openai", "", status, err)
	}
	return nil
}

type pendingCall struct {
	callID string
	name   string
	args   strings.Builder
}

func (p *pendingCall) merge(callID, name string) {
	if callID != "" {
		p.callID = callID
	}
	if name != "" {
		p.name = name
	}
}

func toResponsesInput(messages []Message) []responses.ResponseInputItemUnionParam {
	items := make([]responses.ResponseInputItemUnionParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleSystem))
		case "user":
			items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleUser))
		case "assistant":
			if m.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleAssistant))
			}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Function.Arguments)
				if err != nil || tc.Function.Arguments == nil {
					args = []byte("{}")
				}
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(string(args), tc.ID, tc.Function.Name))
			}
		case "tool":
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(m.ToolCallID, m.Content))
		}
	}
	return items
}

func toResponsesTools(tools []map[string]any) []responses.ToolUnionParam {
	out := make([]responses.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		params, _ := fn["parameters"].(map[string]any)
		out = append(out, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        name,
				Description: openai.String(desc),
				Parameters:  params,
			},
		})
	}
	return out
}

var _ Client = (*OpenAIClient)(nil)
