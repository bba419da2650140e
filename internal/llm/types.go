package llm

import "time"

// Message is a chat message in provider-neutral form.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	Thinking   string     `json:"thinking,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool results
	ToolName   string     `json:"tool_name,omitempty"`    // set on tool results
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call ID, when the provider sends one.
	ID       string           `json:"id,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction names the function and carries decoded arguments.
type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at the provider boundary (ollama.go, openai.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	// Message.Content is the raw assistant text, untouched. Reasoning
	// markup (Harmony channels, <think> blocks) is left for the parser.
	Message    Message
	Done       bool
	DoneReason string

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
}

// StreamEvent is a single incremental update during a streaming call.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken and KindThinking events.
	Token string

	// ToolCall is set for KindToolCallStart.
	ToolCall *ToolCall

	// ToolName, ToolResult and ToolError are set for KindToolCallDone.
	ToolName   string
	ToolResult string
	ToolError  string

	// Response is set for KindDone.
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental answer token.
	KindToken StreamEventKind = iota
	// KindThinking is an incremental reasoning token reported natively
	// by the backend.
	KindThinking
	// KindToolCallStart fires when a requested tool begins executing.
	KindToolCallStart
	// KindToolCallDone fires when a tool execution completes.
	KindToolCallDone
	// KindDone carries the final response metadata.
	KindDone
)

// StreamCallback receives streaming events. It is called from the
// goroutine running the request and must not block for long.
type StreamCallback func(event StreamEvent)
