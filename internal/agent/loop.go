// Package agent implements the turn loop: it sends a session's history
// to the model, parses the completion, runs any requested tools, and
// repeats until the model gives a final answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/events"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/llm"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/parse"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/session"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/tools"
)

// Defaults applied by NewLoop to zero Config fields.
const (
	DefaultMaxToolIterations = 5
	DefaultTurnTimeout       = 2 * time.Minute
)

// Config bounds a turn.
type Config struct {
	Model string
	// MaxToolIterations is the number of tool round-trips allowed per
	// turn.
	MaxToolIterations int
	// TurnTimeout covers the session lock, every model call, and every
	// tool call of one turn. Negative disables it.
	TurnTimeout  time.Duration
	SystemPrompt string
}

// ToolCallRecord describes one tool execution within a turn.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// TurnResult is the outcome of a successful turn.
type TurnResult struct {
	SessionID    string           `json:"session_id"`
	RequestID    string           `json:"request_id"`
	Answer       string           `json:"answer"`
	Reasoning    string           `json:"reasoning,omitempty"`
	ToolCalls    []ToolCallRecord `json:"tool_calls,omitempty"`
	Iterations   int              `json:"iterations"`
	Model        string           `json:"model"`
	ParseMode    parse.Mode       `json:"parse_mode"`
	InputTokens  int              `json:"input_tokens"`
	OutputTokens int              `json:"output_tokens"`
	Elapsed      time.Duration    `json:"elapsed"`
}

// Option configures a Loop.
type Option func(*Loop)

// WithEvents publishes turn lifecycle events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(l *Loop) { l.events = bus }
}

// Loop answers user turns. It is safe for concurrent use; turns on the
// same session run one at a time.
type Loop struct {
	logger   *slog.Logger
	sessions *session.Store
	llm      llm.Client
	parser   parse.Parser
	tools    *tools.Registry
	events   *events.Bus
	tracer   trace.Tracer

	model        string
	maxIter      int
	timeout      time.Duration
	systemPrompt string
}

// NewLoop creates a loop. A nil registry means no tools are offered.
func NewLoop(logger *slog.Logger, sessions *session.Store, client llm.Client, parser parse.Parser, registry *tools.Registry, cfg Config, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = tools.NewRegistry(logger)
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.TurnTimeout == 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	initMetrics()

	l := &Loop{
		logger:       logger,
		sessions:     sessions,
		llm:          client,
		parser:       parser,
		tools:        registry,
		tracer:       otel.Tracer(instrumentationName),
		model:        cfg.Model,
		maxIter:      cfg.MaxToolIterations,
		timeout:      cfg.TurnTimeout,
		systemPrompt: cfg.SystemPrompt,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Model returns the model the loop asks for.
func (l *Loop) Model() string { return l.model }

// HandleTurn answers userText in session sessionID, creating the session
// on first use. An empty sessionID starts a new session.
func (l *Loop) HandleTurn(ctx context.Context, sessionID, userText string) (*TurnResult, error) {
	return l.HandleTurnStream(ctx, sessionID, userText, nil)
}

// HandleTurnStream is HandleTurn with incremental delivery of model
// tokens and tool progress. stream may be nil.
func (l *Loop) HandleTurnStream(ctx context.Context, sessionID, userText string, stream llm.StreamCallback) (*TurnResult, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	requestID := generateRequestID()
	start := time.Now()

	ctx = tools.WithRequestID(tools.WithSessionID(ctx, sessionID), requestID)
	ctx, span := l.tracer.Start(ctx, "agent.HandleTurn", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("request.id", requestID),
		attribute.String("llm.model", l.model),
	))
	defer span.End()

	log := l.logger.With("request_id", requestID, "session", sessionID)
	log.Info("turn started", "input_len", len(userText))
	l.events.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"request_id": requestID,
		"session_id": sessionID,
	})
	turnCounter.Add(ctx, 1)

	res, err := l.runTurn(ctx, log, sessionID, userText, stream)
	elapsed := time.Since(start)
	turnLatencyMs.Record(ctx, float64(elapsed.Microseconds())/1000)

	if err != nil {
		kind := ErrorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		turnErrorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("error.kind", kind)))
		log.Warn("turn failed", "error", err, "kind", kind, "elapsed", elapsed)
		l.events.Emit(events.SourceAgent, events.KindTurnFailed, map[string]any{
			"request_id": requestID,
			"session_id": sessionID,
			"error":      err.Error(),
			"error_kind": kind,
		})
		return nil, err
	}

	res.SessionID = sessionID
	res.RequestID = requestID
	res.Elapsed = elapsed
	span.SetAttributes(
		attribute.Int("agent.iterations", res.Iterations),
		attribute.Int("llm.tokens.input", res.InputTokens),
		attribute.Int("llm.tokens.output", res.OutputTokens),
	)
	log.Info("turn complete",
		"iterations", res.Iterations,
		"tool_calls", len(res.ToolCalls),
		"parse_mode", res.ParseMode,
		"tokens_in", res.InputTokens,
		"tokens_out", res.OutputTokens,
		"elapsed", elapsed,
	)
	l.events.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"request_id": requestID,
		"session_id": sessionID,
		"iterations": res.Iterations,
		"tokens_in":  res.InputTokens,
		"tokens_out": res.OutputTokens,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return res, nil
}

func (l *Loop) runTurn(ctx context.Context, log *slog.Logger, sessionID, userText string, stream llm.StreamCallback) (*TurnResult, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, ErrEmptyInput
	}

	turnCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	l.sessions.GetOrCreate(sessionID)
	unlock, err := l.sessions.Lock(turnCtx, sessionID)
	if err != nil {
		if ierr := l.interrupted(ctx, turnCtx, "session lock", err); ierr != nil {
			return nil, ierr
		}
		return nil, err
	}
	defer unlock()

	if _, err := l.sessions.Append(sessionID, session.Message{Role: session.RoleUser, Content: userText}); err != nil {
		return nil, err
	}

	defs := l.tools.Definitions()
	res := &TurnResult{Model: l.model}
	var (
		reasoning []string
		deferred  string
	)

	for iter := 0; ; iter++ {
		res.Iterations = iter + 1

		history, err := l.sessions.History(sessionID)
		if err != nil {
			return nil, err
		}
		msgs := l.buildMessages(history)

		requestID := tools.RequestIDFromContext(ctx)
		l.events.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"request_id": requestID,
			"iter":       iter,
			"model":      l.model,
		})
		log.Debug("calling model", "iter", iter, "messages", len(msgs), "tools", len(defs))

		llmStart := time.Now()
		llmCtx, llmSpan := l.tracer.Start(turnCtx, "agent.llm.Chat", trace.WithAttributes(
			attribute.String("llm.model", l.model),
			attribute.Int("agent.iteration", iter),
			attribute.Int("llm.messages", len(msgs)),
		))
		resp, err := l.llm.ChatStream(llmCtx, l.model, msgs, defs, tokenForwarder(stream))
		llmSpan.End()
		llmLatencyMs.Record(ctx, float64(time.Since(llmStart).Microseconds())/1000)
		if err != nil {
			if ierr := l.interrupted(ctx, turnCtx, "model", err); ierr != nil {
				return nil, ierr
			}
			if llm.IsUnavailable(err) {
				return nil, err
			}
			return nil, fmt.Errorf("model call: %w", err)
		}
		if resp.Model != "" {
			res.Model = resp.Model
		}
		res.InputTokens += resp.InputTokens
		res.OutputTokens += resp.OutputTokens
		tokenCounter.Add(ctx, int64(resp.InputTokens), metric.WithAttributes(attribute.String("direction", "input")))
		tokenCounter.Add(ctx, int64(resp.OutputTokens), metric.WithAttributes(attribute.String("direction", "output")))

		parsed, err := l.parser.Parse(resp)
		if err != nil {
			return nil, fmt.Errorf("parse model output: %w", err)
		}
		res.ParseMode = parsed.Mode
		if parsed.Reasoning != "" {
			reasoning = append(reasoning, parsed.Reasoning)
		}
		l.events.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"request_id": requestID,
			"iter":       iter,
			"model":      res.Model,
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
			"tool_calls": len(parsed.ToolCalls),
			"parse_mode": string(parsed.Mode),
		})
		log.Log(ctx, llm.LevelTrace, "model output", "iter", iter, "raw", parsed.Raw)

		if len(parsed.ToolCalls) == 0 {
			answer := parsed.Answer
			if answer == "" {
				answer = deferred
			}
			if answer == "" {
				l.appendDiagnostic(log, sessionID, parsed.Raw)
				return nil, &EmptyResponseError{Iteration: iter, Raw: parsed.Raw}
			}
			if _, err := l.sessions.Append(sessionID, session.Message{
				Role:    session.RoleAssistant,
				Kind:    session.KindAnswer,
				Content: answer,
			}); err != nil {
				return nil, err
			}
			res.Answer = answer
			res.Reasoning = strings.Join(reasoning, "\n\n")
			return res, nil
		}

		if iter >= l.maxIter {
			l.appendDiagnostic(log, sessionID, parsed.Raw)
			return nil, &ToolLoopLimitError{Limit: l.maxIter, Calls: len(res.ToolCalls)}
		}
		if parsed.Answer != "" {
			deferred = parsed.Answer
		}

		if _, err := l.sessions.Append(sessionID, session.Message{
			Role:      session.RoleAssistant,
			Kind:      session.KindToolCall,
			Content:   parsed.Answer,
			ToolCalls: sessionCalls(parsed.ToolCalls),
		}); err != nil {
			return nil, err
		}

		for _, call := range parsed.ToolCalls {
			rec, err := l.runTool(ctx, turnCtx, log, call, stream)
			if err != nil {
				return nil, err
			}
			res.ToolCalls = append(res.ToolCalls, rec)

			content := rec.Result
			if rec.Error != "" {
				content = "Error: " + rec.Error
			}
			if _, err := l.sessions.Append(sessionID, session.Message{
				Role:       session.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			}); err != nil {
				return nil, err
			}
		}
	}
}

// runTool executes one call. Tool failures are returned inside the
// record; the error is non-nil only when the turn itself was
// interrupted.
func (l *Loop) runTool(ctx, turnCtx context.Context, log *slog.Logger, call tools.Call, stream llm.StreamCallback) (ToolCallRecord, error) {
	requestID := tools.RequestIDFromContext(ctx)
	rec := ToolCallRecord{ID: call.ID, Name: call.Name, Arguments: call.Arguments}

	l.events.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"request_id": requestID,
		"tool":       call.Name,
		"call_id":    call.ID,
	})
	if stream != nil {
		stream(llm.StreamEvent{
			Kind: llm.KindToolCallStart,
			ToolCall: &llm.ToolCall{
				ID:       call.ID,
				Function: llm.ToolCallFunction{Name: call.Name, Arguments: call.Arguments},
			},
		})
	}

	start := time.Now()
	toolCtx, span := l.tracer.Start(turnCtx, "agent.tool.Execute", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	out, err := l.tools.Execute(toolCtx, call)
	span.End()
	rec.Duration = time.Since(start)
	toolLatencyMs.Record(ctx, float64(rec.Duration.Microseconds())/1000, metric.WithAttributes(attribute.String("tool.name", call.Name)))

	if ierr := l.interrupted(ctx, turnCtx, "tool "+call.Name, err); ierr != nil {
		return rec, ierr
	}

	ok := err == nil
	toolCallCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.Bool("ok", ok),
	))
	if ok {
		rec.Result = out
		log.Debug("tool succeeded", "tool", call.Name, "call_id", call.ID, "elapsed", rec.Duration)
	} else {
		rec.Error = err.Error()
		log.Warn("tool failed", "tool", call.Name, "call_id", call.ID, "error", err)
	}

	l.events.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"request_id":  requestID,
		"tool":        call.Name,
		"call_id":     call.ID,
		"ok":          ok,
		"duration_ms": rec.Duration.Milliseconds(),
	})
	if stream != nil {
		stream(llm.StreamEvent{
			Kind:       llm.KindToolCallDone,
			ToolName:   call.Name,
			ToolResult: rec.Result,
			ToolError:  rec.Error,
		})
	}
	return rec, nil
}

// interrupted maps cancellation of the caller's ctx or expiry of the
// turn deadline to the error the turn should fail with. It returns nil
// when neither happened. A deadline on the caller's ctx counts as a
// timeout, not a cancellation.
func (l *Loop) interrupted(ctx, turnCtx context.Context, stage string, cause error) error {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Stage: stage, Err: err}
	case err != nil:
		return fmt.Errorf("turn canceled during %s: %w", stage, err)
	}
	if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
		if cause == nil {
			cause = turnCtx.Err()
		}
		return &TimeoutError{Timeout: l.timeout, Stage: stage, Err: cause}
	}
	return nil
}

func (l *Loop) appendDiagnostic(log *slog.Logger, sessionID, raw string) {
	if _, err := l.sessions.Append(sessionID, session.Message{
		Role:    session.RoleAssistant,
		Kind:    session.KindDiagnostic,
		Content: raw,
	}); err != nil {
		log.Error("failed to record diagnostic", "error", err)
	}
}

// buildMessages converts a session transcript into model messages,
// prefixed by the system prompt. Diagnostic entries are left out.
func (l *Loop) buildMessages(history []session.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	if l.systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: l.systemPrompt})
	}
	for _, m := range history {
		if m.Kind == session.KindDiagnostic {
			continue
		}
		out := llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		}
		for _, tc := range m.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:       tc.ID,
				Function: llm.ToolCallFunction{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		msgs = append(msgs, out)
	}
	return msgs
}

func sessionCalls(calls []tools.Call) []session.ToolCall {
	out := make([]session.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = session.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

// tokenForwarder passes model token events through to the caller's
// stream. Tool events are produced by the loop itself.
func tokenForwarder(stream llm.StreamCallback) llm.StreamCallback {
	if stream == nil {
		return nil
	}
	return func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken, llm.KindThinking:
			stream(ev)
		}
	}
}

// generateRequestID returns a short id for correlating log lines of one
// turn: "r_" followed by 8 hex characters.
func generateRequestID() string {
	id := uuid.New()
	return "r_" + strings.ReplaceAll(id.String(), "-", "")[:8]
}
