// Package parse splits raw model output into reasoning, a final answer,
// and tool calls. Parsers are pure: the same response always yields the
// same Result.
package parse

import (
	"fmt"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/llm"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/tools"
)

// json sorts map keys, which keeps derived call ids stable.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Mode names the strategy that produced a Result.
type Mode string

const (
	ModeHarmony        Mode = "harmony"
	ModeHarmonyLenient Mode = "harmony_lenient"
	ModeFallback       Mode = "fallback"
)

// Result is a parsed model response. Normally exactly one of Answer and
// ToolCalls is set. Both empty means the model produced nothing usable;
// both set means the answer should wait until the tools have run.
type Result struct {
	Reasoning string
	Answer    string
	ToolCalls []tools.Call
	Mode      Mode
	Raw       string
}

// Empty reports whether the result has neither an answer nor tool calls.
func (r *Result) Empty() bool {
	return r.Answer == "" && len(r.ToolCalls) == 0
}

// Parser turns a model response into a Result.
type Parser interface {
	Parse(resp *llm.ChatResponse) (*Result, error)
}

// HarmonyParseError reports Harmony markup that does not follow the
// grammar. Offset is the byte position in the raw content.
type HarmonyParseError struct {
	Offset int
	Reason string
}

// Error implements the error interface.
func (e *HarmonyParseError) Error() string {
	return fmt.Sprintf("harmony parse error at offset %d: %s", e.Offset, e.Reason)
}

// callIDSpace namespaces derived tool call ids.
var callIDSpace = uuid.MustParse("6f1c2b1e-7c1e-4f7a-9a55-3b1d8f0e2c41")

// callID returns id when the backend supplied one. Otherwise it derives
// a stable id from the call's position, name and arguments.
func callID(id string, index int, name string, args map[string]any) string {
	if id != "" {
		return id
	}
	canon, err := json.Marshal(args)
	if err != nil {
		canon = []byte(fmt.Sprint(args))
	}
	key := fmt.Sprintf("%d\x00%s\x00%s", index, name, canon)
	return "call_" + uuid.NewSHA1(callIDSpace, []byte(key)).String()[:18]
}

// nativeCalls converts the backend's structured tool calls, numbering
// them after the first offset calls already found.
func nativeCalls(resp *llm.ChatResponse, offset int) []tools.Call {
	if len(resp.Message.ToolCalls) == 0 {
		return nil
	}
	out := make([]tools.Call, 0, len(resp.Message.ToolCalls))
	for i, tc := range resp.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, tools.Call{
			ID:        callID(tc.ID, offset+i, tc.Function.Name, args),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out
}
