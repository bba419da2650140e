package parse

import (
	"strings"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/llm"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/tools"
)

// Harmony special tokens.
const (
	tokStart     = "<|start|>"
	tokChannel   = "<|channel|>"
	tokMessage   = "<|message|>"
	tokConstrain = "<|constrain|>"
	tokEnd       = "<|end|>"
	tokCall      = "<|call|>"
	tokReturn    = "<|return|>"
)

// HasHarmonyMarkers reports whether s contains Harmony channel markup.
func HasHarmonyMarkers(s string) bool {
	return strings.Contains(s, tokChannel) || strings.Contains(s, tokMessage)
}

// Harmony parses OpenAI Harmony channel markup:
//
//	<|start|>assistant<|channel|>analysis<|message|>...<|end|>
//	<|start|>assistant<|channel|>commentary to=functions.NAME <|constrain|>json<|message|>{...}<|call|>
//	<|start|>assistant<|channel|>final<|message|>...<|return|>
//
// The leading <|start|>assistant may be missing on the first message.
// analysis and recipient-less commentary become reasoning, final becomes
// the answer, and messages addressed to functions.NAME become tool
// calls. Parsing stops at <|return|>.
//
// In strict mode any deviation is a *HarmonyParseError. Lenient mode
// accepts a message cut off at end of input or by the next message
// start, skips unknown channels and recipients, and drops tool calls
// whose arguments are not valid JSON. A malformed first header is an
// error in both modes, so prose that only mentions a token is left to
// the fallback parser.
type Harmony struct {
	Lenient bool
}

type harmonyHeader struct {
	role      string
	channel   string
	recipient string
}

// Parse implements Parser.
func (h Harmony) Parse(resp *llm.ChatResponse) (*Result, error) {
	text := resp.Message.Content
	if !HasHarmonyMarkers(text) {
		return nil, &HarmonyParseError{Offset: 0, Reason: "no harmony markers"}
	}

	mode := ModeHarmony
	if h.Lenient {
		mode = ModeHarmonyLenient
	}
	res := &Result{Mode: mode, Raw: text}

	var reasoning, answer []string
	pos := 0
	first := skipSpace(text, 0)
	for {
		pos = skipSpace(text, pos)
		if pos >= len(text) {
			break
		}
		msgStart := pos
		if strings.HasPrefix(text[pos:], tokStart) {
			pos += len(tokStart)
		}

		mi := strings.Index(text[pos:], tokMessage)
		if mi < 0 {
			if h.Lenient {
				break
			}
			return nil, &HarmonyParseError{Offset: msgStart, Reason: "header without <|message|>"}
		}
		hdr, reason := parseHeader(text[pos : pos+mi])
		if reason != "" && (!h.Lenient || msgStart == first) {
			return nil, &HarmonyParseError{Offset: msgStart, Reason: reason}
		}
		bodyStart := pos + mi + len(tokMessage)

		body, term, next := h.body(text, bodyStart)
		if term == "" && !h.Lenient {
			return nil, &HarmonyParseError{Offset: bodyStart, Reason: "unterminated message"}
		}
		pos = next

		switch {
		case hdr.recipient != "":
			name, ok := strings.CutPrefix(hdr.recipient, "functions.")
			if !ok || name == "" {
				if h.Lenient {
					continue
				}
				return nil, &HarmonyParseError{Offset: msgStart, Reason: "unsupported recipient " + hdr.recipient}
			}
			args := map[string]any{}
			if raw := strings.TrimSpace(body); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					if h.Lenient {
						continue
					}
					return nil, &HarmonyParseError{Offset: bodyStart, Reason: "invalid arguments for " + name + ": " + err.Error()}
				}
			}
			res.ToolCalls = append(res.ToolCalls, tools.Call{
				ID:        callID("", len(res.ToolCalls), name, args),
				Name:      name,
				Arguments: args,
			})
		case hdr.channel == "analysis", hdr.channel == "commentary":
			if s := strings.TrimSpace(body); s != "" {
				reasoning = append(reasoning, s)
			}
		case hdr.channel == "final":
			if s := strings.TrimSpace(body); s != "" {
				answer = append(answer, s)
			}
		default:
			if !h.Lenient {
				return nil, &HarmonyParseError{Offset: msgStart, Reason: "unknown channel " + hdr.channel}
			}
		}

		if term == tokReturn {
			break
		}
	}

	res.Reasoning = strings.Join(reasoning, "\n\n")
	if res.Reasoning == "" {
		res.Reasoning = strings.TrimSpace(resp.Message.Thinking)
	}
	res.Answer = strings.Join(answer, "\n\n")
	res.ToolCalls = append(res.ToolCalls, nativeCalls(resp, len(res.ToolCalls))...)
	return res, nil
}

// body returns the message text starting at start, the terminator that
// ended it ("" if none), and the offset just past the terminator.
// Lenient parsing also ends a body at the next <|start|> or at end of
// input.
func (h Harmony) body(text string, start int) (string, string, int) {
	rest := text[start:]
	best, term := -1, ""
	for _, t := range []string{tokEnd, tokCall, tokReturn} {
		if i := strings.Index(rest, t); i >= 0 && (best < 0 || i < best) {
			best, term = i, t
		}
	}
	nextStart := strings.Index(rest, tokStart)

	if best >= 0 && (nextStart < 0 || best < nextStart) {
		return rest[:best], term, start + best + len(term)
	}
	if !h.Lenient {
		return "", "", len(text)
	}
	if nextStart >= 0 {
		return rest[:nextStart], "", start + nextStart
	}
	return rest, "", len(text)
}

// parseHeader reads the text between <|start|> and <|message|>, e.g.
// "assistant<|channel|>commentary to=functions.calc <|constrain|>json".
// The recipient may also sit in the role part:
// "assistant to=functions.calc<|channel|>commentary json".
// A non-empty reason describes a malformed header.
func parseHeader(s string) (harmonyHeader, string) {
	var h harmonyHeader
	rolePart, chanPart, hasChannel := strings.Cut(s, tokChannel)

	for _, f := range strings.Fields(rolePart) {
		if r, ok := strings.CutPrefix(f, "to="); ok {
			h.recipient = r
			continue
		}
		if h.role != "" {
			return h, "unexpected text in header: " + strings.TrimSpace(rolePart)
		}
		h.role = f
	}
	if h.role != "" && h.role != "assistant" {
		return h, "unexpected role " + h.role
	}
	if !hasChannel {
		return h, "missing channel"
	}

	chanPart = strings.ReplaceAll(chanPart, tokConstrain, " ")
	fields := strings.Fields(chanPart)
	if len(fields) == 0 {
		return h, "empty channel"
	}
	h.channel = fields[0]
	for _, f := range fields[1:] {
		if r, ok := strings.CutPrefix(f, "to="); ok {
			h.recipient = r
		}
		// Content-type hints such as "json" carry no meaning here.
	}
	return h, ""
}

func skipSpace(s string, pos int) int {
	for pos < len(s) {
		switch s[pos] {
		case ' ', '\t', '\n', '\r':
			pos++
		default:
			return pos
		}
	}
	return pos
}
