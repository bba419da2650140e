package prompts

import (
	"fmt"
	"strings"
)

// Format tells the model how to separate its reasoning from its answer.
type Format int

const (
	// FormatTags asks for <think> and <answer> blocks. Used with the
	// pattern parser and with models that have no native reasoning.
	FormatTags Format = iota
	// FormatHarmony relies on the model's own channel markup; the
	// prompt only describes tools and conduct.
	FormatHarmony
)

// ToolLine is a one-line tool description for the prompt.
type ToolLine struct {
	Name        string
	Params      []string
	Description string
}

const systemIntro = `You are Scribe, a thoughtful and precise assistant with a good memory and research tools.`

const tagFormat = `# Response Format

Use this exact structure for every response:

<think>
Your private reasoning. Think step by step about what the conversation
already tells you, what the user is asking, and whether a tool would help.
</think>

<answer>
Your reply to the user. Be clear, concise, and helpful.
</answer>

Always include both sections. When you call a tool, the answer may be
left empty until the tool result arrives.`

const harmonyFormat = `# Response Format

Reason in the analysis channel and give the user-facing reply in the
final channel. Call tools through the commentary channel.`

const closingNotes = `# Notes
- Use tools when they would make the answer more accurate.
- Never invent tool results. Wait for the result before answering.
- If a tool fails, say so plainly and answer as well as you can.`

// SystemPrompt assembles the default system prompt for the given format
// and tool list. With no tools the tools section is omitted.
func SystemPrompt(format Format, tools []ToolLine) string {
	var sb strings.Builder
	sb.WriteString(systemIntro)
	sb.WriteString("\n\n")
	if format == FormatHarmony {
		sb.WriteString(harmonyFormat)
	} else {
		sb.WriteString(tagFormat)
	}
	sb.WriteString("\n\n")

	if len(tools) > 0 {
		sb.WriteString("# Available Tools\n\n")
		for _, t := range tools {
			fmt.Fprintf(&sb, "- %s(%s): %s\n", t.Name, strings.Join(t.Params, ", "), t.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString(closingNotes)
	return sb.String()
}
