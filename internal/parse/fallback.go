package parse

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/llm"
)

// Delimiter is an opening and closing marker pair such as <think> and
// </think>. Matching is case-insensitive and spans lines.
type Delimiter struct {
	Open  string
	Close string
}

// DefaultReasoningDelimiters are the reasoning blocks local models emit
// most often.
var DefaultReasoningDelimiters = []Delimiter{
	{Open: "<think>", Close: "</think>"},
	{Open: "<thinking>", Close: "</thinking>"},
	{Open: "<reasoning>", Close: "</reasoning>"},
}

// DefaultAnswerDelimiter narrows the answer when the model wraps it.
var DefaultAnswerDelimiter = Delimiter{Open: "<answer>", Close: "</answer>"}

// controlToken matches Harmony-style special tokens left in plain text.
var controlToken = regexp.MustCompile(`<\|[a-z_]+\|>`)

type delimiterPatterns struct {
	block *regexp.Regexp // open ... close
	open  *regexp.Regexp // open ... end of text
	close *regexp.Regexp // start of text ... close
}

func compileDelimiter(d Delimiter) (delimiterPatterns, error) {
	if d.Open == "" || d.Close == "" {
		return delimiterPatterns{}, fmt.Errorf("delimiter %q/%q: open and close must both be set", d.Open, d.Close)
	}
	o, c := regexp.QuoteMeta(d.Open), regexp.QuoteMeta(d.Close)
	return delimiterPatterns{
		block: regexp.MustCompile(`(?is)` + o + `(.*?)` + c),
		open:  regexp.MustCompile(`(?is)` + o + `(.*)$`),
		close: regexp.MustCompile(`(?is)^(.*?)` + c),
	}, nil
}

// Fallback extracts reasoning and answer by pattern. It never fails:
// text it cannot split becomes the answer. Tool calls come only from
// the backend's native tool-call field.
type Fallback struct {
	reasoning []delimiterPatterns
	answer    *delimiterPatterns
}

// NewFallback compiles the delimiter patterns. An empty reasoning list
// selects DefaultReasoningDelimiters. A zero answer delimiter disables
// answer narrowing.
func NewFallback(reasoning []Delimiter, answer Delimiter) (*Fallback, error) {
	if len(reasoning) == 0 {
		reasoning = DefaultReasoningDelimiters
	}
	f := &Fallback{}
	for _, d := range reasoning {
		p, err := compileDelimiter(d)
		if err != nil {
			return nil, err
		}
		f.reasoning = append(f.reasoning, p)
	}
	if answer != (Delimiter{}) {
		p, err := compileDelimiter(answer)
		if err != nil {
			return nil, fmt.Errorf("answer %w", err)
		}
		f.answer = &p
	}
	return f, nil
}

// Parse implements Parser. The error is always nil.
func (f *Fallback) Parse(resp *llm.ChatResponse) (*Result, error) {
	text := resp.Message.Content
	var blocks []string

	for _, p := range f.reasoning {
		for _, m := range p.block.FindAllStringSubmatch(text, -1) {
			if s := strings.TrimSpace(m[1]); s != "" {
				blocks = append(blocks, s)
			}
		}
		text = p.block.ReplaceAllString(text, "")
	}

	// Unbalanced markers: a close without an open means the prompt
	// already opened the block; an open without a close means the
	// output was cut short.
	for _, p := range f.reasoning {
		if m := p.close.FindStringSubmatchIndex(text); m != nil {
			if s := strings.TrimSpace(text[m[2]:m[3]]); s != "" {
				blocks = append(blocks, s)
			}
			text = text[m[1]:]
		}
		if m := p.open.FindStringSubmatchIndex(text); m != nil {
			if s := strings.TrimSpace(text[m[2]:m[3]]); s != "" {
				blocks = append(blocks, s)
			}
			text = text[:m[0]]
		}
	}

	if f.answer != nil {
		if m := f.answer.block.FindStringSubmatch(text); m != nil {
			text = m[1]
		} else if m := f.answer.open.FindStringSubmatch(text); m != nil {
			text = m[1]
		}
	}
	text = controlToken.ReplaceAllString(text, "")

	res := &Result{
		Answer:    strings.TrimSpace(text),
		ToolCalls: nativeCalls(resp, 0),
		Mode:      ModeFallback,
		Raw:       resp.Message.Content,
	}
	if native := strings.TrimSpace(resp.Message.Thinking); native != "" {
		res.Reasoning = native
	} else {
		res.Reasoning = strings.Join(blocks, "\n\n")
	}
	return res, nil
}
