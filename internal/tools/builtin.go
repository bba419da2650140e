package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/fetch"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/session"
)

// Builtins holds what the built-in tools need. A nil Sessions or
// Fetcher leaves the corresponding tool unregistered.
type Builtins struct {
	Sessions *session.Store
	Fetcher  *fetch.Fetcher
	Now      func() time.Time

	// Disabled names built-in tools to skip.
	Disabled []string
}

// RegisterBuiltins registers get_current_time, calculate, and, when
// their dependencies are set, search_memory and web_fetch.
func RegisterBuiltins(r *Registry, b Builtins) error {
	now := b.Now
	if now == nil {
		now = time.Now
	}
	skip := make(map[string]bool, len(b.Disabled))
	for _, name := range b.Disabled {
		skip[name] = true
	}

	specs := []*Spec{
		{
			Name:        "get_current_time",
			Description: "Get the current local date and time.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: func(context.Context, map[string]any) (string, error) {
				return now().Format("Monday, 2006-01-02 15:04:05 MST"), nil
			},
		},
		{
			Name:        "calculate",
			Description: "Evaluate an arithmetic expression such as \"2 + 2\", \"15 * 7\" or \"sqrt(2) ^ 2\". Supports + - * / % ^, parentheses, pi, e, and sqrt, abs, floor, ceil, round, log, pow, min, max.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expression": map[string]any{
						"type":        "string",
						"description": "The expression to evaluate.",
					},
				},
				"required": []string{"expression"},
			},
			Handler: handleCalculate,
		},
	}

	if b.Sessions != nil {
		specs = append(specs, &Spec{
			Name:        "search_memory",
			Description: "Search earlier messages in this conversation for a word or phrase.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Text to look for (case-insensitive).",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of matches (default 5).",
					},
				},
				"required": []string{"query"},
			},
			Handler: searchMemory(b.Sessions),
		})
	}

	if b.Fetcher != nil {
		specs = append(specs, &Spec{
			Name:        "web_fetch",
			Description: "Fetch a web page and return its readable text.",
			Parameters:  fetch.Parameters(),
			Handler:     fetch.Handler(b.Fetcher),
		})
	}

	for _, s := range specs {
		if skip[s.Name] {
			continue
		}
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func handleCalculate(_ context.Context, args map[string]any) (string, error) {
	expr, _ := args["expression"].(string)
	v, err := Evaluate(expr)
	if err != nil {
		return "", fmt.Errorf("cannot calculate %q: %w", expr, err)
	}
	return fmt.Sprintf("%s = %s", strings.TrimSpace(expr), FormatNumber(v)), nil
}

func searchMemory(store *session.Store) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		id := SessionIDFromContext(ctx)
		if id == "" {
			return "", fmt.Errorf("no session in context")
		}
		query, _ := args["query"].(string)
		if strings.TrimSpace(query) == "" {
			return "", fmt.Errorf("query is required")
		}
		limit := 5
		if l, ok := args["limit"].(float64); ok && l > 0 {
			limit = int(l)
		}

		matches, err := store.Search(id, query, limit)
		if err != nil {
			return "", err
		}
		if len(matches) == 0 {
			return fmt.Sprintf("No earlier messages mention %q.", query), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Found %d message(s) mentioning %q:\n", len(matches), query)
		for _, m := range matches {
			fmt.Fprintf(&sb, "- [#%d %s] %s\n", m.Seq, m.Role, oneLine(m.Content, 200))
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	}
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > max {
		return string(r[:max]) + "…"
	}
	return s
}
