package fetch

import (
	"context"
	"fmt"
)

// Handler adapts f to the tool handler signature. Arguments: url
// (required) and max_chars (optional).
func Handler(f *Fetcher) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		u, _ := args["url"].(string)
		if u == "" {
			return "", fmt.Errorf("url is required")
		}
		maxChars := 0
		switch v := args["max_chars"].(type) {
		case float64:
			maxChars = int(v)
		case int:
			maxChars = v
		}
		res, err := f.Fetch(ctx, u, maxChars)
		if err != nil {
			return "", err
		}
		return res.Text(), nil
	}
}

// Parameters is the JSON Schema for the web_fetch tool.
func Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Page to fetch. A missing scheme means https.",
			},
			"max_chars": map[string]any{
				"type":        "integer",
				"description": fmt.Sprintf("Maximum characters of page text to return (default %d).", DefaultMaxChars),
			},
		},
		"required": []string{"url"},
	}
}
