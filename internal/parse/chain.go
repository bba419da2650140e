package parse

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/llm"
)

// Chain modes.
const (
	ChainStrict   = "strict"
	ChainFallback = "fallback"
)

// Chain selects a parsing strategy once, at construction. In strict mode
// it tries strict Harmony, then lenient Harmony when the text carries
// Harmony markers, then the pattern fallback. A *HarmonyParseError never
// leaves the chain.
type Chain struct {
	mode     string
	strict   Harmony
	lenient  Harmony
	fallback *Fallback
	logger   *slog.Logger
}

// NewChain builds a chain for mode ("strict" or "fallback"; empty means
// strict). A nil fallback uses the default delimiters.
func NewChain(mode string, fallback *Fallback, logger *slog.Logger) (*Chain, error) {
	if mode == "" {
		mode = ChainStrict
	}
	if mode != ChainStrict && mode != ChainFallback {
		return nil, fmt.Errorf("unknown parser mode %q", mode)
	}
	if fallback == nil {
		var err error
		fallback, err = NewFallback(nil, DefaultAnswerDelimiter)
		if err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		mode:     mode,
		strict:   Harmony{},
		lenient:  Harmony{Lenient: true},
		fallback: fallback,
		logger:   logger,
	}, nil
}

// Mode returns the configured mode.
func (c *Chain) Mode() string { return c.mode }

// Parse implements Parser. The only error is a nil response.
func (c *Chain) Parse(resp *llm.ChatResponse) (*Result, error) {
	if resp == nil {
		return nil, errors.New("parse: nil response")
	}
	if c.mode == ChainFallback {
		return c.fallback.Parse(resp)
	}

	res, err := c.strict.Parse(resp)
	if err == nil {
		return res, nil
	}
	if !HasHarmonyMarkers(resp.Message.Content) {
		return c.fallback.Parse(resp)
	}

	var hpe *HarmonyParseError
	if errors.As(err, &hpe) {
		c.logger.Debug("strict harmony parse failed, retrying leniently",
			"offset", hpe.Offset, "reason", hpe.Reason)
	}
	res, err = c.lenient.Parse(resp)
	if err == nil {
		return res, nil
	}
	c.logger.Debug("lenient harmony parse failed, using pattern fallback", "error", err)
	return c.fallback.Parse(resp)
}
