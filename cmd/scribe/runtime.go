package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/agent"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/buildinfo"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/config"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/events"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/fetch"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/httpkit"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/llm"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/parse"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/session"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/tools"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/transcript"
)

// runtime is the assembled agent shared by serve, ask, and chat.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	sessions *session.Store
	registry *tools.Registry
	client   llm.Client
	loop     *agent.Loop

	sink transcript.Sink
	// pg is set when transcripts go to PostgreSQL so serve can watch it.
	pg *transcript.PGStore
}

// newRuntime wires the session store, transcript sink, tools, parser,
// model client, and agent loop. bus may be nil.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, bus *events.Bus) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, bus: bus}

	if err := rt.openTranscripts(ctx); err != nil {
		return nil, err
	}

	var storeOpts []session.Option
	if rt.sink != nil {
		storeOpts = append(storeOpts, session.WithObserver(transcript.NewRecorder(rt.sink, logger).Observe))
	}
	rt.sessions = session.NewStore(storeOpts...)
	if rt.sink != nil {
		n, err := transcript.Restore(ctx, rt.sink, rt.sessions)
		if err != nil {
			rt.Close()
			return nil, err
		}
		logger.Info("transcripts restored", "driver", cfg.Transcript.Driver, "sessions", n)
	}

	rt.registry = tools.NewRegistry(logger)
	builtins := tools.Builtins{
		Sessions: rt.sessions,
		Disabled: cfg.Tools.Disabled,
	}
	if cfg.Tools.WebFetch {
		builtins.Fetcher = fetch.New(
			fetch.WithHTTPClient(httpkit.NewClient(httpkit.WithLogger(logger))),
			fetch.WithLogger(logger),
		)
	}
	if err := tools.RegisterBuiltins(rt.registry, builtins); err != nil {
		rt.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}
	rt.registry.Freeze()
	logger.Info("tools registered", "tools", rt.registry.Names())

	parser, err := newParser(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.client, err = createLLMClient(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.loop = agent.NewLoop(logger, rt.sessions, rt.client, parser, rt.registry, agent.Config{
		Model:             cfg.Model.Name,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		TurnTimeout:       cfg.Agent.TurnTimeout,
		SystemPrompt:      systemPrompt(cfg, rt.registry),
	}, agent.WithEvents(bus))

	logger.Info("agent ready",
		"version", buildinfo.Version,
		"model", cfg.Model.Name,
		"parser", cfg.Parser.Mode,
		"max_tool_iterations", cfg.Agent.MaxToolIterations,
	)
	return rt, nil
}

func (rt *runtime) openTranscripts(ctx context.Context) error {
	switch rt.cfg.Transcript.Driver {
	case "sqlite":
		path := rt.cfg.Transcript.Path
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create transcript directory: %w", err)
			}
		}
		store, err := transcript.OpenSQLite(path)
		if err != nil {
			return fmt.Errorf("open transcript store %s: %w", path, err)
		}
		rt.sink = store
		rt.logger.Info("transcript store opened", "driver", "sqlite", "path", path)
	case "postgres":
		store, err := transcript.OpenPostgres(ctx, rt.cfg.Transcript.DSN)
		if err != nil {
			return fmt.Errorf("open transcript store: %w", err)
		}
		rt.sink = store
		rt.pg = store
		rt.logger.Info("transcript store opened", "driver", "postgres")
	}
	return nil
}

// Close releases the transcript store.
func (rt *runtime) Close() {
	if rt.sink == nil {
		return
	}
	if err := rt.sink.Close(); err != nil {
		rt.logger.Warn("failed to close transcript store", "error", err)
	}
	rt.sink = nil
}

func newParser(cfg *config.Config, logger *slog.Logger) (*parse.Chain, error) {
	reasoning := make([]parse.Delimiter, 0, len(cfg.Parser.ReasoningDelimiters))
	for _, d := range cfg.Parser.ReasoningDelimiters {
		reasoning = append(reasoning, parse.Delimiter{Open: d.Open, Close: d.Close})
	}
	answer := parse.DefaultAnswerDelimiter
	if d := cfg.Parser.AnswerDelimiter; d != nil {
		answer = parse.Delimiter{Open: d.Open, Close: d.Close}
	}
	fallback, err := parse.NewFallback(reasoning, answer)
	if err != nil {
		return nil, fmt.Errorf("parser delimiters: %w", err)
	}
	return parse.NewChain(cfg.Parser.Mode, fallback, logger)
}
