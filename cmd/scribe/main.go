// Scribe is a conversational agent runtime.
//
// It keeps per-session conversation history, sends it to a local or
// OpenAI-compatible model, parses reasoning, answers, and tool calls
// out of the reply, and runs tools until the model produces an answer.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	scribe serve              Start the API server
//	scribe init [dir]         Write an example config into dir
//	scribe ask <question>     Ask a single question
//	scribe chat               Interactive terminal chat
//	scribe version            Print version and build information
//	scribe version -o json    Output version information as JSON
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/buildinfo"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/config"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/llm"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/prompts"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/tools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. The command tree is built per call so
// tests can run it concurrently. Structured logs go to stdout; the
// caller prints the returned error.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdin, stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// cliOptions holds persistent flags shared by all subcommands.
type cliOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "scribe",
		Short: "Conversational agent runtime with tools and persistent sessions",
		Long: `Scribe runs conversational turns against a local or OpenAI-compatible
model. It keeps session history, separates reasoning from answers, and
calls tools until the model settles on an answer.

Config search order:
  ./config.yaml, ~/.config/scribe/config.yaml, /etc/scribe/config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log_level from config (trace, debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newChatCmd(opts),
		newInitCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVersion(cmd.OutOrStdout(), output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Write an example config into dir (default: .)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(cmd.OutOrStdout(), dir)
		},
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	switch outputFmt {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case "text", "":
	default:
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist. Without one, a missing file is not an
// error: defaults plus the OLLAMA_* environment are used and the
// returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		cfg := config.Default()
		cfg.ApplyEnv(os.Getenv)
		return cfg, "", cfg.Validate()
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// setup loads the config and builds the logger every subcommand uses.
func setup(opts *cliOptions, w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	levelName := cfg.LogLevel
	if opts.logLevel != "" {
		levelName = opts.logLevel
	}
	level, err := config.ParseLogLevel(levelName)
	if err != nil {
		return nil, nil, err
	}
	logger := config.NewLogger(w, level, cfg.LogFormat)
	if cfgPath == "" {
		logger.Info("no config file found, using defaults")
	} else {
		logger.Debug("config loaded", "path", cfgPath)
	}
	return cfg, logger, nil
}

// createLLMClient builds the model client. Each provider that the
// primary model or a route needs gets a client; routes pin model names
// to providers and everything else goes to the primary provider. The
// result retries transient failures.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	needed := map[string]bool{cfg.Model.Provider: true}
	for _, r := range cfg.Model.Routes {
		needed[r.Provider] = true
	}

	providers := make(map[string]llm.Client, len(needed))
	if needed["ollama"] {
		url := cfg.ModelURL()
		if cfg.Model.Provider != "ollama" {
			url = fmt.Sprintf("http://%s:%d", cfg.Model.Host, cfg.Model.Port)
		}
		oc, err := llm.NewOllamaClient(url, logger)
		if err != nil {
			return nil, err
		}
		oc.SetThink(cfg.Model.Think)
		oc.SetTemperature(cfg.Model.Temperature)
		providers["ollama"] = oc
	}
	if needed["openai"] {
		providers["openai"] = llm.NewOpenAIClient(cfg.Model.APIKey, cfg.Model.BaseURL, logger)
	}

	multi := llm.NewMultiClient(providers[cfg.Model.Provider])
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, r := range cfg.Model.Routes {
		multi.AddModel(r.Name, r.Provider)
	}
	logger.Info("model client initialized",
		"model", cfg.Model.Name,
		"provider", cfg.Model.Provider,
		"providers", multi.Providers(),
		"url", cfg.ModelURL(),
	)

	policy := llm.RetryPolicy{
		MaxAttempts:  cfg.Model.Retry.MaxAttempts,
		InitialDelay: cfg.Model.Retry.InitialDelay,
		MaxDelay:     cfg.Model.Retry.MaxDelay,
		Multiplier:   cfg.Model.Retry.Multiplier,
	}
	return llm.NewRetryClient(multi, policy, logger), nil
}

// systemPrompt returns the configured override or the built-in prompt
// listing the registered tools.
func systemPrompt(cfg *config.Config, registry *tools.Registry) string {
	if strings.TrimSpace(cfg.Agent.SystemPrompt) != "" {
		return cfg.Agent.SystemPrompt
	}
	format := prompts.FormatHarmony
	if cfg.Parser.Mode == "fallback" {
		format = prompts.FormatTags
	}

	var lines []prompts.ToolLine
	for _, name := range registry.Names() {
		spec, err := registry.Get(name)
		if err != nil {
			continue
		}
		var params []string
		if props, ok := spec.Parameters["properties"].(map[string]any); ok {
			for p := range props {
				params = append(params, p)
			}
			sort.Strings(params)
		}
		lines = append(lines, prompts.ToolLine{Name: name, Params: params, Description: spec.Description})
	}
	return prompts.SystemPrompt(format, lines)
}
