package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/api"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/buildinfo"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/connwatch"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/events"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/mqtt"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/session"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *cliOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), opts, port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override listen.port from config")
	return cmd
}

// runServe handles "scribe serve". It wires the runtime, starts the
// health watchers, the optional MQTT bridge, and the HTTP API, then
// blocks until SIGINT or SIGTERM.
//
// Shutdown order:
//  1. the signal cancels ctx
//  2. the MQTT bridge publishes offline and disconnects
//  3. the HTTP server drains in-flight requests
//  4. watchers stop and the transcript store closes via defers
func runServe(ctx context.Context, stdout io.Writer, opts *cliOptions, port int) error {
	cfg, logger, err := setup(opts, stdout)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Listen.Port = port
	}
	logger.Info("starting Scribe", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.New()

	rt, err := newRuntime(ctx, cfg, logger, bus)
	if err != nil {
		return err
	}
	defer rt.Close()

	health := connwatch.NewManager(logger, bus)
	defer health.Stop()
	health.Watch(ctx, "model", rt.client.Ping)
	if rt.pg != nil {
		health.WatchPinger(ctx, "transcripts", rt.pg)
	}

	var bridge *mqtt.Bridge
	if cfg.MQTT.Configured() {
		bridge = mqtt.New(cfg.MQTT, bus, &mqttStatsAdapter{
			model:    cfg.Model.Name,
			sessions: rt.sessions,
			health:   health,
		}, logger)
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt bridge: %w", err)
		}
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, rt.loop, rt.sessions, rt.registry, logger,
		api.WithHealth(health),
		api.WithEvents(bus),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if bridge != nil {
			if err := bridge.Stop(shutdownCtx); err != nil {
				logger.Warn("mqtt bridge shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", "error", err)
		}
	}()

	err = server.Start(ctx)
	stop()
	wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server: %w", err)
	}
	logger.Info("Scribe stopped")
	return nil
}

// mqttStatsAdapter supplies the MQTT state topics from the session
// store and the health manager.
type mqttStatsAdapter struct {
	model    string
	sessions *session.Store
	health   *connwatch.Manager
}

func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }
func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Model() string         { return a.model }
func (a *mqttStatsAdapter) BackendReady() bool    { return a.health.Ready() }

func (a *mqttStatsAdapter) ActiveSessions() int {
	n, _ := a.sessions.Stats()["sessions"].(int)
	return n
}
