package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	jsoniter "github.com/json-iterator/go"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/config"
	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/events"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatePublishInterval is how often retained state topics are refreshed.
const StatePublishInterval = time.Minute

// StatsSource supplies the values for the state topics. main wires an
// adapter so this package does not depend on the agent or API.
type StatsSource interface {
	Version() string
	Uptime() time.Duration
	Model() string
	ActiveSessions() int
	BackendReady() bool
}

// publisher is the subset of *autopaho.ConnectionManager the bridge uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Bridge forwards bus events to an MQTT broker.
type Bridge struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	stats  StatsSource
	tokens *DailyTokens
	logger *slog.Logger

	cm *autopaho.ConnectionManager
}

// New creates a bridge but does not connect. stats may be nil, in which
// case only events and token totals are published.
func New(cfg config.MQTTConfig, bus *events.Bus, stats StatsSource, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "scribe"
	}
	return &Bridge{
		cfg:    cfg,
		bus:    bus,
		stats:  stats,
		tokens: NewDailyTokens(nil),
		logger: logger,
	}
}

// Tokens exposes today's token counter.
func (b *Bridge) Tokens() *DailyTokens { return b.tokens }

// Start connects to the broker and forwards events until ctx ends.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected", "broker", b.cfg.Broker)
			b.publishAvailability(ctx, cm, "online")
			b.publishStates(ctx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID(),
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	sub := b.bus.Subscribe(256)
	defer b.bus.Unsubscribe(sub)
	b.run(ctx, cm, sub, StatePublishInterval)
	return nil
}

// Stop publishes "offline" and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

// run forwards events from sub and refreshes state topics every
// interval until ctx ends or sub is closed.
func (b *Bridge) run(ctx context.Context, pub publisher, sub <-chan events.Event, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			b.forward(ctx, pub, ev)
		case <-ticker.C:
			b.publishStates(ctx, pub)
		}
	}
}

func (b *Bridge) forward(ctx context.Context, pub publisher, ev events.Event) {
	if ev.Kind == events.KindTurnComplete {
		b.tokens.Add(intField(ev.Data, "tokens_in"), intField(ev.Data, "tokens_out"))
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("mqtt marshal event", "kind", ev.Kind, "error", err)
		return
	}
	topic := b.eventTopic(ev.Kind)
	if _, err := pub.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 0}); err != nil {
		b.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}

	switch ev.Kind {
	case events.KindBackendUp, events.KindBackendDown, events.KindTurnComplete:
		b.publishStates(ctx, pub)
	}
}

func (b *Bridge) states() map[string]string {
	in, out, turns := b.tokens.Snapshot()
	states := map[string]string{
		"tokens_today": strconv.FormatInt(in+out, 10),
		"turns_today":  strconv.FormatInt(turns, 10),
	}
	if b.stats != nil {
		states["version"] = b.stats.Version()
		states["uptime"] = b.stats.Uptime().Truncate(time.Second).String()
		states["model"] = b.stats.Model()
		states["active_sessions"] = strconv.Itoa(b.stats.ActiveSessions())
		backend := "down"
		if b.stats.BackendReady() {
			backend = "up"
		}
		states["backend"] = backend
	}
	return states
}

func (b *Bridge) publishStates(ctx context.Context, pub publisher) {
	states := b.states()
	for name, value := range states {
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   b.stateTopic(name),
			Payload: []byte(value),
			Retain:  true,
		}); err != nil {
			b.logger.Debug("mqtt state publish failed", "state", name, "error", err)
		}
	}
	b.logger.Debug("mqtt states published", "count", len(states))
}

func (b *Bridge) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

func (b *Bridge) clientID() string {
	if b.cfg.ClientID != "" {
		return b.cfg.ClientID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return "scribe-" + host
}

func (b *Bridge) availabilityTopic() string { return b.cfg.TopicPrefix + "/availability" }

func (b *Bridge) eventTopic(kind string) string { return b.cfg.TopicPrefix + "/events/" + kind }

func (b *Bridge) stateTopic(name string) string { return b.cfg.TopicPrefix + "/state/" + name }

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
