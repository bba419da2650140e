// Package transcript persists session messages and renders them for
// people to read.
//
// A [Sink] is the durable side of [session.Store]: the [Recorder] is
// installed as the store's observer and writes every appended message,
// and [Sink.Load] returns the saved sessions for [session.Store.Restore]
// at startup. [SQLStore] and [PGStore] are the two implementations.
package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultSaveTimeout bounds a single Recorder write.
const DefaultSaveTimeout = 5 * time.Second

// Sink stores session messages durably.
type Sink interface {
	// Save persists one message. Saving a (session, seq) pair that is
	// already stored is a no-op.
	Save(ctx context.Context, sessionID string, msg session.Message) error

	// Load returns every stored session with messages in seq order.
	Load(ctx context.Context) ([]session.Session, error)

	Close() error
}

// Recorder adapts a Sink to a session.Observer.
type Recorder struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
}

// NewRecorder creates a recorder writing to sink.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger, timeout: DefaultSaveTimeout}
}

// Observe saves msg. Failures are logged; the in-memory session stays
// authoritative.
func (r *Recorder) Observe(sessionID string, msg session.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.sink.Save(ctx, sessionID, msg); err != nil {
		r.logger.Warn("transcript save failed",
			"session", sessionID, "seq", msg.Seq, "kind", msg.Kind, "error", err)
	}
}

// Restore loads all sessions from sink into store and returns how many
// were added.
func Restore(ctx context.Context, sink Sink, store *session.Store) (int, error) {
	sessions, err := sink.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load transcripts: %w", err)
	}
	return store.Restore(sessions), nil
}

func encodeToolCalls(calls []session.ToolCall) (string, error) {
	if len(calls) == 0 {
		return "", nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return "", fmt.Errorf("encode tool calls: %w", err)
	}
	return string(b), nil
}

func decodeToolCalls(s string) ([]session.ToolCall, error) {
	if s == "" {
		return nil, nil
	}
	var calls []session.ToolCall
	if err := json.Unmarshal([]byte(s), &calls); err != nil {
		return nil, fmt.Errorf("decode tool calls: %w", err)
	}
	return calls, nil
}

// collector groups message rows into sessions while preserving the
// order sessions were first seen.
type collector struct {
	order []string
	byID  map[string]*session.Session
}

func newCollector() *collector {
	return &collector{byID: make(map[string]*session.Session)}
}

func (c *collector) session(id string, created, lastActive time.Time) {
	if _, ok := c.byID[id]; ok {
		return
	}
	c.byID[id] = &session.Session{ID: id, Messages: []session.Message{}, CreatedAt: created, LastActiveAt: lastActive}
	c.order = append(c.order, id)
}

func (c *collector) message(id string, msg session.Message) {
	sess, ok := c.byID[id]
	if !ok {
		return
	}
	sess.Messages = append(sess.Messages, msg)
}

func (c *collector) sessions() []session.Session {
	out := make([]session.Session, 0, len(c.order))
	for _, id := range c.order {
		sess := c.byID[id]
		sort.SliceStable(sess.Messages, func(i, j int) bool { return sess.Messages[i].Seq < sess.Messages[j].Seq })
		out = append(out, *sess)
	}
	return out
}
