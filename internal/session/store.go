// Package session holds conversation transcripts. A session is an
// append-only, ordered list of messages keyed by a caller-chosen id.
package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Kind classifies a message by the part of the turn that produced it.
type Kind string

const (
	KindSystem     Kind = "system"
	KindUser       Kind = "user"
	KindAnswer     Kind = "answer"      // final assistant answer
	KindToolCall   Kind = "tool_call"   // assistant turn that requested tools
	KindToolResult Kind = "tool_result" // output of one tool call
	KindDiagnostic Kind = "diagnostic"  // raw model output kept for audit, never sent back to the model
)

// ToolCall is a tool invocation recorded on an assistant message.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is one entry in a session transcript. Messages are immutable
// once appended.
type Message struct {
	Seq        int        `json:"seq"`
	Role       string     `json:"role"`
	Kind       Kind       `json:"kind"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Session is a snapshot of one conversation.
type Session struct {
	ID           string    `json:"id"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Summary describes a session without its messages.
type Summary struct {
	ID           string    `json:"id"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// UnknownSessionError is returned when an operation names a session
// that was never created.
type UnknownSessionError struct {
	ID string
}

// Error implements the error interface.
func (e *UnknownSessionError) Error() string {
	return fmt.Sprintf("unknown session %q", e.ID)
}

// Observer is called after every successful append, outside the
// store's locks, with a copy of the stored message.
type Observer func(sessionID string, msg Message)

// Option configures a Store.
type Option func(*Store)

// WithObserver registers fn to be notified of every append.
func WithObserver(fn Observer) Option {
	return func(s *Store) { s.observer = fn }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store manages sessions in memory. The map is guarded by one RWMutex
// and each session by its own, so appends to different sessions never
// contend.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	observer Observer
	now      func() time.Time
}

type entry struct {
	mu   sync.RWMutex
	sess Session

	// turn is a one-slot semaphore serialising agent turns.
	turn chan struct{}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the session with id, creating it if needed.
func (s *Store) GetOrCreate(id string) Session {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		e, ok = s.sessions[id]
		if !ok {
			now := s.now()
			e = newEntry(Session{ID: id, CreatedAt: now, LastActiveAt: now})
			s.sessions[id] = e
		}
		s.mu.Unlock()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sess.copy()
}

// Get returns a snapshot of the session with id.
func (s *Store) Get(id string) (Session, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Session{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sess.copy(), nil
}

// Append adds msg to the session and returns the stored copy with Seq
// and Timestamp assigned. Timestamps strictly increase within a session
// even if the clock does not.
func (s *Store) Append(id string, msg Message) (Message, error) {
	if err := validate(msg); err != nil {
		return Message{}, err
	}
	e, err := s.lookup(id)
	if err != nil {
		return Message{}, err
	}

	e.mu.Lock()
	stored := msg.copy()
	if stored.Kind == "" {
		stored.Kind = defaultKind(stored)
	}
	ts := s.now()
	stored.Seq = 1
	if n := len(e.sess.Messages); n > 0 {
		last := e.sess.Messages[n-1]
		if !ts.After(last.Timestamp) {
			ts = last.Timestamp.Add(time.Nanosecond)
		}
		stored.Seq = last.Seq + 1
	}
	stored.Timestamp = ts
	e.sess.Messages = append(e.sess.Messages, stored)
	e.sess.LastActiveAt = ts
	out := stored.copy()
	e.mu.Unlock()

	if s.observer != nil {
		s.observer(id, out.copy())
	}
	return out, nil
}

// History returns a copy of the session's messages in order.
func (s *Store) History(id string) ([]Message, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyMessages(e.sess.Messages), nil
}

// Lock serialises turns on one session. It blocks until the session's
// turn slot is free or ctx is done. The returned unlock is idempotent.
func (s *Store) Lock(ctx context.Context, id string) (func(), error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case e.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-e.turn }) }, nil
}

// Search returns up to limit messages in session id whose content
// contains query, case-insensitively, newest first. Diagnostic
// messages are skipped. A limit of zero or less means no limit.
func (s *Store) Search(id, query string, limit int) ([]Message, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Message
	for i := len(e.sess.Messages) - 1; i >= 0; i-- {
		m := e.sess.Messages[i]
		if m.Kind == KindDiagnostic || m.Content == "" {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(m.Content), needle) {
			continue
		}
		out = append(out, m.copy())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// List returns a summary of every session, most recently active first.
func (s *Store) List() []Summary {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, Summary{
			ID:           e.sess.ID,
			MessageCount: len(e.sess.Messages),
			CreatedAt:    e.sess.CreatedAt,
			LastActiveAt: e.sess.LastActiveAt,
		})
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out
}

// Stats returns store statistics.
func (s *Store) Stats() map[string]any {
	summaries := s.List()
	total := 0
	for _, sum := range summaries {
		total += sum.MessageCount
	}
	return map[string]any{
		"sessions": len(summaries),
		"messages": total,
	}
}

// Restore loads previously persisted sessions. Sessions that already
// exist in the store are left untouched. The observer is not notified.
// Persisted Seq values are kept, gaps included; only a missing or
// non-increasing Seq is reassigned. It returns the number of sessions
// loaded.
func (s *Store) Restore(sessions []Session) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sess := range sessions {
		if sess.ID == "" {
			continue
		}
		if _, ok := s.sessions[sess.ID]; ok {
			continue
		}
		restored := sess.copy()
		prev := 0
		for i := range restored.Messages {
			if restored.Messages[i].Seq <= prev {
				restored.Messages[i].Seq = prev + 1
			}
			prev = restored.Messages[i].Seq
		}
		s.sessions[sess.ID] = newEntry(restored)
		n++
	}
	return n
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, &UnknownSessionError{ID: id}
	}
	return e, nil
}

func newEntry(sess Session) *entry {
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}
	return &entry{sess: sess, turn: make(chan struct{}, 1)}
}

func validate(msg Message) error {
	switch msg.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid message role %q", msg.Role)
	}
	if msg.Role == RoleTool && msg.ToolCallID == "" {
		return fmt.Errorf("tool message without tool_call_id")
	}
	return nil
}

func defaultKind(msg Message) Kind {
	switch msg.Role {
	case RoleSystem:
		return KindSystem
	case RoleUser:
		return KindUser
	case RoleTool:
		return KindToolResult
	}
	if len(msg.ToolCalls) > 0 {
		return KindToolCall
	}
	return KindAnswer
}

func (s Session) copy() Session {
	s.Messages = copyMessages(s.Messages)
	return s
}

func copyMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.copy()
	}
	return out
}

func (m Message) copy() Message {
	if m.ToolCalls != nil {
		calls := make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			calls[i] = ToolCall{ID: tc.ID, Name: tc.Name, Arguments: cloneMap(tc.Arguments)}
		}
		m.ToolCalls = calls
	}
	return m
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
