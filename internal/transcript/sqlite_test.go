package transcript

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/session"
)

func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Each connection to :memory: is its own database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

var testTime = time.Date(2025, 9, 15, 14, 30, 0, 0, time.UTC)

func TestSQLStore_LoadEmpty(t *testing.T) {
	store := setupTestStore(t)
	sessions, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(sessions))
	}
}

func TestSQLStore_SaveAndLoad(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	msgs := []session.Message{
		{Seq: 1, Role: session.RoleUser, Kind: session.KindUser, Content: "What is 15 * 23?", Timestamp: testTime},
		{Seq: 2, Role: session.RoleAssistant, Kind: session.KindToolCall, Timestamp: testTime.Add(time.Second),
			ToolCalls: []session.ToolCall{{ID: "call_1", Name: "calculate", Arguments: map[string]any{"expression": "15*23"}}}},
		{Seq: 3, Role: session.RoleTool, Kind: session.KindToolResult, Content: "345", ToolCallID: "call_1", ToolName: "calculate", Timestamp: testTime.Add(2 * time.Second)},
		{Seq: 4, Role: session.RoleAssistant, Kind: session.KindAnswer, Content: "15 * 23 = 345", Timestamp: testTime.Add(3 * time.Second)},
	}
	// Out of order on purpose; Load sorts by seq.
	for _, i := range []int{0, 2, 1, 3} {
		if err := store.Save(ctx, "s1", msgs[i]); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	sessions, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.ID != "s1" {
		t.Errorf("ID = %q", got.ID)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got.Messages))
	}
	for i, m := range got.Messages {
		if m.Seq != i+1 {
			t.Errorf("message %d has seq %d", i, m.Seq)
		}
		if m.Kind != msgs[i].Kind || m.Role != msgs[i].Role || m.Content != msgs[i].Content {
			t.Errorf("message %d = %+v, want %+v", i, m, msgs[i])
		}
		if !m.Timestamp.Equal(msgs[i].Timestamp) {
			t.Errorf("message %d timestamp = %v, want %v", i, m.Timestamp, msgs[i].Timestamp)
		}
	}
	call := got.Messages[1].ToolCalls
	if len(call) != 1 || call[0].Name != "calculate" || call[0].Arguments["expression"] != "15*23" {
		t.Errorf("tool calls = %+v", call)
	}
	if got.Messages[2].ToolCallID != "call_1" || got.Messages[2].ToolName != "calculate" {
		t.Errorf("tool result correlation lost: %+v", got.Messages[2])
	}
	if !got.LastActiveAt.After(got.CreatedAt) {
		t.Errorf("last active %v should be after created %v", got.LastActiveAt, got.CreatedAt)
	}
}

func TestSQLStore_SaveIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	msg := session.Message{Seq: 1, Role: session.RoleUser, Kind: session.KindUser, Content: "hi", Timestamp: testTime}
	for range 3 {
		if err := store.Save(ctx, "s1", msg); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	msg.Content = "changed"
	if err := store.Save(ctx, "s1", msg); err != nil {
		t.Fatalf("save: %v", err)
	}

	sessions, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n := len(sessions[0].Messages); n != 1 {
		t.Fatalf("expected 1 message, got %d", n)
	}
	if sessions[0].Messages[0].Content != "hi" {
		t.Errorf("stored message was overwritten: %q", sessions[0].Messages[0].Content)
	}
}

func TestSQLStore_MultipleSessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"b", "a", "c"} {
		msg := session.Message{Seq: 1, Role: session.RoleUser, Kind: session.KindUser, Content: id,
			Timestamp: testTime.Add(time.Duration(i) * time.Minute)}
		if err := store.Save(ctx, id, msg); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	sessions, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var ids []string
	for _, s := range sessions {
		ids = append(ids, s.ID)
		if len(s.Messages) != 1 || s.Messages[0].Content != s.ID {
			t.Errorf("session %s messages = %+v", s.ID, s.Messages)
		}
	}
	if len(ids) != 3 || ids[0] != "b" || ids[1] != "a" || ids[2] != "c" {
		t.Errorf("sessions not in creation order: %v", ids)
	}
}

func TestRecorderAndRestore(t *testing.T) {
	sink := setupTestStore(t)
	rec := NewRecorder(sink, slog.New(slog.NewTextHandler(io.Discard, nil)))

	live := session.NewStore(session.WithObserver(rec.Observe))
	live.GetOrCreate("s1")
	for _, m := range []session.Message{
		{Role: session.RoleUser, Content: "What is 2+2?"},
		{Role: session.RoleAssistant, Content: "4"},
	} {
		if _, err := live.Append("s1", m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	fresh := session.NewStore()
	n, err := Restore(context.Background(), sink, fresh)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored %d sessions, want 1", n)
	}
	history, err := fresh.History("s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Kind != session.KindUser || history[1].Kind != session.KindAnswer {
		t.Fatalf("history = %+v", history)
	}

	// Appends after a restore continue the sequence and persist.
	fresh2 := session.NewStore(session.WithObserver(rec.Observe))
	if _, err := Restore(context.Background(), sink, fresh2); err != nil {
		t.Fatal(err)
	}
	msg, err := fresh2.Append("s1", session.Message{Role: session.RoleUser, Content: "and 3+3?"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.Seq != 3 {
		t.Errorf("seq after restore = %d, want 3", msg.Seq)
	}
	sessions, _ := sink.Load(context.Background())
	if len(sessions[0].Messages) != 3 {
		t.Errorf("expected 3 persisted messages, got %d", len(sessions[0].Messages))
	}
}

func TestRestoreAfterSeqGapPersistsNewMessages(t *testing.T) {
	sink := setupTestStore(t)
	ctx := context.Background()
	// Seq 3 was never written, as after a failed save.
	for _, m := range []session.Message{
		{Seq: 1, Role: session.RoleUser, Kind: session.KindUser, Content: "m1", Timestamp: testTime},
		{Seq: 2, Role: session.RoleAssistant, Kind: session.KindAnswer, Content: "m2", Timestamp: testTime.Add(time.Second)},
		{Seq: 4, Role: session.RoleUser, Kind: session.KindUser, Content: "m4", Timestamp: testTime.Add(2 * time.Second)},
	} {
		if err := sink.Save(ctx, "gap", m); err != nil {
			t.Fatalf("save seq %d: %v", m.Seq, err)
		}
	}

	rec := NewRecorder(sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	store := session.NewStore(session.WithObserver(rec.Observe))
	if _, err := Restore(ctx, sink, store); err != nil {
		t.Fatalf("restore: %v", err)
	}
	msg, err := store.Append("gap", session.Message{Role: session.RoleAssistant, Content: "after restart"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.Seq != 5 {
		t.Errorf("seq = %d, want 5", msg.Seq)
	}

	sessions, err := sink.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	var contents []string
	for _, m := range sessions[0].Messages {
		contents = append(contents, m.Content)
	}
	if len(contents) != 4 || contents[3] != "after restart" {
		t.Errorf("persisted %v, want m1 m2 m4 and the new message", contents)
	}
}

type failingSink struct{ saves int }

func (f *failingSink) Save(context.Context, string, session.Message) error {
	f.saves++
	return errors.New("disk full")
}
func (f *failingSink) Load(context.Context) ([]session.Session, error) {
	return nil, errors.New("disk full")
}
func (f *failingSink) Close() error { return nil }

func TestRecorderSwallowsErrors(t *testing.T) {
	sink := &failingSink{}
	rec := NewRecorder(sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	store := session.NewStore(session.WithObserver(rec.Observe))
	store.GetOrCreate("s1")
	if _, err := store.Append("s1", session.Message{Role: session.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("append should not fail when the sink does: %v", err)
	}
	if sink.saves != 1 {
		t.Errorf("saves = %d", sink.saves)
	}

	if _, err := Restore(context.Background(), sink, session.NewStore()); err == nil {
		t.Error("expected restore error")
	}
}
