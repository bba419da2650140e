package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/session"
)

// SQLStore is a SQLite transcript sink. All public methods are safe for
// concurrent use (SQLite serializes writes).
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the transcript database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open transcript database: %w", err)
	}
	s, err := NewSQLStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open SQLite handle and creates the schema.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate transcript schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id             TEXT PRIMARY KEY,
		created_at     TEXT NOT NULL,
		last_active_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		session_id   TEXT NOT NULL REFERENCES sessions(id),
		seq          INTEGER NOT NULL,
		role         TEXT NOT NULL,
		kind         TEXT NOT NULL,
		content      TEXT NOT NULL,
		tool_calls   TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_name    TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save persists msg under sessionID.
func (s *SQLStore) Save(ctx context.Context, sessionID string, msg session.Message) error {
	calls, err := encodeToolCalls(msg.ToolCalls)
	if err != nil {
		return err
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := ts.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transcript save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, last_active_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_active_at = excluded.last_active_at`,
		sessionID, stamp, stamp,
	); err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages
			(session_id, seq, role, kind, content, tool_calls, tool_call_id, tool_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, seq) DO NOTHING`,
		sessionID, msg.Seq, msg.Role, string(msg.Kind), msg.Content,
		calls, msg.ToolCallID, msg.ToolName, stamp,
	); err != nil {
		return fmt.Errorf("save message %s/%d: %w", sessionID, msg.Seq, err)
	}
	return tx.Commit()
}

// Load returns every stored session, oldest first.
func (s *SQLStore) Load(ctx context.Context) ([]session.Session, error) {
	c := newCollector()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, last_active_at FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	for rows.Next() {
		var id, created, active string
		if err := rows.Scan(&id, &created, &active); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		c.session(id, parseTime(created), parseTime(active))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT session_id, seq, role, kind, content, tool_calls, tool_call_id, tool_name, created_at
		 FROM messages ORDER BY session_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, kind, calls, created string
			msg                      session.Message
		)
		if err := rows.Scan(&id, &msg.Seq, &msg.Role, &kind, &msg.Content,
			&calls, &msg.ToolCallID, &msg.ToolName, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Kind = session.Kind(kind)
		msg.Timestamp = parseTime(created)
		if msg.ToolCalls, err = decodeToolCalls(calls); err != nil {
			return nil, fmt.Errorf("message %s/%d: %w", id, msg.Seq, err)
		}
		c.message(id, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return c.sessions(), nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
