package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Peter-Dated-Projects/09-15-2025-discord-meeting-transcriptor-sub002/internal/session"
)

// PGStore is a PostgreSQL transcript sink backed by a pgx pool.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and creates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect transcript database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping transcript database: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate transcript schema: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the connection. It satisfies connwatch.Pinger.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS scribe_sessions (
		id             TEXT PRIMARY KEY,
		created_at     TIMESTAMPTZ NOT NULL,
		last_active_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS scribe_messages (
		session_id   TEXT NOT NULL REFERENCES scribe_sessions(id) ON DELETE CASCADE,
		seq          INTEGER NOT NULL,
		role         TEXT NOT NULL,
		kind         TEXT NOT NULL,
		content      TEXT NOT NULL,
		tool_calls   TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_name    TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_scribe_sessions_created ON scribe_sessions(created_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Save persists msg under sessionID.
func (s *PGStore) Save(ctx context.Context, sessionID string, msg session.Message) error {
	calls, err := encodeToolCalls(msg.ToolCalls)
	if err != nil {
		return err
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transcript save: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO scribe_sessions (id, created_at, last_active_at) VALUES ($1, $2, $2)
		 ON CONFLICT (id) DO UPDATE SET last_active_at = EXCLUDED.last_active_at`,
		sessionID, ts.UTC(),
	); err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO scribe_messages
			(session_id, seq, role, kind, content, tool_calls, tool_call_id, tool_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (session_id, seq) DO NOTHING`,
		sessionID, msg.Seq, msg.Role, string(msg.Kind), msg.Content,
		calls, msg.ToolCallID, msg.ToolName, ts.UTC(),
	); err != nil {
		return fmt.Errorf("save message %s/%d: %w", sessionID, msg.Seq, err)
	}
	return tx.Commit(ctx)
}

// Load returns every stored session, oldest first.
func (s *PGStore) Load(ctx context.Context) ([]session.Session, error) {
	c := newCollector()

	rows, err := s.pool.Query(ctx,
		`SELECT id, created_at, last_active_at FROM scribe_sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	for rows.Next() {
		var (
			id              string
			created, active time.Time
		)
		if err := rows.Scan(&id, &created, &active); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		c.session(id, created, active)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT session_id, seq, role, kind, content, tool_calls, tool_call_id, tool_name, created_at
		 FROM scribe_messages ORDER BY session_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, kind, calls string
			seq             int32
			msg             session.Message
		)
		if err := rows.Scan(&id, &seq, &msg.Role, &kind, &msg.Content,
			&calls, &msg.ToolCallID, &msg.ToolName, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Seq = int(seq)
		msg.Kind = session.Kind(kind)
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
