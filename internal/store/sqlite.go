package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite is the embedded-database implementation of [Store], backed by a
// single SQLite file. All methods are safe for concurrent use; SQLite's
// busy-timeout handles writer contention between the bridge goroutine and
// background refresh workers.
type SQLite struct {
	db *sql.DB
}

// Compile-time assertion that SQLite satisfies the Store interface.
var _ Store = (*SQLite)(nil)

// Open opens (creating if necessary) the SQLite database at path and runs any
// pending schema migrations.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate %q: %w", path, err)
	}

	return &SQLite{db: db}, nil
}

// Close implements [Store].
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateSession implements [Store].
func (s *SQLite) CreateSession(ctx context.Context) (*Session, error) {
	sess := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	sess.UpdatedAt = sess.CreatedAt

	const q = `INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, sess.ID, sess.CreatedAt, sess.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	return sess, nil
}

// GetSession implements [Store].
func (s *SQLite) GetSession(ctx context.Context, id string) (*Session, error) {
	const q = `SELECT id, created_at, updated_at FROM sessions WHERE id = ?`

	var sess Session
	err := s.db.QueryRowContext(ctx, q, id).Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session %q: %w", id, err)
	}
	return &sess, nil
}

// TouchSession implements [Store].
func (s *SQLite) TouchSession(ctx context.Context, id string) error {
	const q = `UPDATE sessions SET updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, q, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: touch session %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: touch session %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return nil
}

// SaveSnapshot implements [Store]. The lookup-before-write keeps referential
// integrity explicit even when foreign keys are disabled in the driver.
func (s *SQLite) SaveSnapshot(ctx context.Context, sessionID string, stateJSON []byte, instructions string) (*Snapshot, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		SessionID:    sessionID,
		StateJSON:    stateJSON,
		Instructions: instructions,
		CreatedAt:    time.Now().UTC(),
	}

	const q = `
		INSERT INTO design_snapshots (session_id, state_json, instructions, created_at)
		VALUES (?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, q, snap.SessionID, string(snap.StateJSON), snap.Instructions, snap.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: save snapshot: %w", err)
	}
	snap.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: save snapshot: %w", err)
	}

	if err := s.TouchSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return snap, nil
}

// LatestSnapshot implements [Store].
func (s *SQLite) LatestSnapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	const q = `
		SELECT id, session_id, state_json, instructions, created_at
		FROM   design_snapshots
		WHERE  session_id = ?
		ORDER  BY id DESC
		LIMIT  1`

	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, q, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNoSnapshot, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest snapshot: %w", err)
	}
	return snap, nil
}

// SnapshotHistory implements [Store].
func (s *SQLite) SnapshotHistory(ctx context.Context, sessionID string) ([]Snapshot, error) {
	const q = `
		SELECT id, session_id, state_json, instructions, created_at
		FROM   design_snapshots
		WHERE  session_id = ?
		ORDER  BY id ASC`

	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: snapshot history: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("store: snapshot history: %w", err)
		}
		out = append(out, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: snapshot history: %w", err)
	}
	return out, nil
}

// AppendMessage implements [Store].
func (s *SQLite) AppendMessage(ctx context.Context, sessionID string, speaker Speaker, text string) (*Message, error) {
	if !speaker.IsValid() {
		return nil, fmt.Errorf("store: invalid speaker %q", speaker)
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	msg := &Message{
		SessionID: sessionID,
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}

	const q = `
		INSERT INTO conversation_messages (session_id, speaker, message, timestamp)
		VALUES (?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, q, msg.SessionID, string(msg.Speaker), msg.Text, msg.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("store: append message: %w", err)
	}
	msg.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: append message: %w", err)
	}
	return msg, nil
}

// Transcript implements [Store]. Messages are ordered by insertion id so that
// equal timestamps (sub-millisecond bursts) cannot reorder the conversation.
func (s *SQLite) Transcript(ctx context.Context, sessionID string) ([]Message, error) {
	const q = `
		SELECT id, session_id, speaker, message, timestamp
		FROM   conversation_messages
		WHERE  session_id = ?
		ORDER  BY id ASC`

	return s.collectMessages(ctx, q, sessionID)
}

// RecentMessages implements [Store].
func (s *SQLite) RecentMessages(ctx context.Context, sessionID string, n int) ([]Message, error) {
	const q = `
		SELECT id, session_id, speaker, message, timestamp
		FROM (
			SELECT id, session_id, speaker, message, timestamp
			FROM   conversation_messages
			WHERE  session_id = ?
			ORDER  BY id DESC
			LIMIT  ?
		)
		ORDER BY id ASC`

	return s.collectMessages(ctx, q, sessionID, n)
}

func (s *SQLite) collectMessages(ctx context.Context, q string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			speaker string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &speaker, &m.Text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Speaker = Speaker(speaker)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	return out, nil
}

// scanner abstracts *sql.Row and *sql.Rows for snapshot scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	var (
		snap Snapshot
		body string
	)
	if err := row.Scan(&snap.ID, &snap.SessionID, &body, &snap.Instructions, &snap.CreatedAt); err != nil {
		return nil, err
	}
	snap.StateJSON = []byte(body)
	return &snap, nil
}
