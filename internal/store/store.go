// Package store defines the persistence layer for design sessions: the
// session records themselves, the append-only history of design-state
// snapshots, and the conversation transcript.
//
// Snapshots are never updated in place — every refresh writes a new row and
// "latest" is simply the highest id for the session. That append-only contract
// is what lets concurrent refresh cycles coexist with readers without
// transactions spanning read-then-write.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when an operation references a session id
// that does not exist. Writes never create sessions implicitly.
var ErrSessionNotFound = errors.New("store: session not found")

// ErrNoSnapshot is returned by LatestSnapshot when a session has no design
// state yet.
var ErrNoSnapshot = errors.New("store: no snapshot for session")

// Speaker identifies who produced a conversation message.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// IsValid reports whether s is a recognised speaker role.
func (s Speaker) IsValid() bool {
	return s == SpeakerUser || s == SpeakerAgent
}

// Session groups one continuous design conversation.
type Session struct {
	// ID is the opaque session identifier (a UUID).
	ID string

	// CreatedAt is when the session was created.
	CreatedAt time.Time

	// UpdatedAt is touched whenever session-scoped data is written.
	UpdatedAt time.Time
}

// Snapshot is one immutable version of the design state.
type Snapshot struct {
	// ID is the monotonically increasing snapshot id; the highest id per
	// session is the latest snapshot.
	ID int64

	// SessionID is the owning session.
	SessionID string

	// StateJSON is the canonical design-state document.
	StateJSON []byte

	// Instructions is the supplementary guidance text captured together with
	// this snapshot. May be empty.
	Instructions string

	// CreatedAt is when this snapshot was written.
	CreatedAt time.Time
}

// Message is one complete conversational turn in a session transcript.
type Message struct {
	ID        int64
	SessionID string
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// Store is the persistence boundary used by the bridge, the refiner, the web
// layer, and the export CLI. Implementations must be safe for concurrent use.
type Store interface {
	// CreateSession creates a new session with a fresh id.
	CreateSession(ctx context.Context) (*Session, error)

	// GetSession returns the session with the given id, or [ErrSessionNotFound].
	GetSession(ctx context.Context, id string) (*Session, error)

	// TouchSession bumps the session's updated_at timestamp.
	// Returns [ErrSessionNotFound] if the session does not exist.
	TouchSession(ctx context.Context, id string) error

	// SaveSnapshot appends a new design-state snapshot for the session.
	// The previous snapshot is left untouched. Returns [ErrSessionNotFound]
	// if the session does not exist.
	SaveSnapshot(ctx context.Context, sessionID string, stateJSON []byte, instructions string) (*Snapshot, error)

	// LatestSnapshot returns the most recently written snapshot for the
	// session, or [ErrNoSnapshot] when none exists yet.
	LatestSnapshot(ctx context.Context, sessionID string) (*Snapshot, error)

	// SnapshotHistory returns all snapshots for the session, oldest first.
	SnapshotHistory(ctx context.Context, sessionID string) ([]Snapshot, error)

	// AppendMessage appends a completed turn to the session transcript.
	// Returns [ErrSessionNotFound] if the session does not exist.
	AppendMessage(ctx context.Context, sessionID string, speaker Speaker, text string) (*Message, error)

	// Transcript returns the full ordered transcript for the session.
	Transcript(ctx context.Context, sessionID string) ([]Message, error)

	// RecentMessages returns up to n of the most recent transcript messages,
	// in chronological order.
	RecentMessages(ctx context.Context, sessionID string, n int) ([]Message, error)

	// Close releases the underlying database handle.
	Close() error
}
