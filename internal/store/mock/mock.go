// Package mock provides an in-memory Store used by bridge, refiner and web
// tests. It records every call and can be primed to fail specific methods.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxdraft/voxdraft/internal/store"
)

// Call records a single invocation of a Store method.
type Call struct {
	Method string
	Args   []any
}

// Store is an in-memory implementation of [store.Store].
type Store struct {
	mu        sync.Mutex
	sessions  map[string]*store.Session
	snapshots map[string][]store.Snapshot
	messages  map[string][]store.Message
	nextSnap  int64
	nextMsg   int64
	calls     []Call

	// FailWith, when non-nil, is returned by every method named in FailOn.
	FailWith error
	FailOn   map[string]bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty mock store.
func New() *Store {
	return &Store{
		sessions:  make(map[string]*store.Session),
		snapshots: make(map[string][]store.Snapshot),
		messages:  make(map[string][]store.Message),
		FailOn:    make(map[string]bool),
	}
}

// Calls returns a copy of the recorded call list.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (s *Store) record(method string, args ...any) error {
	s.calls = append(s.calls, Call{Method: method, Args: args})
	if s.FailOn[method] && s.FailWith != nil {
		return s.FailWith
	}
	return nil
}

func (s *Store) CreateSession(_ context.Context) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateSession"); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sess := &store.Session{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	s.sessions[sess.ID] = sess
	return sess, nil
}

// AddSession seeds a session with a known id. Test helper, not part of the
// Store interface.
func (s *Store) AddSession(id string) *store.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	sess := &store.Session{ID: id, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = sess
	return sess
}

func (s *Store) GetSession(_ context.Context, id string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("GetSession", id); err != nil {
		return nil, err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrSessionNotFound, id)
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) TouchSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("TouchSession", id); err != nil {
		return err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %q", store.ErrSessionNotFound, id)
	}
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SaveSnapshot(_ context.Context, sessionID string, stateJSON []byte, instructions string) (*store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SaveSnapshot", sessionID, string(stateJSON), instructions); err != nil {
		return nil, err
	}
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrSessionNotFound, sessionID)
	}
	s.nextSnap++
	snap := store.Snapshot{
		ID:           s.nextSnap,
		SessionID:    sessionID,
		StateJSON:    append([]byte(nil), stateJSON...),
		Instructions: instructions,
		CreatedAt:    time.Now().UTC(),
	}
	s.snapshots[sessionID] = append(s.snapshots[sessionID], snap)
	return &snap, nil
}

func (s *Store) LatestSnapshot(_ context.Context, sessionID string) (*store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("LatestSnapshot", sessionID); err != nil {
		return nil, err
	}
	snaps := s.snapshots[sessionID]
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w: %q", store.ErrNoSnapshot, sessionID)
	}
	cp := snaps[len(snaps)-1]
	return &cp, nil
}

func (s *Store) SnapshotHistory(_ context.Context, sessionID string) ([]store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SnapshotHistory", sessionID); err != nil {
		return nil, err
	}
	return append([]store.Snapshot(nil), s.snapshots[sessionID]...), nil
}

func (s *Store) AppendMessage(_ context.Context, sessionID string, speaker store.Speaker, text string) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("AppendMessage", sessionID, speaker, text); err != nil {
		return nil, err
	}
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrSessionNotFound, sessionID)
	}
	s.nextMsg++
	msg := store.Message{
		ID:        s.nextMsg,
		SessionID: sessionID,
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return &msg, nil
}

func (s *Store) Transcript(_ context.Context, sessionID string) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("Transcript", sessionID); err != nil {
		return nil, err
	}
	return append([]store.Message(nil), s.messages[sessionID]...), nil
}

func (s *Store) RecentMessages(_ context.Context, sessionID string, n int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("RecentMessages", sessionID, n); err != nil {
		return nil, err
	}
	msgs := s.messages[sessionID]
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]store.Message(nil), msgs...), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record("Close")
}
