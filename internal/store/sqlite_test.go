package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/voxdraft/voxdraft/internal/state"
	"github.com/voxdraft/voxdraft/internal/store"
)

func openTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "voxdraft.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected non-empty session id")
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("got session id %q, want %q", got.ID, sess.ID)
	}

	if err := s.TouchSession(ctx, sess.ID); err != nil {
		t.Fatalf("touch session: %v", err)
	}
	got, err = s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session after touch: %v", err)
	}
	if got.UpdatedAt.Before(sess.UpdatedAt) {
		t.Errorf("updated_at went backwards: %v < %v", got.UpdatedAt, sess.UpdatedAt)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetSession(context.Background(), "nope")
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}

	err = s.TouchSession(context.Background(), "nope")
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("touch: got %v, want ErrSessionNotFound", err)
	}
}

func TestSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := s.LatestSnapshot(ctx, sess.ID); !errors.Is(err, store.ErrNoSnapshot) {
		t.Fatalf("empty session: got %v, want ErrNoSnapshot", err)
	}

	first := state.DefaultDocument()
	if _, err := s.SaveSnapshot(ctx, sess.ID, first, "ask about the problem"); err != nil {
		t.Fatalf("save first snapshot: %v", err)
	}
	second := []byte(`{"design":{"meta":{"name":"Orbit"}}}`)
	if _, err := s.SaveSnapshot(ctx, sess.ID, second, "dig into personas"); err != nil {
		t.Fatalf("save second snapshot: %v", err)
	}

	latest, err := s.LatestSnapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if string(latest.StateJSON) != string(second) {
		t.Errorf("latest state = %s, want %s", latest.StateJSON, second)
	}
	if latest.Instructions != "dig into personas" {
		t.Errorf("latest instructions = %q", latest.Instructions)
	}

	hist, err := s.SnapshotHistory(ctx, sess.ID)
	if err != nil {
		t.Fatalf("snapshot history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].ID >= hist[1].ID {
		t.Errorf("history out of order: ids %d, %d", hist[0].ID, hist[1].ID)
	}
	if string(hist[0].StateJSON) != string(first) {
		t.Errorf("first history entry = %s, want %s", hist[0].StateJSON, first)
	}
}

func TestSaveSnapshotUnknownSession(t *testing.T) {
	s := openTestStore(t)

	_, err := s.SaveSnapshot(context.Background(), "nope", []byte(`{}`), "")
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}

func TestTranscript(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	turns := []struct {
		speaker store.Speaker
		text    string
	}{
		{store.SpeakerAgent, "What problem are you solving?"},
		{store.SpeakerUser, "Field techs lose track of work orders."},
		{store.SpeakerAgent, "Who are the users?"},
		{store.SpeakerUser, "Dispatchers and technicians."},
	}
	for _, turn := range turns {
		if _, err := s.AppendMessage(ctx, sess.ID, turn.speaker, turn.text); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}

	all, err := s.Transcript(ctx, sess.ID)
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if len(all) != len(turns) {
		t.Fatalf("transcript length = %d, want %d", len(all), len(turns))
	}
	for i, msg := range all {
		if msg.Speaker != turns[i].speaker || msg.Text != turns[i].text {
			t.Errorf("message %d = %q/%q, want %q/%q", i, msg.Speaker, msg.Text, turns[i].speaker, turns[i].text)
		}
	}

	recent, err := s.RecentMessages(ctx, sess.ID, 2)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent length = %d, want 2", len(recent))
	}
	if recent[0].Text != turns[2].text || recent[1].Text != turns[3].text {
		t.Errorf("recent = %q, %q; want last two turns", recent[0].Text, recent[1].Text)
	}
}

func TestAppendMessageInvalidSpeaker(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.AppendMessage(ctx, sess.ID, store.Speaker("narrator"), "hi"); err == nil {
		t.Error("expected error for invalid speaker")
	}
}
