package deepgram_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxdraft/voxdraft/pkg/provider/voice"
	"github.com/voxdraft/voxdraft/pkg/provider/voice/deepgram"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startAgentServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startAgentServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptHandshake reads the Settings frame and replies with Welcome and
// SettingsApplied, returning the decoded settings.
func acceptHandshake(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var settings map[string]any
	readJSON(t, conn, &settings)
	writeJSON(t, conn, map[string]string{"type": "Welcome"})
	writeJSON(t, conn, map[string]string{"type": "SettingsApplied"})
	return settings
}

func nextEvent(t *testing.T, handle voice.SessionHandle) voice.Event {
	t.Helper()
	select {
	case evt, ok := <-handle.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return voice.Event{}
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := deepgram.New(""); err == nil {
		t.Error("expected error for empty api key")
	}
}

func TestConnect_SendsSettingsAndWaitsForAck(t *testing.T) {
	t.Parallel()

	settingsCh := make(chan map[string]any, 1)
	srv := startAgentServer(t, func(conn *websocket.Conn, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token my-key" {
			t.Errorf("Authorization = %q; want Token my-key", got)
		}
		settingsCh <- acceptHandshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p, err := deepgram.New("my-key", deepgram.WithBaseURL(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handle, err := p.Connect(context.Background(), voice.SessionConfig{
		Instructions: "interview the user about their product idea",
		ThinkModel:   "gpt-4o-mini",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	settings := <-settingsCh
	if settings["type"] != "Settings" {
		t.Errorf("first frame type = %v; want Settings", settings["type"])
	}
	agent, _ := settings["agent"].(map[string]any)
	think, _ := agent["think"].(map[string]any)
	if think["prompt"] != "interview the user about their product idea" {
		t.Errorf("think prompt = %v", think["prompt"])
	}
}

func TestConnect_InjectsGreeting(t *testing.T) {
	t.Parallel()

	greetingCh := make(chan map[string]any, 1)
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn)
		var inject map[string]any
		readJSON(t, conn, &inject)
		greetingCh <- inject
		<-conn.CloseRead(context.Background()).Done()
	})

	p, _ := deepgram.New("key", deepgram.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), voice.SessionConfig{
		Greeting: "Hi! Tell me about the product you want to build.",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	inject := <-greetingCh
	if inject["type"] != "InjectAgentMessage" {
		t.Errorf("frame type = %v; want InjectAgentMessage", inject["type"])
	}
	if inject["message"] != "Hi! Tell me about the product you want to build." {
		t.Errorf("greeting = %v", inject["message"])
	}
}

func TestConnect_HandshakeError(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var settings map[string]any
		readJSON(t, conn, &settings)
		writeJSON(t, conn, map[string]string{"type": "Welcome"})
		writeJSON(t, conn, map[string]string{"type": "Error", "description": "invalid think model"})
	})

	p, _ := deepgram.New("key", deepgram.WithBaseURL(wsURL(srv)))
	_, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err == nil {
		t.Fatal("expected handshake error")
	}
	if !strings.Contains(err.Error(), "invalid think model") {
		t.Errorf("error %q does not mention service description", err)
	}
}

func TestSession_ConversationEvents(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn)
		writeJSON(t, conn, map[string]string{"type": "ConversationText", "role": "user", "content": "I want to build"})
		writeJSON(t, conn, map[string]string{"type": "AgentThinking"})
		writeJSON(t, conn, map[string]string{"type": "ConversationText", "role": "assistant", "content": "Tell me more."})
		writeJSON(t, conn, map[string]string{"type": "AgentAudioDone"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p, _ := deepgram.New("key", deepgram.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	evt := nextEvent(t, handle)
	if evt.Kind != voice.EventConversationText || evt.Speaker != voice.SpeakerUser || evt.Text != "I want to build" {
		t.Errorf("unexpected first event: %+v", evt)
	}
	if evt := nextEvent(t, handle); evt.Kind != voice.EventAgentThinking {
		t.Errorf("second event kind = %v; want agent_thinking", evt.Kind)
	}
	evt = nextEvent(t, handle)
	if evt.Kind != voice.EventConversationText || evt.Speaker != voice.SpeakerAgent || evt.Text != "Tell me more." {
		t.Errorf("unexpected third event: %+v", evt)
	}
	if evt := nextEvent(t, handle); evt.Kind != voice.EventAgentAudioDone {
		t.Errorf("fourth event kind = %v; want agent_audio_done", evt.Kind)
	}
}

func TestSession_BinaryFramesIgnored(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := conn.Write(ctx, websocket.MessageBinary, []byte{0x00, 0x01, 0x02}); err != nil {
			t.Logf("write binary: %v", err)
		}
		writeJSON(t, conn, map[string]string{"type": "ConversationText", "role": "assistant", "content": "after audio"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p, _ := deepgram.New("key", deepgram.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	evt := nextEvent(t, handle)
	if evt.Kind != voice.EventConversationText || evt.Text != "after audio" {
		t.Errorf("unexpected event after binary frame: %+v", evt)
	}
}

func TestSession_UpdateInstructions(t *testing.T) {
	t.Parallel()

	updateCh := make(chan map[string]any, 1)
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn)
		var update map[string]any
		readJSON(t, conn, &update)
		updateCh <- update
		<-conn.CloseRead(context.Background()).Done()
	})

	p, _ := deepgram.New("key", deepgram.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.UpdateInstructions("focus on personas next"); err != nil {
		t.Fatalf("UpdateInstructions: %v", err)
	}

	update := <-updateCh
	if update["type"] != "UpdateInstructions" {
		t.Errorf("frame type = %v; want UpdateInstructions", update["type"])
	}
	if update["instructions"] != "focus on personas next" {
		t.Errorf("instructions = %v", update["instructions"])
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p, _ := deepgram.New("key", deepgram.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := handle.InjectAgentMessage("too late"); err == nil {
		t.Error("expected error injecting into closed session")
	}
}
