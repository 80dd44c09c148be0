// Package deepgram provides a voice provider backed by the Deepgram Voice
// Agent API.
//
// The agent service runs the full listen/think/speak loop on Deepgram's side;
// this client opens the control WebSocket, applies the session settings, and
// then surfaces the conversation as voice.Events. Binary frames (synthesised
// agent audio) are discarded: audio playback happens in the browser, not here.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxdraft/voxdraft/pkg/provider/voice"
)

const (
	defaultBaseURL    = "wss://agent.deepgram.com/v1/agent/converse"
	defaultListen     = "nova-3"
	defaultThinkModel = "gpt-4o-mini"
	defaultVoiceID    = "aura-2-thalia-en"

	// keepAliveInterval must stay below the service's idle timeout; without
	// client audio the socket would otherwise go silent between turns.
	keepAliveInterval = 8 * time.Second

	// handshakeTimeout bounds the wait for Welcome and SettingsApplied.
	handshakeTimeout = 15 * time.Second
)

// Provider implements voice.Provider using the Deepgram Voice Agent API.
type Provider struct {
	apiKey  string
	baseURL string
}

var _ voice.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the default agent WebSocket URL. Used in tests to
// point at a local server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// New creates a new Deepgram Voice Agent Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Connect establishes a new agent session. It sends the Settings message and
// blocks until the service acknowledges with Welcome and SettingsApplied, so
// the returned handle is ready for injection immediately. If cfg.Greeting is
// set the agent is told to speak it before Connect returns.
func (p *Provider) Connect(ctx context.Context, cfg voice.SessionConfig) (voice.SessionHandle, error) {
	conn, _, err := websocket.Dial(ctx, p.baseURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Token " + p.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan voice.Event, 32),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSettings(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "settings failed")
		return nil, fmt.Errorf("deepgram: send settings: %w", err)
	}

	if err := sess.awaitReady(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, err
	}

	if cfg.Greeting != "" {
		if err := sess.InjectAgentMessage(cfg.Greeting); err != nil {
			sessCancel()
			conn.Close(websocket.StatusInternalError, "greeting failed")
			return nil, fmt.Errorf("deepgram: inject greeting: %w", err)
		}
	}

	go sess.receiveLoop()
	go sess.keepAliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type settingsMessage struct {
	Type  string        `json:"type"`
	Audio audioSettings `json:"audio"`
	Agent agentSettings `json:"agent"`
}

type audioSettings struct {
	Input  audioFormat `json:"input"`
	Output audioFormat `json:"output"`
}

type audioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type agentSettings struct {
	Listen listenSettings `json:"listen"`
	Think  thinkSettings  `json:"think"`
	Speak  speakSettings  `json:"speak"`
}

type listenSettings struct {
	Provider providerRef `json:"provider"`
}

type thinkSettings struct {
	Provider providerRef `json:"provider"`
	Prompt   string      `json:"prompt"`
}

type speakSettings struct {
	Provider providerRef `json:"provider"`
}

type providerRef struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

type injectAgentMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type updateInstructionsMessage struct {
	Type         string `json:"type"`
	Instructions string `json:"instructions"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// ConversationText
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// Error
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
}

// ── session ───────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan voice.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ voice.SessionHandle = (*session)(nil)

func (s *session) sendSettings(cfg voice.SessionConfig) error {
	thinkModel := cfg.ThinkModel
	if thinkModel == "" {
		thinkModel = defaultThinkModel
	}
	voiceID := cfg.VoiceID
	if voiceID == "" {
		voiceID = defaultVoiceID
	}

	return s.writeJSON(settingsMessage{
		Type: "Settings",
		Audio: audioSettings{
			Input:  audioFormat{Encoding: "linear16", SampleRate: 16_000},
			Output: audioFormat{Encoding: "linear16", SampleRate: 24_000},
		},
		Agent: agentSettings{
			Listen: listenSettings{
				Provider: providerRef{Type: "deepgram", Model: defaultListen},
			},
			Think: thinkSettings{
				Provider: providerRef{Type: "open_ai", Model: thinkModel},
				Prompt:   cfg.Instructions,
			},
			Speak: speakSettings{
				Provider: providerRef{Type: "deepgram", Model: voiceID},
			},
		},
	})
}

// awaitReady reads frames until both Welcome and SettingsApplied have arrived.
// A service Error during the handshake aborts the connect.
func (s *session) awaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var welcomed, applied bool
	for !welcomed || !applied {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("deepgram: handshake read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "Welcome":
			welcomed = true
		case "SettingsApplied":
			applied = true
		case "Error":
			return fmt.Errorf("deepgram: handshake rejected: %s", evt.Description)
		}
	}
	return nil
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("deepgram: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads frames from the WebSocket and dispatches them. It owns
// the events channel and closes it on exit, after a final EventClosed.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}
		if typ != websocket.MessageText {
			// Agent audio. Playback is the browser's job.
			continue
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "ConversationText":
		speaker := voice.SpeakerAgent
		if evt.Role == "user" {
			speaker = voice.SpeakerUser
		}
		if evt.Content == "" {
			return
		}
		s.emit(voice.Event{
			Kind:    voice.EventConversationText,
			Speaker: speaker,
			Text:    evt.Content,
		})

	case "UserStartedSpeaking":
		s.emit(voice.Event{Kind: voice.EventUserStartedSpeaking})

	case "AgentThinking":
		s.emit(voice.Event{Kind: voice.EventAgentThinking})

	case "AgentStartedSpeaking":
		s.emit(voice.Event{Kind: voice.EventAgentStartedSpeaking})

	case "AgentAudioDone":
		s.emit(voice.Event{Kind: voice.EventAgentAudioDone})

	case "Error":
		msg := evt.Description
		if msg == "" {
			msg = "unknown error"
		}
		s.emit(voice.Event{
			Kind: voice.EventError,
			Err:  fmt.Errorf("deepgram: %s", msg),
		})

	case "Close":
		s.setErr(nil)
		s.cancel()
	}
}

func (s *session) emit(evt voice.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *session) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.writeJSON(map[string]string{"type": "KeepAlive"}); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() {
		select {
		case s.events <- voice.Event{Kind: voice.EventClosed}:
		default:
		}
		close(s.events)
	})
}

// ── SessionHandle methods ─────────────────────────────────────────────────────

// Events returns the channel on which session events arrive.
func (s *session) Events() <-chan voice.Event { return s.events }

// InjectAgentMessage makes the agent speak message immediately.
func (s *session) InjectAgentMessage(message string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(injectAgentMessage{
		Type:    "InjectAgentMessage",
		Message: message,
	})
}

// UpdateInstructions replaces the agent's think prompt mid-session.
func (s *session) UpdateInstructions(instructions string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(updateInstructionsMessage{
		Type:         "UpdateInstructions",
		Instructions: instructions,
	})
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("deepgram: session closed")
	}
	return nil
}

// Err returns the first non-nil error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Safe to call multiple times.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "session closed")
}
