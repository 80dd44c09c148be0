// Package mock provides test doubles for the voice.Provider and
// voice.SessionHandle interfaces.
//
// Tests drive a conversation by calling Session.Emit for each event the real
// service would send, then Session.End to close the stream. Injection and
// instruction updates are recorded for later assertions.
package mock

import (
	"context"
	"sync"

	"github.com/voxdraft/voxdraft/pkg/provider/voice"
)

// Session is a mock implementation of voice.SessionHandle.
type Session struct {
	mu sync.Mutex

	events chan voice.Event
	ended  bool

	// InjectErr, if non-nil, is returned by InjectAgentMessage.
	InjectErr error

	// UpdateErr, if non-nil, is returned by UpdateInstructions.
	UpdateErr error

	// CloseErr is returned by the first Close call.
	CloseErr error

	// ErrVal is returned by Err.
	ErrVal error

	// Injected records every message passed to InjectAgentMessage.
	Injected []string

	// Instructions records every value passed to UpdateInstructions.
	Instructions []string

	// Closed counts Close invocations.
	Closed int
}

var _ voice.SessionHandle = (*Session)(nil)

// NewSession returns a Session ready to emit events.
func NewSession() *Session {
	return &Session{events: make(chan voice.Event, 64)}
}

// Emit queues an event for the consumer. Panics if called after End.
func (s *Session) Emit(evt voice.Event) {
	s.events <- evt
}

// EmitText is a shorthand for emitting a ConversationText event.
func (s *Session) EmitText(speaker voice.Speaker, text string) {
	s.Emit(voice.Event{Kind: voice.EventConversationText, Speaker: speaker, Text: text})
}

// End delivers a final EventClosed and closes the event stream. Safe to call
// once; subsequent calls are no-ops.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.events <- voice.Event{Kind: voice.EventClosed}
	close(s.events)
}

// Events implements voice.SessionHandle.
func (s *Session) Events() <-chan voice.Event { return s.events }

// InjectAgentMessage implements voice.SessionHandle.
func (s *Session) InjectAgentMessage(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Injected = append(s.Injected, message)
	return s.InjectErr
}

// UpdateInstructions implements voice.SessionHandle.
func (s *Session) UpdateInstructions(instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Instructions = append(s.Instructions, instructions)
	return s.UpdateErr
}

// Close implements voice.SessionHandle. It also ends the event stream.
func (s *Session) Close() error {
	s.mu.Lock()
	s.Closed++
	first := s.Closed == 1
	s.mu.Unlock()

	s.End()
	if first {
		return s.CloseErr
	}
	return nil
}

// Err implements voice.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// InjectedMessages returns a copy of the recorded injections.
func (s *Session) InjectedMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Injected...)
}

// InstructionUpdates returns a copy of the recorded instruction updates.
func (s *Session) InstructionUpdates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Instructions...)
}

// ConnectCall records a single invocation of Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg voice.SessionConfig
}

// Provider is a mock implementation of voice.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions is an optional script of handles returned one per Connect
	// call. When exhausted (or empty), a fresh Session is returned.
	Sessions []*Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every invocation of Connect in order.
	ConnectCalls []ConnectCall
}

var _ voice.Provider = (*Provider)(nil)

// Connect implements voice.Provider.
func (p *Provider) Connect(ctx context.Context, cfg voice.SessionConfig) (voice.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if len(p.Sessions) > 0 {
		sess := p.Sessions[0]
		p.Sessions = p.Sessions[1:]
		return sess, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded Connect invocations.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}
