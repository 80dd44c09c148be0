// Package voice defines the Provider interface for hosted voice-agent backends.
//
// A voice provider wraps a real-time conversational speech service such as the
// Deepgram Voice Agent API. The service runs the full speech loop on its side
// (listening, thinking, speaking); VoxDraft connects as a control-plane client
// that observes the conversation as a stream of events and steers the agent by
// injecting messages and updating its instructions. No audio flows through
// this package.
//
// The central abstraction is SessionHandle: a long-lived, stateful connection
// whose events must be drained by exactly one consumer. All implementations
// must be safe for concurrent use.
package voice

import "context"

// EventKind identifies what a session Event carries.
type EventKind string

// Event kinds emitted by a SessionHandle. Not every provider emits every
// kind; consumers must tolerate kinds they do not handle.
const (
	// EventConversationText carries a finalized fragment of conversation text.
	// Speaker and Text are set.
	EventConversationText EventKind = "conversation_text"

	// EventUserStartedSpeaking signals that the service detected the start of
	// user speech. Any agent reply in flight is being cut off.
	EventUserStartedSpeaking EventKind = "user_started_speaking"

	// EventAgentThinking signals that the agent has begun preparing a reply.
	EventAgentThinking EventKind = "agent_thinking"

	// EventAgentStartedSpeaking signals that agent audio playback has begun.
	EventAgentStartedSpeaking EventKind = "agent_started_speaking"

	// EventAgentAudioDone signals that the agent finished speaking its reply.
	EventAgentAudioDone EventKind = "agent_audio_done"

	// EventError carries a non-fatal provider-side error. Err is set.
	EventError EventKind = "error"

	// EventClosed is the final event before the Events channel closes.
	EventClosed EventKind = "closed"
)

// Speaker identifies who produced a conversation text fragment.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Event is a single occurrence in a voice session.
type Event struct {
	// Kind identifies the event type and which fields are populated.
	Kind EventKind

	// Speaker is set for EventConversationText.
	Speaker Speaker

	// Text is set for EventConversationText.
	Text string

	// Err is set for EventError.
	Err error
}

// SessionConfig is the initial configuration for a new voice session.
type SessionConfig struct {
	// Instructions is the system-level prompt that defines the agent's role
	// and current interviewing focus.
	Instructions string

	// ThinkModel selects the LLM the service uses for the agent's replies
	// (e.g., "gpt-4o-mini"). Empty means provider default.
	ThinkModel string

	// VoiceID selects the synthesised voice. Empty means provider default.
	VoiceID string

	// Greeting, when non-empty, is spoken by the agent as soon as the session
	// is established.
	Greeting string
}

// SessionHandle represents an open voice session.
//
// Exactly one consumer must drain Events; the other methods may be called from
// any goroutine. Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// Events returns a read-only channel of session events. The channel is
	// closed when the session ends, after a final EventClosed is delivered.
	// After it closes, call Err to check whether the session ended cleanly.
	Events() <-chan Event

	// InjectAgentMessage makes the agent speak message immediately, as if it
	// had generated the text itself. The spoken text is also surfaced as a
	// ConversationText event.
	InjectAgentMessage(message string) error

	// UpdateInstructions replaces the agent's system-level instructions.
	// Effective for the agent's next turn.
	UpdateInstructions(instructions string) error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error

	// Err returns the error that ended the session prematurely, or nil if the
	// session ended cleanly. Valid after the Events channel is closed.
	Err() error
}

// Provider is the abstraction over any hosted voice-agent backend.
//
// Implementations must be safe for concurrent use; the server may run one
// session per active design conversation.
type Provider interface {
	// Connect establishes a new voice session with the given configuration.
	// It returns only after the service has acknowledged the configuration,
	// so a non-nil SessionHandle is ready for injection immediately. The
	// caller owns the handle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
