package bridge

import "github.com/voxdraft/voxdraft/internal/store"

// Turn is one complete, uninterrupted utterance by a single speaker.
type Turn struct {
	Speaker store.Speaker
	Text    string
}

// turnBuffer accumulates consecutive same-speaker transcript fragments into
// one logical turn. The speech service delivers text in network-sized
// fragments; persisting each one would shred the transcript into partial
// sentences, so fragments are space-joined until the speaker changes.
//
// Not safe for concurrent use; the bridge's event loop is the only caller.
type turnBuffer struct {
	userText    string
	agentText   string
	lastSpeaker store.Speaker
}

// Add appends a fragment to the current turn. When the speaker changed since
// the previous fragment, the previous speaker's completed turn is returned
// for persistence; otherwise completed is nil.
func (b *turnBuffer) Add(speaker store.Speaker, fragment string) (completed *Turn) {
	if fragment == "" {
		return nil
	}

	if b.lastSpeaker == speaker {
		switch speaker {
		case store.SpeakerUser:
			b.userText += " " + fragment
		case store.SpeakerAgent:
			b.agentText += " " + fragment
		}
		return nil
	}

	completed = b.flush()
	switch speaker {
	case store.SpeakerUser:
		b.userText = fragment
	case store.SpeakerAgent:
		b.agentText = fragment
	}
	b.lastSpeaker = speaker
	return completed
}

// Flush returns the open turn, if any, and resets the buffer. Called on
// session stop and when the agent finishes speaking.
func (b *turnBuffer) Flush() *Turn {
	t := b.flush()
	b.lastSpeaker = ""
	return t
}

func (b *turnBuffer) flush() *Turn {
	switch b.lastSpeaker {
	case store.SpeakerUser:
		t := &Turn{Speaker: store.SpeakerUser, Text: b.userText}
		b.userText = ""
		return t
	case store.SpeakerAgent:
		t := &Turn{Speaker: store.SpeakerAgent, Text: b.agentText}
		b.agentText = ""
		return t
	default:
		return nil
	}
}
