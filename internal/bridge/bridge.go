// Package bridge connects a persisted design session to the hosted voice
// agent. It owns the session lifecycle, folds streamed transcript fragments
// into whole turns, schedules design-state refreshes after each agent reply,
// and pushes refreshed instructions back into the live voice session.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/voxdraft/voxdraft/internal/observe"
	"github.com/voxdraft/voxdraft/internal/prd"
	"github.com/voxdraft/voxdraft/internal/refiner"
	"github.com/voxdraft/voxdraft/internal/state"
	"github.com/voxdraft/voxdraft/internal/store"
	"github.com/voxdraft/voxdraft/internal/voicecmd"
	"github.com/voxdraft/voxdraft/pkg/provider/voice"
)

// Lifecycle states.
const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateActive     = "active"
	StateStopping   = "stopping"
)

const (
	triggerStart         = "start"
	triggerConnected     = "connected"
	triggerConnectFailed = "connect_failed"
	triggerStop          = "stop"
	triggerStopped       = "stopped"
)

const (
	greetingNew    = "Hello! I'm your product design assistant. How can I help you design your product today?"
	greetingResume = "Welcome back, let's continue our design discussion."

	wrapUpMessage = "Let's wrap up. I'll summarize where we landed: please review the design state and export the PRD when you're ready."
)

// ErrNotActive is returned by Stop when the session is not running.
var ErrNotActive = errors.New("bridge: session not active")

// Bridge runs one voice session for one stored design session.
type Bridge struct {
	sessionID string
	store     store.Store
	voice     voice.Provider
	refiner   *refiner.Refiner
	detector  *voicecmd.Detector
	exporter  *prd.Exporter
	log       *slog.Logger
	metrics   *observe.Metrics

	thinkModel string
	voiceID    string

	fsm *stateless.StateMachine

	mu     sync.Mutex
	buf    turnBuffer
	handle voice.SessionHandle
	worker *refiner.Worker
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithExporter enables the spoken "export the document" command.
func WithExporter(e *prd.Exporter) Option {
	return func(b *Bridge) { b.exporter = e }
}

// WithThinkModel overrides the voice agent's reasoning model.
func WithThinkModel(model string) Option {
	return func(b *Bridge) { b.thinkModel = model }
}

// WithVoiceID overrides the synthesized voice.
func WithVoiceID(id string) Option {
	return func(b *Bridge) { b.voiceID = id }
}

// New builds an idle bridge for the given session.
func New(sessionID string, st store.Store, vp voice.Provider, ref *refiner.Refiner, opts ...Option) *Bridge {
	b := &Bridge{
		sessionID: sessionID,
		store:     st,
		voice:     vp,
		refiner:   ref,
		detector:  voicecmd.New(),
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.fsm = newLifecycle()
	return b
}

func newLifecycle() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)
	fsm.Configure(StateIdle).
		Permit(triggerStart, StateConnecting)
	fsm.Configure(StateConnecting).
		Permit(triggerConnected, StateActive).
		Permit(triggerConnectFailed, StateIdle)
	fsm.Configure(StateActive).
		Permit(triggerStop, StateStopping)
	fsm.Configure(StateStopping).
		Permit(triggerStopped, StateIdle)
	return fsm
}

// State reports the current lifecycle state.
func (b *Bridge) State() string {
	return b.fsm.MustState().(string)
}

// SessionID returns the stored session this bridge serves.
func (b *Bridge) SessionID() string {
	return b.sessionID
}

// Start connects the voice session and begins processing events. The initial
// agent instructions are composed from the latest persisted design state, so
// a resumed session picks up exactly where it left off.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.fsm.Fire(triggerStart); err != nil {
		return fmt.Errorf("bridge: start: session is %s", b.State())
	}

	cfg, err := b.sessionConfig(ctx)
	if err != nil {
		_ = b.fsm.Fire(triggerConnectFailed)
		return fmt.Errorf("bridge: start: %w", err)
	}

	handle, err := b.voice.Connect(ctx, cfg)
	if err != nil {
		_ = b.fsm.Fire(triggerConnectFailed)
		return fmt.Errorf("bridge: connect voice session: %w", err)
	}

	b.mu.Lock()
	b.handle = handle
	b.buf = turnBuffer{}
	b.worker = refiner.NewWorker(b.refiner, b.sessionID, b.onRefresh)
	b.mu.Unlock()

	b.worker.Start()
	go b.eventLoop(context.WithoutCancel(ctx), handle)

	b.metrics.ActiveSessions.Add(ctx, 1)
	b.log.Info("voice session started", "session_id", b.sessionID)
	return b.fsm.Fire(triggerConnected)
}

// Stop ends the voice session. Any partially accumulated turn is persisted
// and an in-flight refresh is left to finish on its own.
func (b *Bridge) Stop(ctx context.Context) error {
	if err := b.fsm.Fire(triggerStop); err != nil {
		return ErrNotActive
	}

	b.mu.Lock()
	open := b.buf.Flush()
	handle := b.handle
	worker := b.worker
	b.handle = nil
	b.worker = nil
	b.mu.Unlock()

	if open != nil {
		b.persistTurn(ctx, open)
	}
	if worker != nil {
		worker.Stop()
	}
	if handle != nil {
		if err := handle.Close(); err != nil {
			b.log.Warn("closing voice session", "session_id", b.sessionID, "error", err)
		}
	}

	b.metrics.ActiveSessions.Add(ctx, -1)
	b.log.Info("voice session stopped", "session_id", b.sessionID)
	return b.fsm.Fire(triggerStopped)
}

func (b *Bridge) sessionConfig(ctx context.Context) (voice.SessionConfig, error) {
	greeting := greetingNew
	if prior, err := b.store.RecentMessages(ctx, b.sessionID, 1); err != nil {
		return voice.SessionConfig{}, fmt.Errorf("load transcript: %w", err)
	} else if len(prior) > 0 {
		greeting = greetingResume
	}

	stateJSON := []byte(nil)
	guidance := ""
	snap, err := b.store.LatestSnapshot(ctx, b.sessionID)
	switch {
	case err == nil:
		stateJSON = []byte(snap.StateJSON)
		guidance = snap.Instructions
	case errors.Is(err, store.ErrNoSnapshot):
		stateJSON = state.DefaultDocument()
	default:
		return voice.SessionConfig{}, fmt.Errorf("load snapshot: %w", err)
	}

	return voice.SessionConfig{
		Instructions: refiner.ComposeInstructions(stateJSON, guidance),
		ThinkModel:   b.thinkModel,
		VoiceID:      b.voiceID,
		Greeting:     greeting,
	}, nil
}

// eventLoop drains the voice session's event stream until it closes.
func (b *Bridge) eventLoop(ctx context.Context, handle voice.SessionHandle) {
	for ev := range handle.Events() {
		b.metrics.RecordVoiceEvent(ctx, string(ev.Kind))
		switch ev.Kind {
		case voice.EventConversationText:
			b.onConversationText(ctx, ev)
		case voice.EventAgentAudioDone:
			b.onAgentDone(ctx)
		case voice.EventError:
			b.log.Warn("voice session error", "session_id", b.sessionID, "error", ev.Err)
		case voice.EventClosed:
			b.log.Debug("voice session closed", "session_id", b.sessionID)
		}
	}
}

func (b *Bridge) onConversationText(ctx context.Context, ev voice.Event) {
	speaker := store.SpeakerUser
	if ev.Speaker == voice.SpeakerAgent {
		speaker = store.SpeakerAgent
	}

	b.mu.Lock()
	done := b.buf.Add(speaker, ev.Text)
	b.mu.Unlock()

	if done != nil {
		b.persistTurn(ctx, done)
	}
}

// onAgentDone fires when the agent finishes speaking: the agent's turn is
// complete even though no user fragment has arrived yet, so flush it and
// schedule a design-state refresh.
func (b *Bridge) onAgentDone(ctx context.Context) {
	b.mu.Lock()
	var done *Turn
	if b.buf.lastSpeaker == store.SpeakerAgent {
		done = b.buf.Flush()
	}
	worker := b.worker
	b.mu.Unlock()

	if done != nil {
		b.persistTurn(ctx, done)
	}
	if worker != nil {
		worker.Nudge()
	}
}

func (b *Bridge) persistTurn(ctx context.Context, t *Turn) {
	if _, err := b.store.AppendMessage(ctx, b.sessionID, t.Speaker, t.Text); err != nil {
		b.log.Error("persisting turn", "session_id", b.sessionID, "speaker", t.Speaker, "error", err)
		return
	}
	b.metrics.RecordTurn(ctx, string(t.Speaker))

	if t.Speaker == store.SpeakerUser {
		if cmd, confidence, ok := b.detector.Detect(t.Text); ok {
			b.metrics.RecordVoiceCommand(ctx, string(cmd))
			b.log.Info("voice command detected",
				"session_id", b.sessionID, "command", cmd, "confidence", confidence)
			b.handleCommand(ctx, cmd)
		}
	}
}

func (b *Bridge) handleCommand(ctx context.Context, cmd voicecmd.Command) {
	b.mu.Lock()
	handle := b.handle
	b.mu.Unlock()
	if handle == nil {
		return
	}

	switch cmd {
	case voicecmd.CommandExport:
		if b.exporter == nil {
			b.inject(handle, "Exporting isn't set up for this session, sorry.")
			return
		}
		path, err := b.exporter.Export(ctx, b.sessionID)
		if err != nil {
			b.log.Error("exporting document", "session_id", b.sessionID, "error", err)
			b.inject(handle, "I couldn't export the document yet. Let's capture a bit more of the design first.")
			return
		}
		b.log.Info("document exported", "session_id", b.sessionID, "path", path)
		b.inject(handle, "Done. I've exported the product requirements document.")
	case voicecmd.CommandWrapUp:
		b.inject(handle, wrapUpMessage)
	}
}

func (b *Bridge) inject(handle voice.SessionHandle, msg string) {
	if err := handle.InjectAgentMessage(msg); err != nil {
		b.log.Warn("injecting agent message", "session_id", b.sessionID, "error", err)
	}
}

// onRefresh pushes freshly composed instructions into the live session after
// a successful design-state refresh.
func (b *Bridge) onRefresh(res *refiner.Result) {
	b.mu.Lock()
	handle := b.handle
	b.mu.Unlock()
	if handle == nil {
		return
	}

	if err := handle.UpdateInstructions(res.Instructions); err != nil {
		b.log.Warn("updating instructions", "session_id", b.sessionID, "error", err)
		return
	}
	b.log.Debug("instructions pushed",
		"session_id", b.sessionID,
		"guidance_changed", res.GuidanceChanged)
}
