// Package refiner derives the next design-state snapshot and agent guidance
// from a session's conversation.
//
// A refresh is a read-modify-write cycle: fetch the latest snapshot and the
// transcript, ask the model for a complete replacement JSON document, then ask
// whether the agent's supplementary guidance should change. On success a new
// snapshot is appended; the previous one is never mutated. When the model's
// reply contains no parseable JSON the refresh aborts and the stored state is
// left untouched.
//
// Refreshes for one session must not overlap; see [Worker] for the
// single-consumer queue that serialises them.
package refiner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxdraft/voxdraft/internal/observe"
	"github.com/voxdraft/voxdraft/internal/state"
	"github.com/voxdraft/voxdraft/internal/store"
	"github.com/voxdraft/voxdraft/pkg/provider/llm"
)

// NoChangeSentinel is the reply prefix by which the model signals that the
// previous guidance should be kept verbatim.
const NoChangeSentinel = "NO_CHANGE"

const (
	// defaultMaxTokens bounds the replacement JSON document. The design
	// state stays well under this even for long conversations.
	defaultMaxTokens = 4000

	// guidanceMaxTokens bounds the guidance reply (three bullets at most).
	guidanceMaxTokens = 300

	// defaultTranscriptTail is how many trailing transcript messages the
	// guidance prompt sees.
	defaultTranscriptTail = 5
)

const extractionSystemPrompt = `You are a design documentation assistant. Your job is to extract product-design information from conversations and maintain an up-to-date design document in JSON format.

You will be given the current design state as a JSON object and the conversation history between a user and a design assistant. Update the design state based on new information in the conversation.

Important guidelines:
- Preserve existing information unless it is explicitly changed
- Add new information from the conversation
- Resolve contradictions by favoring the most recent statement
- Keep the JSON structure identical to the one you were given
- Return ONLY the updated JSON without any additional text`

const guidanceSystemPrompt = `You are coaching a voice assistant that interviews a user about a product idea. Given the current design state, the most recent conversation, and the previous coaching notes, decide whether the notes need to change.

If the previous notes still apply, reply with exactly NO_CHANGE and nothing else. Otherwise reply with at most three short bullet points naming the topics the assistant should steer toward next. Do not include any other text.`

// instructionsTemplate is the static portion of the voice agent's system
// prompt. The design state JSON and the dynamic guidance are appended by
// ComposeInstructions.
const instructionsTemplate = `You are VoxDraft, an expert product management and design thinking assistant. You guide users through a thoughtful product design process before they begin implementation.

CONVERSATION STYLE:
- Keep your responses under 3 sentences
- Ask only one question at a time
- Let the user do most of the talking; listen without interrupting
- Be warm but concise

WORKFLOW:
- Ask a single focused question tied to one field of the design document
- Acknowledge the user's input briefly before moving on
- After 2-3 exchanges on a topic, transition to a new section
- Cover all key sections rather than deep-diving into one area
- Never ask the user to repeat information already captured

The JSON document below is everything captured so far. Focus your questions on unfilled areas and never mention the JSON structure directly in conversation.

CURRENT STATE:
%s`

// Result carries the outcome of one successful refresh.
type Result struct {
	// StateJSON is the new design-state document, in canonical form.
	StateJSON []byte

	// Guidance is the supplementary guidance stored with the snapshot.
	Guidance string

	// GuidanceChanged reports whether Guidance differs from the previous
	// snapshot's guidance.
	GuidanceChanged bool

	// Instructions is the full system prompt (template + state + guidance)
	// to push into the live voice session.
	Instructions string
}

// ComposeInstructions builds the full system prompt for the voice agent from
// the design state and the stored guidance.
func ComposeInstructions(stateJSON []byte, guidance string) string {
	prompt := fmt.Sprintf(instructionsTemplate, state.Pretty(stateJSON))
	if guidance != "" {
		prompt += "\n\nCURRENT FOCUS:\n" + guidance
	}
	return prompt
}

// Refiner runs design-state refreshes against a store and an LLM provider.
type Refiner struct {
	store          store.Store
	provider       llm.Provider
	log            *slog.Logger
	metrics        *observe.Metrics
	maxTokens      int
	transcriptTail int
}

// Option is a functional option for Refiner.
type Option func(*Refiner)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(r *Refiner) {
		r.log = log
	}
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Refiner) {
		r.metrics = m
	}
}

// WithMaxTokens bounds the extraction reply. Non-positive values keep the
// default.
func WithMaxTokens(n int) Option {
	return func(r *Refiner) {
		if n > 0 {
			r.maxTokens = n
		}
	}
}

// WithTranscriptTail sets how many trailing transcript messages the guidance
// prompt sees. Non-positive values keep the default.
func WithTranscriptTail(n int) Option {
	return func(r *Refiner) {
		if n > 0 {
			r.transcriptTail = n
		}
	}
}

// New constructs a Refiner.
func New(st store.Store, provider llm.Provider, opts ...Option) *Refiner {
	r := &Refiner{
		store:          st,
		provider:       provider,
		maxTokens:      defaultMaxTokens,
		transcriptTail: defaultTranscriptTail,
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Refresh runs one full refresh cycle for the session: extract the next
// design state from the transcript, decide whether guidance changes, and
// append the new snapshot. The prior snapshot is preserved either way.
//
// On any failure the store is left exactly as it was and the error describes
// which stage failed.
func (r *Refiner) Refresh(ctx context.Context, sessionID string) (*Result, error) {
	start := time.Now()
	res, status, err := r.refresh(ctx, sessionID)
	r.metrics.RecordRefresh(ctx, time.Since(start).Seconds(), status)
	if err != nil {
		r.log.Warn("refresh failed",
			"session_id", sessionID,
			"status", status,
			"error", err)
		return nil, err
	}
	r.log.Info("refresh complete",
		"session_id", sessionID,
		"guidance_changed", res.GuidanceChanged,
		"duration", time.Since(start))
	return res, nil
}

func (r *Refiner) refresh(ctx context.Context, sessionID string) (*Result, string, error) {
	prevState, prevGuidance, err := r.currentState(ctx, sessionID)
	if err != nil {
		return nil, "store_error", err
	}

	transcript, err := r.store.Transcript(ctx, sessionID)
	if err != nil {
		return nil, "store_error", fmt.Errorf("refiner: load transcript: %w", err)
	}

	newState, err := r.extract(ctx, prevState, transcript)
	if err != nil {
		if errors.Is(err, state.ErrNoJSON) {
			return nil, "parse_error", err
		}
		return nil, "llm_error", err
	}

	guidance, changed := r.refreshGuidance(ctx, newState, transcript, prevGuidance)

	if _, err := r.store.SaveSnapshot(ctx, sessionID, newState, guidance); err != nil {
		return nil, "store_error", fmt.Errorf("refiner: save snapshot: %w", err)
	}

	outcome := "unchanged"
	if changed {
		outcome = "changed"
	}
	r.metrics.RecordInstructionRefresh(ctx, outcome)

	return &Result{
		StateJSON:       newState,
		Guidance:        guidance,
		GuidanceChanged: changed,
		Instructions:    ComposeInstructions(newState, guidance),
	}, "ok", nil
}

// currentState returns the latest stored state and guidance, or the default
// empty document when the session has no snapshot yet.
func (r *Refiner) currentState(ctx context.Context, sessionID string) ([]byte, string, error) {
	snap, err := r.store.LatestSnapshot(ctx, sessionID)
	switch {
	case err == nil:
		return snap.StateJSON, snap.Instructions, nil
	case errors.Is(err, store.ErrNoSnapshot):
		return state.DefaultDocument(), "", nil
	default:
		return nil, "", fmt.Errorf("refiner: load snapshot: %w", err)
	}
}

// extract asks the model for the complete replacement design-state document.
// The returned bytes are canonical JSON; the reply's own formatting never
// reaches the store.
func (r *Refiner) extract(ctx context.Context, prevState []byte, transcript []store.Message) ([]byte, error) {
	userPrompt := fmt.Sprintf("Current Design State:\n```json\n%s\n```\n\nConversation History:\n%s\nPlease update the design state based on the conversation and return the complete updated JSON.",
		state.Pretty(prevState), formatTranscript(transcript))

	llmStart := time.Now()
	resp, err := r.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: extractionSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: userPrompt},
		},
		MaxTokens: r.maxTokens,
	})
	r.metrics.RecordLLMCall(ctx, time.Since(llmStart).Seconds(), "extract")
	if err != nil {
		return nil, fmt.Errorf("refiner: extraction completion: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("refiner: extraction completion: empty response")
	}

	doc, err := state.ExtractJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("refiner: parse extraction reply: %w", err)
	}
	return doc, nil
}

// refreshGuidance decides the next guidance text. A reply beginning with
// NoChangeSentinel keeps the previous guidance verbatim, as does any model
// failure: stale coaching notes are better than losing the state update.
func (r *Refiner) refreshGuidance(ctx context.Context, stateJSON []byte, transcript []store.Message, prev string) (guidance string, changed bool) {
	recent := transcript
	if len(recent) > r.transcriptTail {
		recent = recent[len(recent)-r.transcriptTail:]
	}

	userPrompt := fmt.Sprintf("Design State:\n```json\n%s\n```\n\nRecent Conversation:\n%s\nPrevious Notes:\n%s",
		state.Pretty(stateJSON), formatTranscript(recent), orNone(prev))

	llmStart := time.Now()
	resp, err := r.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: guidanceSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: userPrompt},
		},
		MaxTokens: guidanceMaxTokens,
	})
	r.metrics.RecordLLMCall(ctx, time.Since(llmStart).Seconds(), "instructions")
	if err != nil || resp == nil {
		r.log.Warn("guidance refresh failed, keeping previous notes", "error", err)
		return prev, false
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" || strings.HasPrefix(reply, NoChangeSentinel) {
		return prev, false
	}
	return reply, reply != prev
}

func formatTranscript(messages []store.Message) string {
	var b strings.Builder
	for _, m := range messages {
		speaker := "User"
		if m.Speaker == store.SpeakerAgent {
			speaker = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n\n", speaker, m.Text)
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
