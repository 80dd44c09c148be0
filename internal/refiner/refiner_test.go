package refiner_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxdraft/voxdraft/internal/observe"
	"github.com/voxdraft/voxdraft/internal/refiner"
	"github.com/voxdraft/voxdraft/internal/state"
	"github.com/voxdraft/voxdraft/internal/store"
	storemock "github.com/voxdraft/voxdraft/internal/store/mock"
	llmmock "github.com/voxdraft/voxdraft/pkg/provider/llm/mock"
	"github.com/voxdraft/voxdraft/pkg/provider/llm"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newRefiner(t *testing.T, st store.Store, p llm.Provider) *refiner.Refiner {
	t.Helper()
	return refiner.New(st, p,
		refiner.WithLogger(slog.New(slog.DiscardHandler)),
		refiner.WithMetrics(testMetrics(t)))
}

func resp(content string) *llm.CompletionResponse {
	return &llm.CompletionResponse{Content: content}
}

func seedConversation(t *testing.T, st *storemock.Store, sessionID string) {
	t.Helper()
	ctx := context.Background()
	st.AddSession(sessionID)
	if _, err := st.AppendMessage(ctx, sessionID, store.SpeakerAgent, "What are you building?"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := st.AppendMessage(ctx, sessionID, store.SpeakerUser, "A dog-walking marketplace called Fetch."); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestRefresh_FencedJSONCreatesSnapshot(t *testing.T) {
	t.Parallel()
	st := storemock.New()
	seedConversation(t, st, "s1")

	extracted := `{"design":{"meta":{"title":"Fetch"}}}`
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		resp("Here is the update:\n```json\n" + extracted + "\n```"),
		resp("NO_CHANGE"),
	}}

	r := newRefiner(t, st, p)
	res, err := r.Refresh(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	want, _ := state.ExtractJSON(extracted)
	if string(res.StateJSON) != string(want) {
		t.Errorf("result state = %s, want %s", res.StateJSON, want)
	}

	snap, err := st.LatestSnapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if string(snap.StateJSON) != string(want) {
		t.Errorf("stored state = %s, want %s", snap.StateJSON, want)
	}
}

func TestRefresh_PriorSnapshotRemainsInHistory(t *testing.T) {
	t.Parallel()
	st := storemock.New()
	seedConversation(t, st, "s1")

	first := `{"design":{"meta":{"title":"v1"}}}`
	second := `{"design":{"meta":{"title":"v2"}}}`
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		resp("```json\n" + first + "\n```"), resp("NO_CHANGE"),
		resp("```json\n" + second + "\n```"), resp("NO_CHANGE"),
	}}

	r := newRefiner(t, st, p)
	for range 2 {
		if _, err := r.Refresh(context.Background(), "s1"); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}

	hist, err := st.SnapshotHistory(context.Background(), "s1")
	if err != nil {
		t.Fatalf("SnapshotHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	wantFirst, _ := state.ExtractJSON(first)
	if string(hist[0].StateJSON) != string(wantFirst) {
		t.Errorf("historical snapshot = %s, want %s", hist[0].StateJSON, wantFirst)
	}
}

func TestRefresh_ParseFailurePreservesState(t *testing.T) {
	t.Parallel()
	st := storemock.New()
	seedConversation(t, st, "s1")

	// Seed an existing snapshot, then reply with prose only.
	before, err := st.SaveSnapshot(context.Background(), "s1", []byte(`{"design":{"meta":{"title":"keep me"}}}`), "old notes")
	if err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	p := &llmmock.Provider{CompleteResponse: resp("I could not produce a document, sorry.")}
	r := newRefiner(t, st, p)

	if _, err := r.Refresh(context.Background(), "s1"); !errors.Is(err, state.ErrNoJSON) {
		t.Fatalf("Refresh error = %v, want ErrNoJSON", err)
	}

	after, err := st.LatestSnapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if after.ID != before.ID || string(after.StateJSON) != string(before.StateJSON) {
		t.Errorf("snapshot changed after parse failure: %+v -> %+v", before, after)
	}
	if after.Instructions != "old notes" {
		t.Errorf("instructions changed after parse failure: %q", after.Instructions)
	}
}

func TestRefresh_FirstRefreshStartsFromDefaultTemplate(t *testing.T) {
	t.Parallel()
	st := storemock.New()
	seedConversation(t, st, "s1")

	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		resp("```json\n" + `{"design":{"meta":{"title":"Fetch"}}}` + "\n```"),
		resp("NO_CHANGE"),
	}}
	r := newRefiner(t, st, p)
	if _, err := r.Refresh(context.Background(), "s1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	calls := p.Calls()
	if len(calls) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(calls))
	}
	// The extraction prompt must carry the empty template, not nothing.
	if !strings.Contains(calls[0].Req.Messages[0].Content, `"valueProposition"`) {
		t.Error("extraction prompt does not embed the default design template")
	}
	if calls[0].Req.MaxTokens != 4000 {
		t.Errorf("extraction MaxTokens = %d, want 4000", calls[0].Req.MaxTokens)
	}
}

func TestRefresh_SentinelKeepsGuidanceVerbatim(t *testing.T) {
	t.Parallel()
	st := storemock.New()
	seedConversation(t, st, "s1")
	if _, err := st.SaveSnapshot(context.Background(), "s1", state.DefaultDocument(), "- ask about personas"); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		resp("```json\n" + `{"design":{"meta":{"title":"Fetch"}}}` + "\n```"),
		resp("NO_CHANGE"),
	}}
	r := newRefiner(t, st, p)
	res, err := r.Refresh(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if res.GuidanceChanged {
		t.Error("GuidanceChanged = true after sentinel reply")
	}
	if res.Guidance != "- ask about personas" {
		t.Errorf("guidance = %q, want previous value verbatim", res.Guidance)
	}
	snap, _ := st.LatestSnapshot(context.Background(), "s1")
	if snap.Instructions != "- ask about personas" {
		t.Errorf("stored instructions = %q, want previous value verbatim", snap.Instructions)
	}
}

func TestRefresh_NewGuidanceStored(t *testing.T) {
	t.Parallel()
	st := storemock.New()
	seedConversation(t, st, "s1")

	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		resp("```json\n" + `{"design":{"meta":{"title":"Fetch"}}}` + "\n```"),
		resp("- dig into pain points\n- ask who pays"),
	}}
	r := newRefiner(t, st, p)
	res, err := r.Refresh(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if !res.GuidanceChanged {
		t.Error("GuidanceChanged = false for new guidance")
	}
	if res.Guidance != "- dig into pain points\n- ask who pays" {
		t.Errorf("guidance = %q", res.Guidance)
	}
	if !strings.Contains(res.Instructions, "CURRENT FOCUS:") {
		t.Error("composed instructions missing guidance section")
	}
	if !strings.Contains(res.Instructions, "Fetch") {
		t.Error("composed instructions missing state content")
	}
}

func TestRefresh_GuidanceFailureKeepsStateUpdate(t *testing.T) {
	t.Parallel()
	st := storemock.New()
	seedConversation(t, st, "s1")

	// The guidance stage gets a scripted nil response, which reads as a
	// failed completion.
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		resp("```json\n" + `{"design":{"meta":{"title":"Fetch"}}}` + "\n```"),
		nil,
	}}

	r := newRefiner(t, st, p)
	res, err := r.Refresh(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.GuidanceChanged {
		t.Error("guidance should be unchanged when the model yields nothing")
	}
	if _, err := st.LatestSnapshot(context.Background(), "s1"); err != nil {
		t.Errorf("state update lost: %v", err)
	}
}

func TestRefresh_GuidancePromptUsesTranscriptTail(t *testing.T) {
	t.Parallel()
	st := storemock.New()
	st.AddSession("s1")
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		speaker := store.SpeakerUser
		text := "user message"
		if i%2 == 0 {
			speaker = store.SpeakerAgent
			text = "agent message"
		}
		if i == 7 {
			text = "the newest user message"
		}
		if i == 0 {
			text = "the oldest agent message"
		}
		if _, err := st.AppendMessage(ctx, "s1", speaker, text); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		resp("```json\n" + `{"design":{}}` + "\n```"),
		resp("NO_CHANGE"),
	}}
	r := newRefiner(t, st, p)
	if _, err := r.Refresh(ctx, "s1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	calls := p.Calls()
	guidancePrompt := calls[1].Req.Messages[0].Content
	if strings.Contains(guidancePrompt, "the oldest agent message") {
		t.Error("guidance prompt includes messages beyond the recent tail")
	}
	if !strings.Contains(guidancePrompt, "the newest user message") {
		t.Error("guidance prompt missing the most recent message")
	}
}

func TestRefresh_CountsInstructionOutcomeOnce(t *testing.T) {
	t.Parallel()
	st := storemock.New()
	seedConversation(t, st, "s1")

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		resp("```json\n" + `{"design":{}}` + "\n```"),
		resp("NO_CHANGE"),
	}}
	r := refiner.New(st, p,
		refiner.WithLogger(slog.New(slog.DiscardHandler)),
		refiner.WithMetrics(metrics))
	if _, err := r.Refresh(context.Background(), "s1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var points []metricdata.DataPoint[int64]
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voxdraft.instructions.refreshes" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			points = sum.DataPoints
		}
	}
	if len(points) != 1 {
		t.Fatalf("instruction refresh data points = %d, want 1", len(points))
	}
	if points[0].Value != 1 {
		t.Errorf("outcome count = %d, want 1", points[0].Value)
	}
	if v, ok := points[0].Attributes.Value("outcome"); !ok || v.AsString() != "unchanged" {
		t.Errorf("outcome attribute = %v", points[0].Attributes)
	}
}

func TestRefresh_ConfiguredLimits(t *testing.T) {
	t.Parallel()
	st := storemock.New()
	seedConversation(t, st, "s1")

	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		resp("```json\n" + `{"design":{}}` + "\n```"),
		resp("NO_CHANGE"),
	}}
	r := refiner.New(st, p,
		refiner.WithLogger(slog.New(slog.DiscardHandler)),
		refiner.WithMetrics(testMetrics(t)),
		refiner.WithMaxTokens(1234),
		refiner.WithTranscriptTail(1),
	)
	if _, err := r.Refresh(context.Background(), "s1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	calls := p.Calls()
	if got := calls[0].Req.MaxTokens; got != 1234 {
		t.Errorf("extraction max tokens = %d, want 1234", got)
	}
	guidancePrompt := calls[1].Req.Messages[0].Content
	if strings.Contains(guidancePrompt, "What are you building?") {
		t.Error("guidance prompt includes messages beyond the configured tail")
	}
	if !strings.Contains(guidancePrompt, "dog-walking marketplace") {
		t.Error("guidance prompt missing the most recent message")
	}
}

func TestWorker_SerializesAndCoalesces(t *testing.T) {
	t.Parallel()
	st := storemock.New()
	seedConversation(t, st, "s1")

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)
	p := &slowProvider{
		delay: 30 * time.Millisecond,
		onCall: func() {
			mu.Lock()
			inFlight++
			if inFlight > maxSeen {
				maxSeen = inFlight
			}
			mu.Unlock()
		},
		onDone: func() {
			mu.Lock()
			inFlight--
			mu.Unlock()
		},
	}

	r := newRefiner(t, st, p)

	var results int
	var resultMu sync.Mutex
	w := refiner.NewWorker(r, "s1", func(*refiner.Result) {
		resultMu.Lock()
		results++
		resultMu.Unlock()
	})
	w.Start()

	for i := 0; i < 10; i++ {
		w.Nudge()
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(300 * time.Millisecond)
	w.Stop()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if maxSeen > 1 {
		t.Errorf("observed %d concurrent refreshes, want at most 1", maxSeen)
	}
	resultMu.Lock()
	defer resultMu.Unlock()
	if results == 0 {
		t.Error("no refresh completed")
	}
	if results >= 10 {
		t.Errorf("results = %d; nudges were not coalesced", results)
	}
}

func TestWorker_NudgeAfterStopIsSafe(t *testing.T) {
	t.Parallel()
	st := storemock.New()
	seedConversation(t, st, "s1")
	p := &llmmock.Provider{CompleteResponse: resp("NO_CHANGE")}

	w := refiner.NewWorker(newRefiner(t, st, p), "s1", nil)
	w.Start()
	w.Stop()
	<-w.Done()
	w.Nudge()
	w.Stop()
}

// slowProvider is a Provider whose completions take a fixed time, used to
// observe overlap between refreshes.
type slowProvider struct {
	delay  time.Duration
	onCall func()
	onDone func()

	mu   sync.Mutex
	seen int
}

func (p *slowProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.seen++
	first := p.seen%2 == 1
	p.mu.Unlock()

	// Only the extraction call (every first of a pair) counts as in-flight
	// work for overlap measurement.
	if first && p.onCall != nil {
		p.onCall()
		defer p.onDone()
	}
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if first {
		return resp("```json\n" + `{"design":{"meta":{"title":"x"}}}` + "\n```"), nil
	}
	return resp("NO_CHANGE"), nil
}
