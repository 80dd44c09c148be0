// Package diagram renders captured user flows as Mermaid flowchart source so
// the UI can draw them. Generation is delegated to an LLM provider; a flow's
// free-text steps do not map onto graph syntax mechanically.
package diagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/voxdraft/voxdraft/internal/observe"
	"github.com/voxdraft/voxdraft/internal/state"
	"github.com/voxdraft/voxdraft/pkg/provider/llm"
)

// flowchartMaxTokens bounds the generated diagram source.
const flowchartMaxTokens = 2000

const flowchartSystemPrompt = `You are a diagram generation assistant. Your task is to create a flowchart using Mermaid syntax based on the provided user flow.

Mermaid is a markdown-based diagramming tool. A flowchart looks like:

` + "```mermaid" + `
flowchart TD
    A[Start] --> B{Decision}
    B -- Yes --> C[Action]
    B -- No --> D[Alternative Action]
    C --> E[End]
    D --> E
` + "```" + `

Generate a clear, well-structured diagram that captures the steps of the user flow. Only return the Mermaid code block, nothing else.`

// ErrEmptyDiagram is returned when the model reply contains no diagram
// source at all.
var ErrEmptyDiagram = errors.New("diagram: model returned no diagram")

// Generator turns user flows into Mermaid flowchart source.
type Generator struct {
	provider llm.Provider
	log      *slog.Logger
	metrics  *observe.Metrics
}

// Option is a functional option for Generator.
type Option func(*Generator)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(g *Generator) { g.log = log }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// New constructs a Generator.
func New(provider llm.Provider, opts ...Option) *Generator {
	g := &Generator{provider: provider}
	for _, o := range opts {
		o(g)
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Flowchart generates Mermaid flowchart source for one user flow.
func (g *Generator) Flowchart(ctx context.Context, flow state.UserFlow) (string, error) {
	payload, err := json.MarshalIndent(flow, "", "  ")
	if err != nil {
		return "", fmt.Errorf("diagram: encode flow: %w", err)
	}

	userPrompt := fmt.Sprintf("User Flow:\n```json\n%s\n```\n\nPlease generate a flowchart using Mermaid syntax that visualizes this flow. Only return the Mermaid code block.", payload)

	start := time.Now()
	resp, err := g.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: flowchartSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: userPrompt},
		},
		MaxTokens: flowchartMaxTokens,
	})
	g.metrics.RecordLLMCall(ctx, time.Since(start).Seconds(), "diagram")
	if err != nil {
		return "", fmt.Errorf("diagram: flowchart completion: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("diagram: flowchart completion: empty response")
	}

	code := extractCode(resp.Content)
	if code == "" {
		return "", ErrEmptyDiagram
	}
	g.log.Debug("flowchart generated", "flow", flow.FlowName, "bytes", len(code))
	return code, nil
}

// mermaidFence matches a fenced block tagged mermaid; plainFence matches any
// fenced block regardless of tag.
var (
	mermaidFence = regexp.MustCompile("(?s)```mermaid\\s*(.*?)\\s*```")
	plainFence   = regexp.MustCompile("(?s)```\\w*\\s*(.*?)\\s*```")
)

// extractCode pulls the Mermaid source out of a model reply. A tagged
// mermaid block is preferred, then any fenced block, then the whole reply.
func extractCode(text string) string {
	if m := mermaidFence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := plainFence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}
