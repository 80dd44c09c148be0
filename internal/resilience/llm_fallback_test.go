package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/voxdraft/voxdraft/pkg/provider/llm"
	llmmock "github.com/voxdraft/voxdraft/pkg/provider/llm/mock"
)

func TestLLMFallback_PrimaryHealthy(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from primary"},
	}
	fallback := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from fallback"},
	}

	f := NewLLMFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("fallback", fallback)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from primary" {
		t.Errorf("content = %q, want primary response", resp.Content)
	}
	if len(fallback.Calls()) != 0 {
		t.Errorf("fallback was called %d times with a healthy primary", len(fallback.Calls()))
	}
}

func TestLLMFallback_FailsOverToSecondary(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	fallback := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from fallback"},
	}

	f := NewLLMFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("fallback", fallback)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from fallback" {
		t.Errorf("content = %q, want fallback response", resp.Content)
	}
}

func TestLLMFallback_AllFailed(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("down")}

	f := NewLLMFallback(primary, "primary", FallbackConfig{})

	_, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("Complete = %v, want ErrAllFailed", err)
	}
}
