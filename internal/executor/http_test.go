package executor

import (
	"context"
	"testing"

	"github.com/Nirmata/workflow/internal/types"
)

type fakeResults struct {
	results map[string]*types.TaskExecutionResult
}

func (f *fakeResults) GetResult(_ context.Context, runID, taskID string) (*types.TaskExecutionResult, error) {
	r, ok := f.results[runID+"/"+taskID]
	if !ok {
		return nil, errNotFound
	}
	return r, nil
}

func TestResolveSubstitutesPredecessorField(t *testing.T) {
	results := &fakeResults{results: map[string]*types.TaskExecutionResult{
		"r1/upstream": {Result: map[string]string{"id": "123"}},
	}}
	h := NewHTTPExecutor(results)
	got := h.resolve(context.Background(), "r1", "https://api.example.com/items/{{upstream.id}}")
	if got != "https://api.example.com/items/123" {
		t.Fatalf("unexpected resolved url: %q", got)
	}
}

func TestResolveBlanksUnresolvablePlaceholder(t *testing.T) {
	results := &fakeResults{results: map[string]*types.TaskExecutionResult{}}
	h := NewHTTPExecutor(results)
	got := h.resolve(context.Background(), "r1", "https://api.example.com/items/{{missing.id}}")
	if got != "https://api.example.com/items/" {
		t.Fatalf("expected a best-effort blank substitution for a missing predecessor, got %q", got)
	}
}

func TestResolveWithoutPlaceholdersIsANoOp(t *testing.T) {
	h := NewHTTPExecutor(nil)
	got := h.resolve(context.Background(), "r1", "https://api.example.com/static")
	if got != "https://api.example.com/static" {
		t.Fatalf("expected a plain template to pass through unchanged, got %q", got)
	}
}
