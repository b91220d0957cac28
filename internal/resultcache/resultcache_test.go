package resultcache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Nirmata/workflow/internal/types"
)

var errNotFound = errors.New("not found")

type fakeSource struct {
	calls   int
	results map[string]*types.TaskExecutionResult
}

func (f *fakeSource) GetResult(_ context.Context, runID, taskID string) (*types.TaskExecutionResult, error) {
	f.calls++
	r, ok := f.results[runID+"/"+taskID]
	if !ok {
		return nil, errNotFound
	}
	return r, nil
}

func newTestCache(t *testing.T, source Source) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "cache"), source, Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGetReadsThroughToSourceOnMiss(t *testing.T) {
	source := &fakeSource{results: map[string]*types.TaskExecutionResult{
		"r1/a": {Status: types.StatusSuccess, Message: "from source"},
	}}
	c := newTestCache(t, source)

	result, err := c.Get(context.Background(), "r1", "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result.Message != "from source" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if source.calls != 1 {
		t.Fatalf("expected exactly one source call, got %d", source.calls)
	}
}

func TestGetServesSecondReadFromCacheWithoutHittingSource(t *testing.T) {
	source := &fakeSource{results: map[string]*types.TaskExecutionResult{
		"r1/a": {Status: types.StatusSuccess},
	}}
	c := newTestCache(t, source)
	ctx := context.Background()

	if _, err := c.Get(ctx, "r1", "a"); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if _, err := c.Get(ctx, "r1", "a"); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if source.calls != 1 {
		t.Fatalf("expected the second read to be served from cache, source was called %d times", source.calls)
	}
}

func TestInvalidateForcesNextReadThroughSource(t *testing.T) {
	source := &fakeSource{results: map[string]*types.TaskExecutionResult{
		"r1/a": {Status: types.StatusSuccess},
	}}
	c := newTestCache(t, source)
	ctx := context.Background()

	_, _ = c.Get(ctx, "r1", "a")
	c.Invalidate("r1", "a")
	_, _ = c.Get(ctx, "r1", "a")

	if source.calls != 2 {
		t.Fatalf("expected invalidation to force a second source read, source was called %d times", source.calls)
	}
}

func TestGetPropagatesSourceNotFound(t *testing.T) {
	source := &fakeSource{results: map[string]*types.TaskExecutionResult{}}
	c := newTestCache(t, source)
	if _, err := c.Get(context.Background(), "r1", "missing"); err != errNotFound {
		t.Fatalf("expected the source's not-found error to propagate, got %v", err)
	}
}
