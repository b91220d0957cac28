package cleaner

import (
	"context"
	"testing"
	"time"

	"github.com/Nirmata/workflow/internal/types"
)

type fakeRunStore struct {
	runs    map[string]*types.RunnableTask
	deleted []string
}

func (f *fakeRunStore) ListRunIDs(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(f.runs))
	for id := range f.runs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeRunStore) GetRun(_ context.Context, runID string) (*types.RunnableTask, int64, error) {
	return f.runs[runID], 1, nil
}

func (f *fakeRunStore) DeleteRunTree(_ context.Context, runID string) error {
	f.deleted = append(f.deleted, runID)
	delete(f.runs, runID)
	return nil
}

type fakeInvalidator struct{ invalidated []string }

func (f *fakeInvalidator) Invalidate(runID, taskID string) {
	f.invalidated = append(f.invalidated, runID+"/"+taskID)
}

func TestMinAgePredicateSkipsIncompleteRuns(t *testing.T) {
	predicate := MinAge(time.Hour)
	run := &types.RunnableTask{RunID: "r1"}
	if predicate(run, time.Now().UTC()) {
		t.Fatal("expected an incomplete run to never be eligible for cleanup")
	}
}

func TestMinAgePredicateSkipsRunsYoungerThanThreshold(t *testing.T) {
	predicate := MinAge(time.Hour)
	completed := time.Now().Add(-10 * time.Minute).UTC()
	run := &types.RunnableTask{RunID: "r1", CompletionTimeUTC: &completed}
	if predicate(run, time.Now().UTC()) {
		t.Fatal("expected a recently completed run to not yet be eligible")
	}
}

func TestMinAgePredicateAcceptsRunsPastThreshold(t *testing.T) {
	predicate := MinAge(time.Hour)
	completed := time.Now().Add(-2 * time.Hour).UTC()
	run := &types.RunnableTask{RunID: "r1", CompletionTimeUTC: &completed}
	if !predicate(run, time.Now().UTC()) {
		t.Fatal("expected a run completed well past the threshold to be eligible")
	}
}

func TestTickDeletesEligibleRunsAndInvalidatesCache(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour).UTC()
	recent := time.Now().Add(-time.Minute).UTC()
	store := &fakeRunStore{runs: map[string]*types.RunnableTask{
		"old-run":    {RunID: "old-run", Tasks: map[string]*types.ExecutableTask{"a": {}}, CompletionTimeUTC: &old},
		"recent-run": {RunID: "recent-run", CompletionTimeUTC: &recent},
		"open-run":   {RunID: "open-run"},
	}}
	cache := &fakeInvalidator{}

	c := New(store, MinAge(time.Hour), cache, nil)
	c.Tick(context.Background())

	if len(store.deleted) != 1 || store.deleted[0] != "old-run" {
		t.Fatalf("expected only old-run to be deleted, got %v", store.deleted)
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != "old-run/a" {
		t.Fatalf("expected the deleted run's task results to be invalidated, got %v", cache.invalidated)
	}
}

func TestTickWithoutCacheDoesNotPanic(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour).UTC()
	store := &fakeRunStore{runs: map[string]*types.RunnableTask{
		"old-run": {RunID: "old-run", CompletionTimeUTC: &old},
	}}
	c := New(store, MinAge(time.Hour), nil, nil)
	c.Tick(context.Background())
	if len(store.deleted) != 1 {
		t.Fatalf("expected old-run to be deleted, got %v", store.deleted)
	}
}
