package scheduler

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/Nirmata/workflow/internal/coordinator/boltkv"
	"github.com/Nirmata/workflow/internal/queue"
	"github.com/Nirmata/workflow/internal/store"
	"github.com/Nirmata/workflow/internal/types"
)

func newHarness(t *testing.T) (*store.Store, *queue.Queue) {
	t.Helper()
	dir := t.TempDir()
	client, err := boltkv.Open(filepath.Join(dir, "sched.db"), "test", boltkv.Options{LeaseTTL: time.Second})
	if err != nil {
		t.Fatalf("open boltkv: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return store.New(client), queue.New(client, 1)
}

var httpType = types.TaskType{Name: "builtin.http", Version: "v1", Mode: types.ModeStandard}

func mustCreateRun(t *testing.T, st *store.Store, run *types.RunnableTask) {
	t.Helper()
	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
}

func TestAdvanceRunEnqueuesOnlyReadyTasks(t *testing.T) {
	st, q := newHarness(t)
	sched := New(st, q, nil, Config{}, nil)
	ctx := context.Background()

	run := &types.RunnableTask{
		RunID: "r1",
		Tasks: map[string]*types.ExecutableTask{
			"a": {RunID: "r1", TaskID: "a", Type: httpType, IsExecutable: true},
			"b": {RunID: "r1", TaskID: "b", Type: httpType, IsExecutable: true},
		},
		Dependencies: []types.DependencyEntry{{Parent: "a", Child: "b"}},
		StartTimeUTC: time.Now().UTC(),
	}
	mustCreateRun(t, st, run)

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	aQueued, err := st.IsQueued(ctx, "r1", "a")
	if err != nil {
		t.Fatalf("IsQueued a: %v", err)
	}
	if !aQueued {
		t.Fatal("expected root task a to be enqueued")
	}
	bQueued, err := st.IsQueued(ctx, "r1", "b")
	if err != nil {
		t.Fatalf("IsQueued b: %v", err)
	}
	if bQueued {
		t.Fatal("expected dependent task b not to be enqueued before a completes")
	}
}

func TestAdvanceRunEnqueuesDependentAfterParentCompletes(t *testing.T) {
	st, q := newHarness(t)
	sched := New(st, q, nil, Config{}, nil)
	ctx := context.Background()

	run := &types.RunnableTask{
		RunID: "r1",
		Tasks: map[string]*types.ExecutableTask{
			"a": {RunID: "r1", TaskID: "a", Type: httpType, IsExecutable: true},
			"b": {RunID: "r1", TaskID: "b", Type: httpType, IsExecutable: true},
		},
		Dependencies: []types.DependencyEntry{{Parent: "a", Child: "b"}},
		StartTimeUTC: time.Now().UTC(),
	}
	mustCreateRun(t, st, run)

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := st.PutResult(ctx, "r1", "a", &types.TaskExecutionResult{Status: types.StatusSuccess, CompletionTime: time.Now().UTC()}); err != nil {
		t.Fatalf("put result: %v", err)
	}
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	bQueued, err := st.IsQueued(ctx, "r1", "b")
	if err != nil {
		t.Fatalf("IsQueued b: %v", err)
	}
	if !bQueued {
		t.Fatal("expected b to be enqueued once a has a result")
	}
}

func TestAdvanceRunPassesThroughStructuralNodes(t *testing.T) {
	st, q := newHarness(t)
	sched := New(st, q, nil, Config{}, nil)
	ctx := context.Background()

	run := &types.RunnableTask{
		RunID: "r1",
		Tasks: map[string]*types.ExecutableTask{
			"group": {RunID: "r1", TaskID: "group", Type: types.NullTaskType, IsExecutable: false},
			"leaf":  {RunID: "r1", TaskID: "leaf", Type: httpType, IsExecutable: true},
		},
		Dependencies: []types.DependencyEntry{{Parent: "group", Child: "leaf"}},
		StartTimeUTC: time.Now().UTC(),
	}
	mustCreateRun(t, st, run)

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	leafQueued, err := st.IsQueued(ctx, "r1", "leaf")
	if err != nil {
		t.Fatalf("IsQueued leaf: %v", err)
	}
	if !leafQueued {
		t.Fatal("expected leaf to be enqueued in the same tick its structural parent becomes ready")
	}
}

func TestAdvanceRunDiamondJoinWaitsForBothParents(t *testing.T) {
	st, q := newHarness(t)
	sched := New(st, q, nil, Config{}, nil)
	ctx := context.Background()

	run := &types.RunnableTask{
		RunID: "r1",
		Tasks: map[string]*types.ExecutableTask{
			"a": {RunID: "r1", TaskID: "a", Type: httpType, IsExecutable: true},
			"b": {RunID: "r1", TaskID: "b", Type: httpType, IsExecutable: true},
			"c": {RunID: "r1", TaskID: "c", Type: httpType, IsExecutable: true},
			"d": {RunID: "r1", TaskID: "d", Type: httpType, IsExecutable: true},
		},
		Dependencies: []types.DependencyEntry{
			{Parent: "a", Child: "b"},
			{Parent: "a", Child: "c"},
			{Parent: "b", Child: "d"},
			{Parent: "c", Child: "d"},
		},
		StartTimeUTC: time.Now().UTC(),
	}
	mustCreateRun(t, st, run)

	complete := func(taskID string) {
		t.Helper()
		if err := st.PutResult(ctx, "r1", taskID, &types.TaskExecutionResult{Status: types.StatusSuccess, CompletionTime: time.Now().UTC()}); err != nil {
			t.Fatalf("put result %s: %v", taskID, err)
		}
	}
	queued := func(taskID string) bool {
		t.Helper()
		ok, err := st.IsQueued(ctx, "r1", taskID)
		if err != nil {
			t.Fatalf("IsQueued %s: %v", taskID, err)
		}
		return ok
	}

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !queued("a") || queued("b") || queued("c") || queued("d") {
		t.Fatal("expected only the root a to be enqueued initially")
	}

	complete("a")
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick after a: %v", err)
	}
	if !queued("b") || !queued("c") || queued("d") {
		t.Fatal("expected b and c but not d after a completes")
	}

	complete("b")
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick after b: %v", err)
	}
	if queued("d") {
		t.Fatal("expected the join d to wait for both b and c")
	}

	complete("c")
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick after c: %v", err)
	}
	if !queued("d") {
		t.Fatal("expected d once both parents have results")
	}
}

func TestAdvanceRunCompletesRunOnceEveryExecutableTaskHasAResult(t *testing.T) {
	st, q := newHarness(t)
	sched := New(st, q, nil, Config{}, nil)
	ctx := context.Background()

	run := &types.RunnableTask{
		RunID:        "r1",
		Tasks:        map[string]*types.ExecutableTask{"a": {RunID: "r1", TaskID: "a", Type: httpType, IsExecutable: true}},
		StartTimeUTC: time.Now().UTC(),
	}
	mustCreateRun(t, st, run)

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := st.PutResult(ctx, "r1", "a", &types.TaskExecutionResult{Status: types.StatusSuccess, CompletionTime: time.Now().UTC()}); err != nil {
		t.Fatalf("put result: %v", err)
	}
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	latest, _, err := st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !latest.Completed() {
		t.Fatal("expected run to be marked complete once its only task has a result")
	}
}

func TestCancelRunMarksCompleteImmediately(t *testing.T) {
	st, q := newHarness(t)
	sched := New(st, q, nil, Config{}, nil)
	ctx := context.Background()

	run := &types.RunnableTask{
		RunID:        "r1",
		Tasks:        map[string]*types.ExecutableTask{"a": {RunID: "r1", TaskID: "a", Type: httpType, IsExecutable: true}},
		StartTimeUTC: time.Now().UTC(),
	}
	mustCreateRun(t, st, run)

	if err := sched.CancelRun(ctx, "r1"); err != nil {
		t.Fatalf("cancel run: %v", err)
	}
	latest, _, err := st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !latest.Completed() {
		t.Fatal("expected cancelled run to be marked complete regardless of outstanding tasks")
	}
}

func TestCancelledRunGetsNoNewEnqueues(t *testing.T) {
	st, q := newHarness(t)
	sched := New(st, q, nil, Config{}, nil)
	ctx := context.Background()

	run := &types.RunnableTask{
		RunID: "r1",
		Tasks: map[string]*types.ExecutableTask{
			"a": {RunID: "r1", TaskID: "a", Type: httpType, IsExecutable: true},
			"b": {RunID: "r1", TaskID: "b", Type: httpType, IsExecutable: true},
		},
		Dependencies: []types.DependencyEntry{{Parent: "a", Child: "b"}},
		StartTimeUTC: time.Now().UTC(),
	}
	mustCreateRun(t, st, run)

	if err := sched.CancelRun(ctx, "r1"); err != nil {
		t.Fatalf("cancel run: %v", err)
	}
	// Even with a's result arriving afterwards, a tick must not schedule b.
	if err := st.PutResult(ctx, "r1", "a", &types.TaskExecutionResult{Status: types.StatusSuccess, CompletionTime: time.Now().UTC()}); err != nil {
		t.Fatalf("put result: %v", err)
	}
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	bQueued, err := st.IsQueued(ctx, "r1", "b")
	if err != nil {
		t.Fatalf("IsQueued b: %v", err)
	}
	if bQueued {
		t.Fatal("expected no new enqueues for a cancelled run")
	}
}

func TestRecoverQueuedReEnqueuesMarkedButIncompleteTasks(t *testing.T) {
	st, q := newHarness(t)
	sched := New(st, q, nil, Config{}, nil)
	ctx := context.Background()

	run := &types.RunnableTask{
		RunID:        "r1",
		Tasks:        map[string]*types.ExecutableTask{"a": {RunID: "r1", TaskID: "a", Type: httpType, IsExecutable: true}},
		StartTimeUTC: time.Now().UTC(),
	}
	mustCreateRun(t, st, run)

	// Simulate a leader that crashed between writing the queued marker and
	// the enqueue itself: the marker exists but the queue is empty.
	if err := st.MarkQueued(ctx, "r1", "a"); err != nil {
		t.Fatalf("mark queued: %v", err)
	}

	if err := sched.recoverQueued(ctx); err != nil {
		t.Fatalf("recoverQueued: %v", err)
	}

	consumeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var got string
	err := q.Consume(consumeCtx, httpType, func(_ context.Context, item queue.Item) error {
		got = item.TaskID
		cancel()
		return nil
	})
	if err != nil && got == "" {
		t.Fatalf("consume: %v", err)
	}
	if got != "a" {
		t.Fatal("expected the marked-but-lost task to be re-enqueued for a consumer")
	}
}

func TestApplySpecialMetaPriority(t *testing.T) {
	task := &types.ExecutableTask{
		Type:     types.TaskType{Mode: types.ModePriority},
		Metadata: map[string]string{types.SpecialMetaKey: "5"},
	}
	var item queue.Item
	applySpecialMeta(task, &item)
	if item.PriorityKey != 5 {
		t.Fatalf("expected priority key 5, got %d", item.PriorityKey)
	}
}

func TestApplySpecialMetaDelayUsesAbsoluteEpochMillis(t *testing.T) {
	target := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	task := &types.ExecutableTask{
		Type:     types.TaskType{Mode: types.ModeDelay},
		Metadata: map[string]string{types.SpecialMetaKey: strconv.FormatInt(target.UnixMilli(), 10)},
	}
	var item queue.Item
	applySpecialMeta(task, &item)
	if !item.DispenseAtUTC.Equal(target) {
		t.Fatalf("expected DispenseAtUTC %v, got %v", target, item.DispenseAtUTC)
	}
}
