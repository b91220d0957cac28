package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Nirmata/workflow/internal/coordinator"
	"github.com/Nirmata/workflow/internal/queue"
	"github.com/Nirmata/workflow/internal/resilience"
	"github.com/Nirmata/workflow/internal/types"
)

// TaskStore is the slice of store.Store the executor pool needs: result
// short-circuiting, started-task marking, result persistence, and the
// dequeued item's own record.
type TaskStore interface {
	ResultReader
	HasResult(ctx context.Context, runID, taskID string) (bool, error)
	PutStartedTask(ctx context.Context, runID, taskID string, started *types.StartedTask) error
	PutResult(ctx context.Context, runID, taskID string, result *types.TaskExecutionResult) error
	GetExecutableTask(ctx context.Context, runID, taskID string) (*types.ExecutableTask, error)
}

// RunState reports whether the owning manager is still STARTED, so a
// dequeue that races a shutdown is dropped rather than executed after
// close.
type RunState interface {
	Accepting() bool
}

// Pool runs a configurable number of consumers for one task type, each
// driven by queue.Queue.Consume, routing dequeued items through the
// registered TaskExecutor.
type Pool struct {
	instanceName string
	taskType     types.TaskType
	executor     TaskExecutor
	store        TaskStore
	queue        *queue.Queue
	state        RunState
	logger       *slog.Logger
	consumers    int

	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	taskDurationMs metric.Float64Histogram
}

// Config describes one task type's consumer pool.
type Config struct {
	TaskType  types.TaskType
	Executor  TaskExecutor
	Consumers int
}

func New(instanceName string, cfg Config, store TaskStore, q *queue.Queue, state RunState, logger *slog.Logger) *Pool {
	if cfg.Consumers < 1 {
		cfg.Consumers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("workflow-engine")
	completed, _ := meter.Int64Counter("workflow_tasks_completed_total")
	failed, _ := meter.Int64Counter("workflow_tasks_failed_total")
	duration, _ := meter.Float64Histogram("workflow_task_duration_ms")
	return &Pool{
		instanceName:   instanceName,
		taskType:       cfg.TaskType,
		executor:       cfg.Executor,
		store:          store,
		queue:          q,
		state:          state,
		logger:         logger,
		consumers:      cfg.Consumers,
		tasksCompleted: completed,
		tasksFailed:    failed,
		taskDurationMs: duration,
	}
}

// Run blocks until ctx is done, running cfg.Consumers concurrent queue
// consumers for this task type.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, p.consumers)
	for i := 0; i < p.consumers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = p.queue.Consume(ctx, p.taskType, p.handle)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil && ctx.Err() == nil {
			return err
		}
	}
	return ctx.Err()
}

// handle runs one dequeued item to a recorded outcome. A nil return
// removes the queue entry (the executor always resolves to a terminal
// recorded outcome); a non-nil return is an infrastructure failure and
// leaves the entry for another consumer to retry.
func (p *Pool) handle(ctx context.Context, item queue.Item) error {
	if p.state != nil && !p.state.Accepting() {
		p.logger.Info("dropping dequeued task: manager not accepting work", "runId", item.RunID, "taskId", item.TaskID)
		return fmt.Errorf("manager not started")
	}

	done, err := p.store.HasResult(ctx, item.RunID, item.TaskID)
	if err != nil {
		return fmt.Errorf("check existing result %s/%s: %w", item.RunID, item.TaskID, err)
	}
	if done {
		p.logger.Debug("task already completed, skipping", "runId", item.RunID, "taskId", item.TaskID)
		return nil
	}

	task, err := p.store.GetExecutableTask(ctx, item.RunID, item.TaskID)
	if err != nil {
		return fmt.Errorf("load task record %s/%s: %w", item.RunID, item.TaskID, err)
	}
	task = withoutSpecialMeta(task)

	started := &types.StartedTask{InstanceName: p.instanceName, StartDateUTC: time.Now().UTC()}
	if err := p.store.PutStartedTask(ctx, item.RunID, item.TaskID, started); err != nil {
		p.logger.Warn("best-effort started marker failed", "runId", item.RunID, "taskId", item.TaskID, "error", err)
	}

	execStart := time.Now()
	result, execErr := p.executeWithRetry(ctx, task)
	if execErr != nil {
		return fmt.Errorf("execute %s/%s: %w", item.RunID, item.TaskID, execErr)
	}
	p.taskDurationMs.Record(ctx, float64(time.Since(execStart).Milliseconds()))
	if result == nil {
		result = &types.TaskExecutionResult{
			Status:         types.StatusFailed,
			Message:        "task executor returned nil result",
			CompletionTime: time.Now().UTC(),
		}
	}

	if err := p.store.PutResult(ctx, item.RunID, item.TaskID, result); err != nil {
		if errors.Is(err, coordinator.ErrAlreadyExists) {
			p.logger.Debug("result already recorded by a peer", "runId", item.RunID, "taskId", item.TaskID)
			return nil
		}
		return fmt.Errorf("persist result %s/%s: %w", item.RunID, item.TaskID, err)
	}
	if result.Status == types.StatusFailed {
		p.tasksFailed.Add(ctx, 1)
	} else {
		p.tasksCompleted.Add(ctx, 1)
	}
	return nil
}

// executeWithRetry applies the task type's optional RetryPolicy. This
// retry happens entirely within one dequeue; only an exhausted budget or
// a success reaches PutResult.
func (p *Pool) executeWithRetry(ctx context.Context, task *types.ExecutableTask) (*types.TaskExecutionResult, error) {
	policy := task.Type.Retry
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.InitialWait
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	result, err := resilience.Retry(ctx, attempts, delay, func() (*types.TaskExecutionResult, error) {
		res, execErr := p.executor.Execute(ctx, task)
		if execErr != nil {
			return nil, execErr
		}
		if res != nil && res.Status == types.StatusFailed {
			return res, fmt.Errorf("task reported failure: %s", res.Message)
		}
		return res, nil
	})
	if err != nil && result != nil {
		// Retry budget exhausted on a reported (not infrastructure)
		// failure: the last FAILED result is still a valid terminal
		// outcome to record, not an infrastructure error to leave in
		// the queue.
		return result, nil
	}
	return result, err
}

// withoutSpecialMeta returns a shallow copy of task with the reserved
// priority/delay metadata key stripped, so it never reaches a
// TaskExecutor.
func withoutSpecialMeta(task *types.ExecutableTask) *types.ExecutableTask {
	if _, ok := task.Metadata[types.SpecialMetaKey]; !ok {
		return task
	}
	clone := *task
	clone.Metadata = make(map[string]string, len(task.Metadata)-1)
	for k, v := range task.Metadata {
		if k == types.SpecialMetaKey {
			continue
		}
		clone.Metadata[k] = v
	}
	return &clone
}
