// Package manager implements the workflow manager facade: lifecycle
// (LATENT -> STARTED -> CLOSED), the submission path, cancellation, and
// introspection, wiring every other component together.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Nirmata/workflow/internal/coordinator"
	"github.com/Nirmata/workflow/internal/dag"
	"github.com/Nirmata/workflow/internal/executor"
	"github.com/Nirmata/workflow/internal/ids"
	"github.com/Nirmata/workflow/internal/queue"
	"github.com/Nirmata/workflow/internal/resultcache"
	"github.com/Nirmata/workflow/internal/scheduler"
	"github.com/Nirmata/workflow/internal/store"
	"github.com/Nirmata/workflow/internal/types"
)

// State is the manager's one-way lifecycle.
type State int32

const (
	StateLatent State = iota
	StateStarted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLatent:
		return "LATENT"
	case StateStarted:
		return "STARTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// TaskTypeConfig binds one TaskType to its executor and consumer-pool
// size.
type TaskTypeConfig struct {
	TaskType  types.TaskType
	Executor  executor.TaskExecutor
	Consumers int
}

// Config is the manager's global configuration surface.
type Config struct {
	InstanceName    string
	Client          coordinator.Client
	TaskTypes       []TaskTypeConfig
	SchedulerConfig scheduler.Config
	QueueShards     int
	ResultCache     *resultcache.Cache // optional
	Logger          *slog.Logger
}

// Manager is the facade every caller submits work through.
type Manager struct {
	instanceName string
	store        *store.Store
	queue        *queue.Queue
	scheduler    *scheduler.Scheduler
	pools        []*executor.Pool
	cache        *resultcache.Cache
	logger       *slog.Logger

	runsSubmitted metric.Int64Counter

	state   atomic.Int32
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New wires a Manager in the LATENT state; call Start to begin scheduling
// and executing work.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := store.New(cfg.Client)
	q := queue.New(cfg.Client, cfg.QueueShards)
	elector := coordinator.NewGenericElector(cfg.Client, "/scheduler-leader")

	runsSubmitted, _ := otel.Meter("workflow-engine").Int64Counter("workflow_runs_submitted_total")

	m := &Manager{
		instanceName:  cfg.InstanceName,
		store:         st,
		queue:         q,
		cache:         cfg.ResultCache,
		logger:        logger,
		runsSubmitted: runsSubmitted,
	}

	sched := scheduler.New(st, q, elector, cfg.SchedulerConfig, logger)
	m.scheduler = sched

	pools := make([]*executor.Pool, 0, len(cfg.TaskTypes))
	for _, tc := range cfg.TaskTypes {
		pools = append(pools, executor.New(cfg.InstanceName, executor.Config{
			TaskType:  tc.TaskType,
			Executor:  tc.Executor,
			Consumers: tc.Consumers,
		}, st, q, m, logger))
	}
	m.pools = pools

	return m
}

// Accepting implements executor.RunState: dequeued tasks only execute
// while the manager is STARTED.
func (m *Manager) Accepting() bool {
	return State(m.state.Load()) == StateStarted
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Start transitions LATENT → STARTED exactly once, launching the
// scheduler's leader-election loop and every task type's consumer pool.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("manager already started")
	}
	if !m.state.CompareAndSwap(int32(StateLatent), int32(StateStarted)) {
		return fmt.Errorf("manager cannot start from state %s", m.State())
	}
	m.started = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.scheduler.Run(runCtx); err != nil && runCtx.Err() == nil {
			m.logger.Error("scheduler loop exited", "error", err)
		}
	}()

	for _, p := range m.pools {
		p := p
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := p.Run(runCtx); err != nil && runCtx.Err() == nil {
				m.logger.Error("executor pool exited", "error", err)
			}
		}()
	}

	m.logger.Info("manager started", "instance", m.instanceName)
	return nil
}

// Close idempotently shuts down consumers and releases leadership,
// transitioning to CLOSED from any prior state.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := State(m.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.cache != nil {
		_ = m.cache.Close()
	}
	m.logger.Info("manager closed", "instance", m.instanceName)
	return nil
}

// SubmitTask flattens task into a new run and durably records it,
// returning the new RunId.
func (m *Manager) SubmitTask(ctx context.Context, task *types.Task) (string, error) {
	return m.submit(ctx, task, "")
}

// SubmitSubTask submits task as a sub-workflow of parentRunID: the new
// run's RunnableTask.ParentRunID is set, but its completion is otherwise
// independent of the parent's.
func (m *Manager) SubmitSubTask(ctx context.Context, parentRunID string, task *types.Task) (string, error) {
	return m.submit(ctx, task, parentRunID)
}

func (m *Manager) submit(ctx context.Context, task *types.Task, parentRunID string) (string, error) {
	if m.State() != StateStarted {
		return "", fmt.Errorf("manager is %s, not STARTED", m.State())
	}
	runID := ids.RunID()
	tasks, deps, err := dag.Build(runID, task)
	if err != nil {
		return "", fmt.Errorf("build dag: %w", err)
	}
	now := time.Now().UTC()
	run := &types.RunnableTask{
		RunID:        runID,
		ParentRunID:  parentRunID,
		Tasks:        tasks,
		Dependencies: deps,
		StartTimeUTC: now,
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	m.runsSubmitted.Add(ctx, 1)
	m.logger.Info("run submitted", "runId", runID, "parentRunId", parentRunID, "tasks", len(tasks))
	return runID, nil
}

// CancelRun forcibly marks runID complete with no dependency check.
// Returns false if the run doesn't exist.
func (m *Manager) CancelRun(ctx context.Context, runID string) (bool, error) {
	if _, _, err := m.store.GetRun(ctx, runID); err != nil {
		if err == coordinator.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if err := m.scheduler.CancelRun(ctx, runID); err != nil {
		return false, err
	}
	return true, nil
}

// GetTaskExecutionResult returns a task's completion record, or nil if it
// hasn't completed yet. Reads through the result cache when configured.
func (m *Manager) GetTaskExecutionResult(ctx context.Context, runID, taskID string) (*types.TaskExecutionResult, error) {
	if m.cache != nil {
		result, err := m.cache.Get(ctx, runID, taskID)
		if err == coordinator.ErrNotFound {
			return nil, nil
		}
		return result, err
	}
	result, err := m.store.GetResult(ctx, runID, taskID)
	if err == coordinator.ErrNotFound {
		return nil, nil
	}
	return result, err
}

// GetRunInfo returns runID's introspection view.
func (m *Manager) GetRunInfo(ctx context.Context, runID string) (*types.RunInfo, error) {
	run, _, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return toRunInfo(run), nil
}

// ListRunInfo returns every run currently recorded.
func (m *Manager) ListRunInfo(ctx context.Context) ([]*types.RunInfo, error) {
	runIDs, err := m.store.ListRunIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.RunInfo, 0, len(runIDs))
	for _, id := range runIDs {
		run, _, err := m.store.GetRun(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, toRunInfo(run))
	}
	return out, nil
}

func toRunInfo(run *types.RunnableTask) *types.RunInfo {
	return &types.RunInfo{
		RunID:             run.RunID,
		ParentRunID:       run.ParentRunID,
		StartTimeUTC:      run.StartTimeUTC,
		CompletionTimeUTC: run.CompletionTimeUTC,
	}
}

// GetTaskDetails returns the static (non-execution-state) view of every
// task in runID.
func (m *Manager) GetTaskDetails(ctx context.Context, runID string) (map[string]*types.TaskDetails, error) {
	run, _, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*types.TaskDetails, len(run.Tasks))
	for id, task := range run.Tasks {
		out[id] = &types.TaskDetails{Type: task.Type, Metadata: task.Metadata}
	}
	return out, nil
}

// GetTaskInfo combines the not-started / started-only / completed view of
// every task in runID: a task is "completed" only if both a started
// record and a completed record exist; else "started" if only a started
// record exists; else "not started".
func (m *Manager) GetTaskInfo(ctx context.Context, runID string) ([]*types.TaskInfo, error) {
	run, _, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.TaskInfo, 0, len(run.Tasks))
	for id := range run.Tasks {
		info := &types.TaskInfo{TaskID: id, State: types.TaskNotStarted}

		started, err := m.store.GetStartedTask(ctx, runID, id)
		if err != nil && err != coordinator.ErrNotFound {
			return nil, err
		}
		if started != nil {
			info.Started = started
			info.State = types.TaskStarted
		}

		result, err := m.store.GetResult(ctx, runID, id)
		if err != nil && err != coordinator.ErrNotFound {
			return nil, err
		}
		if result != nil && started != nil {
			info.Result = result
			info.State = types.TaskCompleted
		}

		out = append(out, info)
	}
	return out, nil
}

// Clean deletes runID's coordinator tree. Returns false if the run isn't
// found.
func (m *Manager) Clean(ctx context.Context, runID string) (bool, error) {
	run, _, err := m.store.GetRun(ctx, runID)
	if err != nil {
		if err == coordinator.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if err := m.store.DeleteRunTree(ctx, runID); err != nil {
		return false, err
	}
	if m.cache != nil {
		for taskID := range run.Tasks {
			m.cache.Invalidate(runID, taskID)
		}
	}
	return true, nil
}

// Store exposes the underlying store for callers that need direct read
// access beyond the facade's own methods.
func (m *Manager) Store() *store.Store { return m.store }
