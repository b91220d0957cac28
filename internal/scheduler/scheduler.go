// Package scheduler is the leader-elected control loop of the engine: on
// a cadence driven by robfig/cron/v3, the current leader scans every
// non-completed run, advances structural pass-through tasks immediately,
// enqueues newly-ready executable tasks, and marks runs complete once
// every executable task has a result.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Nirmata/workflow/internal/coordinator"
	"github.com/Nirmata/workflow/internal/queue"
	"github.com/Nirmata/workflow/internal/resilience"
	"github.com/Nirmata/workflow/internal/store"
	"github.com/Nirmata/workflow/internal/types"
)

// Scheduler owns the control loop. Only the process that wins the elector's
// Campaign runs ticks; every other replica blocks waiting for leadership.
type Scheduler struct {
	store      *store.Store
	queue      *queue.Queue
	elector    coordinator.LeaderElector
	cron       *cron.Cron
	cronSpec   string
	onTick     func(ctx context.Context)
	onTickSpec string
	logger     *slog.Logger

	tracer        trace.Tracer
	ticks         metric.Int64Counter
	tasksEnqueued metric.Int64Counter
	runsCompleted metric.Int64Counter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// Config selects the control loop's cadence: either a standard cron
// expression or, more commonly for an internal tick, an "@every" duration
// spec (e.g. "@every 2s"), both accepted by robfig/cron/v3 unmodified.
type Config struct {
	CronSpec string

	// OnTick, if set, runs on its own cron cadence (OnTickSpec) for as
	// long as this process holds scheduler leadership. The auto-cleaner
	// sweep hooks in here so it runs on the leader without a second
	// leader election.
	OnTick     func(ctx context.Context)
	OnTickSpec string
}

func New(st *store.Store, q *queue.Queue, elector coordinator.LeaderElector, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.CronSpec == "" {
		cfg.CronSpec = "@every 2s"
	}
	if cfg.OnTick != nil && cfg.OnTickSpec == "" {
		cfg.OnTickSpec = "@every 5m"
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("workflow-engine")
	ticks, _ := meter.Int64Counter("workflow_scheduler_ticks_total")
	enqueued, _ := meter.Int64Counter("workflow_tasks_enqueued_total")
	completed, _ := meter.Int64Counter("workflow_runs_completed_total")
	return &Scheduler{
		store:         st,
		queue:         q,
		elector:       elector,
		cronSpec:      cfg.CronSpec,
		onTick:        cfg.OnTick,
		onTickSpec:    cfg.OnTickSpec,
		logger:        logger,
		tracer:        otel.Tracer("workflow-scheduler"),
		ticks:         ticks,
		tasksEnqueued: enqueued,
		runsCompleted: completed,
	}
}

// Run blocks until ctx is done, campaigning for leadership and running the
// control loop while leader, stepping down and re-campaigning if leadership
// is lost.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lost, resign, err := s.elector.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("campaign for scheduler leadership: %w", err)
		}
		s.logger.Info("elected scheduler leader")

		leaderCtx, cancel := context.WithCancel(ctx)

		// A previous leader may have crashed between writing a queued
		// marker and the enqueue itself; re-enqueue every marked-but-not-
		// completed task before resuming normal ticks. Harmless for items
		// still queued: the executor short-circuits on an existing result
		// and tasks are required idempotent.
		if err := s.recoverQueued(leaderCtx); err != nil {
			s.logger.Error("queued-marker recovery failed", "error", err)
		}

		s.startCron(leaderCtx)

		select {
		case <-ctx.Done():
			s.stopCron()
			cancel()
			_ = resign()
			return ctx.Err()
		case <-lost:
			s.logger.Warn("lost scheduler leadership")
			s.stopCron()
			cancel()
		}
	}
}

func (s *Scheduler) startCron(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cron.New()
	_, err := c.AddFunc(s.cronSpec, func() {
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
	})
	if err != nil {
		s.logger.Error("invalid scheduler cron spec", "spec", s.cronSpec, "error", err)
		return
	}
	if s.onTick != nil {
		if _, err := c.AddFunc(s.onTickSpec, func() { s.onTick(ctx) }); err != nil {
			s.logger.Error("invalid auto-cleaner cron spec", "spec", s.onTickSpec, "error", err)
		}
	}
	c.Start()
	s.cron = c
	s.running = true
}

func (s *Scheduler) stopCron() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
	s.running = false
}

// Tick runs one scan-and-advance pass over every non-completed run. It is
// exported so callers such as tests can drive it without waiting on the
// cron cadence.
func (s *Scheduler) Tick(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()
	s.ticks.Add(ctx, 1)

	runIDs, err := s.store.ListRunIDs(ctx)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	for _, runID := range runIDs {
		if err := s.advanceRun(ctx, runID); err != nil {
			s.logger.Error("advance run failed", "runId", runID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) advanceRun(ctx context.Context, runID string) error {
	run, version, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Completed() {
		return nil
	}

	completed := make(map[string]bool, len(run.Tasks))
	for taskID, task := range run.Tasks {
		if !task.IsExecutable {
			continue
		}
		ok, err := s.store.HasResult(ctx, runID, taskID)
		if err != nil {
			return fmt.Errorf("check result for %s/%s: %w", runID, taskID, err)
		}
		completed[taskID] = ok
	}

	// Iterate in sorted-TaskId order so, combined with the readiness
	// fixed-point below, tasks of a given DAG are enqueued in a
	// deterministic topological order with TaskId tie-break.
	taskIDs := make([]string, 0, len(run.Tasks))
	for taskID := range run.Tasks {
		taskIDs = append(taskIDs, taskID)
	}
	sort.Strings(taskIDs)

	changed := true
	for changed {
		changed = false
		for _, taskID := range taskIDs {
			task := run.Tasks[taskID]
			if !task.IsExecutable {
				continue // structural nodes complete instantly once ready, below
			}
			if completed[taskID] {
				continue
			}
			if !s.parentsSatisfied(run, completed, taskID) {
				continue
			}
			already, err := s.store.IsQueued(ctx, runID, taskID)
			if err != nil {
				return fmt.Errorf("check queued marker %s/%s: %w", runID, taskID, err)
			}
			if already {
				continue
			}
			if err := s.enqueueTask(ctx, runID, task); err != nil {
				return err
			}
			s.logger.Debug("enqueued task", "runId", runID, "taskId", taskID)
		}

		// Structural (non-executable) nodes pass through the instant their
		// parents are satisfied; treat them as completed so downstream
		// readiness checks see past them, and loop once more to pick up any
		// task that only became ready because of that.
		for _, taskID := range taskIDs {
			task := run.Tasks[taskID]
			if task.IsExecutable || completed[taskID] {
				continue
			}
			if s.parentsSatisfied(run, completed, taskID) {
				completed[taskID] = true
				changed = true
			}
		}
	}

	if allSatisfied(run, completed) {
		return s.completeRun(ctx, run, version)
	}
	return nil
}

// recoverQueued re-enqueues every task that has a queued marker but no
// completion record yet, once per leadership tenure.
func (s *Scheduler) recoverQueued(ctx context.Context) error {
	runIDs, err := s.store.ListRunIDs(ctx)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	for _, runID := range runIDs {
		run, _, err := s.store.GetRun(ctx, runID)
		if err != nil {
			if err == coordinator.ErrNotFound {
				continue
			}
			return err
		}
		if run.Completed() {
			continue
		}
		taskIDs := make([]string, 0, len(run.Tasks))
		for taskID := range run.Tasks {
			taskIDs = append(taskIDs, taskID)
		}
		sort.Strings(taskIDs)
		for _, taskID := range taskIDs {
			task := run.Tasks[taskID]
			if !task.IsExecutable {
				continue
			}
			queued, err := s.store.IsQueued(ctx, runID, taskID)
			if err != nil {
				return err
			}
			if !queued {
				continue
			}
			done, err := s.store.HasResult(ctx, runID, taskID)
			if err != nil {
				return err
			}
			if done {
				continue
			}
			if err := s.enqueueTask(ctx, runID, task); err != nil {
				return err
			}
			s.logger.Info("re-enqueued marked task after leadership change", "runId", runID, "taskId", taskID)
		}
	}
	return nil
}

// enqueueTask writes the queued marker (idempotent) and hands the task to
// its type's queue, traced and counted as one unit.
func (s *Scheduler) enqueueTask(ctx context.Context, runID string, task *types.ExecutableTask) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.enqueue",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("task_id", task.TaskID),
		))
	defer span.End()

	if err := s.store.MarkQueued(ctx, runID, task.TaskID); err != nil {
		return fmt.Errorf("mark queued %s/%s: %w", runID, task.TaskID, err)
	}
	item := queue.Item{RunID: runID, TaskID: task.TaskID, EnqueueTimeUTC: time.Now().UTC()}
	applySpecialMeta(task, &item)
	if err := s.queue.Enqueue(ctx, task.Type, item); err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", runID, task.TaskID, err)
	}
	s.tasksEnqueued.Add(ctx, 1)
	return nil
}

func (s *Scheduler) parentsSatisfied(run *types.RunnableTask, completed map[string]bool, taskID string) bool {
	for _, p := range run.Parents(taskID) {
		if !completed[p] {
			return false
		}
	}
	return true
}

func allSatisfied(run *types.RunnableTask, completed map[string]bool) bool {
	for taskID, task := range run.Tasks {
		if task.IsExecutable && !completed[taskID] {
			return false
		}
	}
	return true
}

func applySpecialMeta(task *types.ExecutableTask, item *queue.Item) {
	raw, ok := task.Metadata[types.SpecialMetaKey]
	if !ok {
		return
	}
	switch task.Type.Mode {
	case types.ModePriority:
		var key uint32
		if _, err := fmt.Sscanf(raw, "%d", &key); err == nil {
			item.PriorityKey = key
		}
	case types.ModeDelay:
		var epochMillis int64
		if _, err := fmt.Sscanf(raw, "%d", &epochMillis); err == nil {
			item.DispenseAtUTC = time.UnixMilli(epochMillis).UTC()
		}
	}
}

// completeRun marks run done, retrying the conditional update against
// concurrent writers (another tick, or a concurrent CancelRun).
func (s *Scheduler) completeRun(ctx context.Context, run *types.RunnableTask, version int64) error {
	return resilience.RetryConflict(ctx, isVersionConflict, func() error {
		latest, v, err := s.store.GetRun(ctx, run.RunID)
		if err != nil {
			return err
		}
		if latest.Completed() {
			return nil
		}
		now := time.Now().UTC()
		latest.CompletionTimeUTC = &now
		if err := s.store.SetRun(ctx, latest, v); err != nil {
			return err
		}
		s.runsCompleted.Add(ctx, 1)
		return nil
	})
}

func isVersionConflict(err error) bool {
	return err == coordinator.ErrVersionConflict
}

// CancelRun marks run complete immediately regardless of outstanding
// tasks. No further tasks of the run are enqueued; entries already queued
// are still dispensed, executed and recorded, and in-flight executions
// are not interrupted.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	return resilience.RetryConflict(ctx, isVersionConflict, func() error {
		run, version, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Completed() {
			return nil
		}
		now := time.Now().UTC()
		run.CompletionTimeUTC = &now
		if err := s.store.SetRun(ctx, run, version); err != nil {
			return err
		}
		s.runsCompleted.Add(ctx, 1)
		return nil
	})
}
