// Package cleaner implements the auto-cleaner sweep: a pluggable predicate
// over run info, invoked periodically on the scheduler leader, that
// deletes completed runs past their retention threshold.
package cleaner

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Nirmata/workflow/internal/types"
)

// RunStore is the slice of store.Store the cleaner needs.
type RunStore interface {
	ListRunIDs(ctx context.Context) ([]string, error)
	GetRun(ctx context.Context, runID string) (*types.RunnableTask, int64, error)
	DeleteRunTree(ctx context.Context, runID string) error
}

// Predicate decides whether a completed run is eligible for cleanup.
// MinAge is the standard policy; callers may substitute any predicate
// over the run's RunInfo-equivalent fields.
type Predicate func(run *types.RunnableTask, now time.Time) bool

// MinAge returns the standard policy: a run is eligible once
// now - completionTimeUtc >= minAge.
func MinAge(minAge time.Duration) Predicate {
	return func(run *types.RunnableTask, now time.Time) bool {
		if !run.Completed() {
			return false
		}
		return now.Sub(*run.CompletionTimeUTC) >= minAge
	}
}

// Invalidator is notified when a run's tree is deleted, so a fronting
// result cache doesn't serve stale entries for a run that no longer
// exists in the coordinator.
type Invalidator interface {
	Invalidate(runID, taskID string)
}

// Cleaner runs the periodic sweep. It has no leader-election logic of its
// own: the sweep belongs on the scheduler leader, so callers wire
// Cleaner.Tick into the scheduler's own leadership-gated cron loop (see
// scheduler.Config.OnTick) rather than giving it a second election.
type Cleaner struct {
	store       RunStore
	predicate   Predicate
	cache       Invalidator
	logger      *slog.Logger
	sweeps      metric.Int64Counter
	runsCleaned metric.Int64Counter
}

func New(store RunStore, predicate Predicate, cache Invalidator, logger *slog.Logger) *Cleaner {
	if predicate == nil {
		predicate = MinAge(24 * time.Hour)
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("workflow-engine")
	sweeps, _ := meter.Int64Counter("workflow_cleaner_sweeps_total")
	cleaned, _ := meter.Int64Counter("workflow_cleaner_runs_cleaned_total")
	return &Cleaner{store: store, predicate: predicate, cache: cache, logger: logger, sweeps: sweeps, runsCleaned: cleaned}
}

// Tick scans every run and deletes the ones the predicate accepts.
func (c *Cleaner) Tick(ctx context.Context) {
	c.sweeps.Add(ctx, 1)
	runIDs, err := c.store.ListRunIDs(ctx)
	if err != nil {
		c.logger.Error("auto-cleaner list runs failed", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, runID := range runIDs {
		run, _, err := c.store.GetRun(ctx, runID)
		if err != nil {
			c.logger.Warn("auto-cleaner read run failed", "runId", runID, "error", err)
			continue
		}
		if !c.predicate(run, now) {
			continue
		}
		if err := c.Clean(ctx, runID, run); err != nil {
			c.logger.Error("auto-cleaner delete run failed", "runId", runID, "error", err)
			continue
		}
		c.runsCleaned.Add(ctx, 1)
		c.logger.Info("auto-cleaner removed run", "runId", runID)
	}
}

// Clean deletes runID's tree, the same operation the manager's public
// clean() exposes for an operator-initiated single-run cleanup.
func (c *Cleaner) Clean(ctx context.Context, runID string, run *types.RunnableTask) error {
	if err := c.store.DeleteRunTree(ctx, runID); err != nil {
		return err
	}
	if c.cache != nil && run != nil {
		for taskID := range run.Tasks {
			c.cache.Invalidate(runID, taskID)
		}
	}
	return nil
}
