// Package store defines the coordinator namespace layout every other
// component reads and writes: run records, queued markers, started-task
// markers, and completed-task results. It is written against the abstract
// coordinator.Client, so the same code works unmodified against either
// backend.
package store

import (
	"context"
	"fmt"

	"github.com/Nirmata/workflow/internal/coordinator"
	"github.com/Nirmata/workflow/internal/types"
)

const (
	runsRoot          = "/runs"
	startedTasksRoot  = "/started-tasks"
	completedTaskRoot = "/completed-tasks"
)

// Store is a thin, path-layout-aware wrapper over coordinator.Client.
type Store struct {
	client coordinator.Client
	codec  types.Codec
}

func New(client coordinator.Client) *Store {
	return &Store{client: client, codec: types.NewCodec()}
}

func RunPath(runID string) string { return runsRoot + "/" + runID }

func QueuedMarkerPath(runID, taskID string) string {
	return RunPath(runID) + "/queued/" + taskID
}

func StartedTaskPath(runID, taskID string) string {
	return startedTasksRoot + "/" + runID + "/" + taskID
}

func CompletedTaskPath(runID, taskID string) string {
	return completedTaskRoot + "/" + runID + "/" + taskID
}

// CreateRun durably records a freshly built run. Fails with
// coordinator.ErrAlreadyExists if runID is already in use.
func (s *Store) CreateRun(ctx context.Context, run *types.RunnableTask) error {
	encoded, err := s.codec.EncodeRunnableTask(run)
	if err != nil {
		return err
	}
	return s.client.Create(ctx, RunPath(run.RunID), encoded)
}

// GetRun returns the run record and its coordinator version (needed for a
// conditional completion update).
func (s *Store) GetRun(ctx context.Context, runID string) (*types.RunnableTask, int64, error) {
	node, err := s.client.Get(ctx, RunPath(runID))
	if err != nil {
		return nil, 0, err
	}
	run, err := s.codec.DecodeRunnableTask(node.Data)
	if err != nil {
		return nil, 0, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return run, node.Version, nil
}

// SetRun conditionally overwrites run at its known version.
func (s *Store) SetRun(ctx context.Context, run *types.RunnableTask, version int64) error {
	encoded, err := s.codec.EncodeRunnableTask(run)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, RunPath(run.RunID), encoded, version)
}

// GetExecutableTask returns one task's flattened record out of its run,
// the way the executor pool looks up a dequeued item's type and metadata.
// A queue item only locates the task; the run record is its source of
// truth.
func (s *Store) GetExecutableTask(ctx context.Context, runID, taskID string) (*types.ExecutableTask, error) {
	run, _, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	task, ok := run.Tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found in run %s", taskID, runID)
	}
	return task, nil
}

// ListRunIDs returns every run currently recorded, completed or not.
func (s *Store) ListRunIDs(ctx context.Context) ([]string, error) {
	return s.client.Children(ctx, runsRoot)
}

// MarkQueued idempotently records that taskID has been handed to the
// queue, so a scheduler restart can tell "enqueued but maybe lost" tasks
// from ones never reached. Create's ErrAlreadyExists is not an error here.
func (s *Store) MarkQueued(ctx context.Context, runID, taskID string) error {
	err := s.client.Create(ctx, QueuedMarkerPath(runID, taskID), nil)
	if err == coordinator.ErrAlreadyExists {
		return nil
	}
	return err
}

// IsQueued reports whether taskID already has a queued marker.
func (s *Store) IsQueued(ctx context.Context, runID, taskID string) (bool, error) {
	_, err := s.client.Get(ctx, QueuedMarkerPath(runID, taskID))
	if err == coordinator.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PutStartedTask best-effort records that a worker began taskID. Failures
// are not fatal to task execution, so callers typically log and continue
// rather than propagate.
func (s *Store) PutStartedTask(ctx context.Context, runID, taskID string, started *types.StartedTask) error {
	encoded, err := s.codec.EncodeStartedTask(started)
	if err != nil {
		return err
	}
	err = s.client.Create(ctx, StartedTaskPath(runID, taskID), encoded)
	if err == coordinator.ErrAlreadyExists {
		return nil
	}
	return err
}

func (s *Store) GetStartedTask(ctx context.Context, runID, taskID string) (*types.StartedTask, error) {
	node, err := s.client.Get(ctx, StartedTaskPath(runID, taskID))
	if err != nil {
		return nil, err
	}
	return s.codec.DecodeStartedTask(node.Data)
}

// PutResult writes the completion record for (runID, taskID) at-most-once:
// a second writer's Create fails with ErrAlreadyExists, which callers
// should treat as success — the first writer's result is authoritative.
func (s *Store) PutResult(ctx context.Context, runID, taskID string, result *types.TaskExecutionResult) error {
	encoded, err := s.codec.EncodeResult(result)
	if err != nil {
		return err
	}
	return s.client.Create(ctx, CompletedTaskPath(runID, taskID), encoded)
}

func (s *Store) GetResult(ctx context.Context, runID, taskID string) (*types.TaskExecutionResult, error) {
	node, err := s.client.Get(ctx, CompletedTaskPath(runID, taskID))
	if err != nil {
		return nil, err
	}
	return s.codec.DecodeResult(node.Data)
}

// HasResult reports whether (runID, taskID) already has a completion
// record, letting the executor short-circuit re-delivered queue items.
func (s *Store) HasResult(ctx context.Context, runID, taskID string) (bool, error) {
	_, err := s.GetResult(ctx, runID, taskID)
	if err == coordinator.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteRunTree removes a run's record and every marker under the started-
// and completed-task roots, used by the auto-cleaner and clean().
func (s *Store) DeleteRunTree(ctx context.Context, runID string) error {
	if err := s.deleteChildren(ctx, startedTasksRoot+"/"+runID); err != nil {
		return err
	}
	if err := s.deleteChildren(ctx, completedTaskRoot+"/"+runID); err != nil {
		return err
	}
	if err := s.client.Delete(ctx, startedTasksRoot+"/"+runID, -1); err != nil && err != coordinator.ErrNotFound {
		return err
	}
	if err := s.client.Delete(ctx, completedTaskRoot+"/"+runID, -1); err != nil && err != coordinator.ErrNotFound {
		return err
	}
	if err := s.deleteChildren(ctx, RunPath(runID)+"/queued"); err != nil {
		return err
	}
	if err := s.client.Delete(ctx, RunPath(runID)+"/queued", -1); err != nil && err != coordinator.ErrNotFound {
		return err
	}
	if err := s.client.Delete(ctx, RunPath(runID), -1); err != nil && err != coordinator.ErrNotFound {
		return err
	}
	return nil
}

func (s *Store) deleteChildren(ctx context.Context, path string) error {
	names, err := s.client.Children(ctx, path)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.client.Delete(ctx, path+"/"+name, -1); err != nil && err != coordinator.ErrNotFound {
			return err
		}
	}
	return nil
}
