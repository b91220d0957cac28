// Package executor implements the per-task-type execution path: the
// user-supplied TaskExecutor capability, a registry of concrete executors
// (http, policy, shell built in), and the consumer pool that drives each
// queue's dispensed items through it.
package executor

import (
	"context"

	"github.com/Nirmata/workflow/internal/types"
)

// TaskExecutor runs one ExecutableTask to a terminal outcome. A nil result
// with a nil error is a programming error and is treated as a FAILED
// result by the pool; a non-nil error is an infrastructure failure and
// leaves the queue item in place for retry.
type TaskExecutor interface {
	Execute(ctx context.Context, task *types.ExecutableTask) (*types.TaskExecutionResult, error)
}

// TaskExecutorFunc adapts a plain function to the TaskExecutor interface.
type TaskExecutorFunc func(ctx context.Context, task *types.ExecutableTask) (*types.TaskExecutionResult, error)

func (f TaskExecutorFunc) Execute(ctx context.Context, task *types.ExecutableTask) (*types.TaskExecutionResult, error) {
	return f(ctx, task)
}

// Registry maps a TaskType to the executor that handles it. Callers
// register additional types beyond the three built-ins.
type Registry struct {
	byName map[string]TaskExecutor
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]TaskExecutor)}
}

func key(tt types.TaskType) string { return tt.Name + "@" + tt.Version }

// Register binds tt to exec, replacing any previous binding.
func (r *Registry) Register(tt types.TaskType, exec TaskExecutor) {
	r.byName[key(tt)] = exec
}

// Lookup returns the executor bound to tt, or false if none is registered.
func (r *Registry) Lookup(tt types.TaskType) (TaskExecutor, bool) {
	e, ok := r.byName[key(tt)]
	return e, ok
}
