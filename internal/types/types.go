// Package types defines the domain records shared by every component of the
// workflow engine: the task tree a client submits, the flattened
// executable-task/run records the scheduler advances, and the per-task
// execution markers workers write as they run.
package types

import "time"

// QueueMode selects a task type's distributed-queue dispense discipline.
type QueueMode string

const (
	ModeStandard QueueMode = "STANDARD"
	ModePriority QueueMode = "PRIORITY"
	ModeDelay    QueueMode = "DELAY"
)

// SpecialMetaKey is the reserved metadata key carrying the opaque
// priority-or-delay integer consumed by the queue layer. It is stripped
// from the metadata map before a task executor ever sees it.
const SpecialMetaKey = "__nirmata_special_meta__"

// TaskType describes a class of executable task: its name/version pair
// identifies the executor that runs it, isIdempotent documents (but does
// not enforce) the caller's guarantee that re-invocation is safe, and Mode
// selects queue dispense discipline.
type TaskType struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	IsIdempotent bool      `json:"isIdempotent"`
	Mode         QueueMode `json:"mode"`

	// Retry is an optional task-level retry budget the executor applies
	// before writing a terminal FAILED result. The zero value is
	// DefaultRetryPolicy's single attempt.
	Retry RetryPolicy `json:"retry,omitempty"`
}

// NullTaskType is the sentinel for structural, non-executable nodes: it
// carries no executor and is never enqueued.
var NullTaskType = TaskType{Name: "", Version: "", IsIdempotent: true}

// IsNull reports whether t is the structural sentinel type.
func (t TaskType) IsNull() bool {
	return t.Name == "" && t.Version == ""
}

// Executable reports whether a task of this type should ever be enqueued.
func (t TaskType) Executable() bool {
	return !t.IsNull()
}

// RetryPolicy is an optional task-level retry budget the executor applies
// before writing a terminal FAILED result. It is distinct from the
// infrastructure-error retry the queue performs by simply leaving an item
// in place; this retry happens entirely within one dequeue.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts"`
	InitialWait time.Duration `json:"initialWait"`
	MaxWait     time.Duration `json:"maxWait"`
	Multiplier  float64       `json:"multiplier"`
}

// DefaultRetryPolicy never retries — a single attempt, matching spec's
// baseline where the executor resolves to a terminal outcome per dequeue.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 1}

// Task is the user-supplied DAG node, before the DAG builder flattens it.
// Children express tree-shaped fan-out; DependsOn names additional parent
// TaskIds elsewhere in the submission, so joins (a node with more than one
// parent) are expressible without repeating the node.
type Task struct {
	ID        string            `json:"id"`
	Type      TaskType          `json:"type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Children  []*Task           `json:"children,omitempty"`
	DependsOn []string          `json:"dependsOn,omitempty"`
}

// ExecutableTask is the flattened, per-task record the scheduler and
// executors operate on. NonExecutable tasks carry NullTaskType.
type ExecutableTask struct {
	RunID        string            `json:"runId"`
	TaskID       string            `json:"taskId"`
	Type         TaskType          `json:"type"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	IsExecutable bool              `json:"isExecutable"`
}

// DependencyEntry records one parent -> child edge in a run's DAG.
type DependencyEntry struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
}

// RunnableTask is the durable record for one run: its full task map, the
// dependency adjacency list, and run-level timestamps.
type RunnableTask struct {
	RunID             string                     `json:"runId"`
	ParentRunID       string                     `json:"parentRunId,omitempty"`
	Tasks             map[string]*ExecutableTask `json:"tasks"`
	Dependencies      []DependencyEntry          `json:"dependencies"`
	StartTimeUTC      time.Time                  `json:"startTimeUtc"`
	CompletionTimeUTC *time.Time                 `json:"completionTimeUtc,omitempty"`
}

// Completed reports whether the run has a completion marker.
func (r *RunnableTask) Completed() bool {
	return r.CompletionTimeUTC != nil
}

// Children returns the TaskIds that depend directly on parent.
func (r *RunnableTask) Children(parent string) []string {
	var out []string
	for _, e := range r.Dependencies {
		if e.Parent == parent {
			out = append(out, e.Child)
		}
	}
	return out
}

// Parents returns the TaskIds that child depends directly on.
func (r *RunnableTask) Parents(child string) []string {
	var out []string
	for _, e := range r.Dependencies {
		if e.Child == child {
			out = append(out, e.Parent)
		}
	}
	return out
}

// Roots returns the TaskIds with no parent.
func (r *RunnableTask) Roots() []string {
	hasParent := make(map[string]bool, len(r.Tasks))
	for _, e := range r.Dependencies {
		hasParent[e.Child] = true
	}
	var out []string
	for id := range r.Tasks {
		if !hasParent[id] {
			out = append(out, id)
		}
	}
	return out
}

// StartedTask marks that some worker instance began running a task.
type StartedTask struct {
	InstanceName string    `json:"instanceName"`
	StartDateUTC time.Time `json:"startDateUtc"`
}

// ExecutionStatus is the terminal outcome of a task invocation.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "SUCCESS"
	StatusFailed  ExecutionStatus = "FAILED"
)

// TaskExecutionResult is the durable, at-most-once-written completion
// record for a (runId, taskId) pair.
type TaskExecutionResult struct {
	Status         ExecutionStatus   `json:"status"`
	Message        string            `json:"message,omitempty"`
	Result         map[string]string `json:"result,omitempty"`
	CompletionTime time.Time         `json:"completionTime"`
}

// RunInfo is the introspection view of a run (out-of-core per spec, still
// part of the public surface).
type RunInfo struct {
	RunID             string     `json:"runId"`
	ParentRunID       string     `json:"parentRunId,omitempty"`
	StartTimeUTC      time.Time  `json:"startTimeUtc"`
	CompletionTimeUTC *time.Time `json:"completionTimeUtc,omitempty"`
}

// TaskState is the coarse introspection state of a task for getTaskInfo.
type TaskState string

const (
	TaskNotStarted TaskState = "NOT_STARTED"
	TaskStarted    TaskState = "STARTED"
	TaskCompleted  TaskState = "COMPLETED"
)

// TaskInfo combines not-started/started/completed view of one task.
type TaskInfo struct {
	TaskID  string               `json:"taskId"`
	State   TaskState            `json:"state"`
	Started *StartedTask         `json:"started,omitempty"`
	Result  *TaskExecutionResult `json:"result,omitempty"`
}

// TaskDetails is the static, non-execution-state view of one task.
type TaskDetails struct {
	Type     TaskType          `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
