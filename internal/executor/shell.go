package executor

import (
	"bytes"
	"context"
	"fmt"
	osExec "os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Nirmata/workflow/internal/types"
)

// MetaShellCommand is the metadata key holding the shell command line.
const MetaShellCommand = "shell.command"

// ShellExecutor runs an allow-listed local command for operator scripting
// tasks.
type ShellExecutor struct {
	allowed map[string]bool
	tracer  trace.Tracer
}

// DefaultAllowedCommands is the allow-list used when the operator
// configures none.
var DefaultAllowedCommands = []string{"echo", "cat", "grep", "awk", "sed", "jq", "curl", "wget"}

func NewShellExecutor(allowedCommands []string) *ShellExecutor {
	if len(allowedCommands) == 0 {
		allowedCommands = DefaultAllowedCommands
	}
	allowed := make(map[string]bool, len(allowedCommands))
	for _, c := range allowedCommands {
		allowed[c] = true
	}
	return &ShellExecutor{allowed: allowed, tracer: otel.Tracer("workflow-executor-shell")}
}

func (s *ShellExecutor) Execute(ctx context.Context, task *types.ExecutableTask) (*types.TaskExecutionResult, error) {
	ctx, span := s.tracer.Start(ctx, "shell.execute",
		trace.WithAttributes(attribute.String("task_id", task.TaskID)))
	defer span.End()

	command := task.Metadata[MetaShellCommand]
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("shell task %s/%s has empty command", task.RunID, task.TaskID)
	}
	if !s.allowed[parts[0]] {
		now := time.Now().UTC()
		return &types.TaskExecutionResult{
			Status:         types.StatusFailed,
			Message:        fmt.Sprintf("command not allowed: %s", parts[0]),
			CompletionTime: now,
		}, nil
	}

	cmd := osExec.CommandContext(ctx, parts[0], parts[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	now := time.Now().UTC()
	if err := cmd.Run(); err != nil {
		return &types.TaskExecutionResult{
			Status:         types.StatusFailed,
			Message:        fmt.Sprintf("command failed: %v: %s", err, stderr.String()),
			CompletionTime: now,
		}, nil
	}

	span.SetAttributes(attribute.Int("shell.exit_code", cmd.ProcessState.ExitCode()))
	return &types.TaskExecutionResult{
		Status: types.StatusSuccess,
		Result: map[string]string{
			"stdout":    stdout.String(),
			"stderr":    stderr.String(),
			"exit_code": fmt.Sprint(cmd.ProcessState.ExitCode()),
		},
		CompletionTime: now,
	}, nil
}
