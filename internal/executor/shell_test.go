package executor

import (
	"context"
	"testing"

	"github.com/Nirmata/workflow/internal/types"
)

func TestShellExecutorRunsAllowedCommand(t *testing.T) {
	exec := NewShellExecutor(nil)
	task := &types.ExecutableTask{
		RunID:    "r1",
		TaskID:   "a",
		Metadata: map[string]string{MetaShellCommand: "echo hello"},
	}
	result, err := exec.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != types.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s: %s", result.Status, result.Message)
	}
	if result.Result["stdout"] != "hello\n" {
		t.Fatalf("unexpected stdout: %q", result.Result["stdout"])
	}
}

func TestShellExecutorRejectsDisallowedCommand(t *testing.T) {
	exec := NewShellExecutor([]string{"echo"})
	task := &types.ExecutableTask{
		RunID:    "r1",
		TaskID:   "a",
		Metadata: map[string]string{MetaShellCommand: "rm -rf /"},
	}
	result, err := exec.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != types.StatusFailed {
		t.Fatalf("expected a disallowed command to FAIL, got %s", result.Status)
	}
}

func TestShellExecutorRejectsEmptyCommand(t *testing.T) {
	exec := NewShellExecutor(nil)
	task := &types.ExecutableTask{RunID: "r1", TaskID: "a"}
	if _, err := exec.Execute(context.Background(), task); err == nil {
		t.Fatal("expected an empty command to be a hard error, not a FAILED result")
	}
}
