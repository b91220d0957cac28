package executor

import "github.com/Nirmata/workflow/internal/types"

// Built-in task types provided out of the box so the engine is runnable
// end-to-end without external services.
var (
	TaskTypeHTTP   = types.TaskType{Name: "builtin.http", Version: "v1", IsIdempotent: false, Mode: types.ModeStandard}
	TaskTypePolicy = types.TaskType{Name: "builtin.policy", Version: "v1", IsIdempotent: true, Mode: types.ModeStandard}
	TaskTypeShell  = types.TaskType{Name: "builtin.shell", Version: "v1", IsIdempotent: false, Mode: types.ModeStandard}
)

// NewBuiltinRegistry returns a Registry with the http/policy/shell
// executors pre-registered against their built-in task types. Callers add
// further TaskType/TaskExecutor bindings with Register for their own
// business logic.
func NewBuiltinRegistry(results ResultReader, shellAllowlist []string) *Registry {
	r := NewRegistry()
	r.Register(TaskTypeHTTP, NewHTTPExecutor(results))
	r.Register(TaskTypePolicy, NewPolicyExecutor())
	r.Register(TaskTypeShell, NewShellExecutor(shellAllowlist))
	return r
}
