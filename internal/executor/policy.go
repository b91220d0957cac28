package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Nirmata/workflow/internal/types"
)

// Metadata keys consumed by PolicyExecutor.
const (
	MetaPolicyRego  = "policy.rego"  // embedded Rego module source
	MetaPolicyQuery = "policy.query" // defaults to "data.workflow.allow"
)

// PolicyExecutor evaluates an embedded OPA Rego policy against the task's
// own metadata, returning SUCCESS when the policy's `allow` decision is
// true and FAILED otherwise. The policy is evaluated in-process; no
// external policy service is involved.
type PolicyExecutor struct {
	tracer trace.Tracer
}

func NewPolicyExecutor() *PolicyExecutor {
	return &PolicyExecutor{tracer: otel.Tracer("workflow-executor-policy")}
}

func (p *PolicyExecutor) Execute(ctx context.Context, task *types.ExecutableTask) (*types.TaskExecutionResult, error) {
	ctx, span := p.tracer.Start(ctx, "policy.execute",
		trace.WithAttributes(attribute.String("task_id", task.TaskID)))
	defer span.End()

	module := task.Metadata[MetaPolicyRego]
	if module == "" {
		return nil, fmt.Errorf("policy task %s/%s missing %s metadata", task.RunID, task.TaskID, MetaPolicyRego)
	}
	query := task.Metadata[MetaPolicyQuery]
	if query == "" {
		query = "data.workflow.allow"
	}

	input := map[string]any{}
	for k, v := range task.Metadata {
		if k == MetaPolicyRego || k == MetaPolicyQuery {
			continue
		}
		input[k] = v
	}

	r := rego.New(
		rego.Query(query),
		rego.Module("workflow_task_policy.rego", module),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	rs, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluate policy: %w", err)
	}

	now := time.Now().UTC()
	allow := false
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		if b, ok := rs[0].Expressions[0].Value.(bool); ok {
			allow = b
		}
	}
	span.SetAttributes(attribute.Bool("policy.allow", allow))

	if !allow {
		return &types.TaskExecutionResult{
			Status:         types.StatusFailed,
			Message:        "policy denied",
			CompletionTime: now,
		}, nil
	}
	return &types.TaskExecutionResult{
		Status:         types.StatusSuccess,
		Result:         map[string]string{"allow": "true"},
		CompletionTime: now,
	}, nil
}
