package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Nirmata/workflow/internal/types"
)

// ResultReader is the narrow slice of store.Store the built-in executors
// need to resolve "{{taskId.field}}" placeholders against a predecessor's
// recorded result, without importing the store package's full surface.
type ResultReader interface {
	GetResult(ctx context.Context, runID, taskID string) (*types.TaskExecutionResult, error)
}

// HTTPExecutor issues the task's configured HTTP request, templating
// upstream task results into the URL/body/headers via ResultReader.
type HTTPExecutor struct {
	client  *http.Client
	results ResultReader
	tracer  trace.Tracer
}

func NewHTTPExecutor(results ResultReader) *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		results: results,
		tracer:  otel.Tracer("workflow-executor-http"),
	}
}

// Metadata keys consumed by HTTPExecutor. Any task.Metadata key outside
// this set is ignored by it (but still visible to other executors).
const (
	MetaHTTPURL     = "http.url"
	MetaHTTPMethod  = "http.method"
	MetaHTTPBody    = "http.body"
	MetaHTTPHeaders = "http.headers" // JSON-encoded map[string]string
)

func (h *HTTPExecutor) Execute(ctx context.Context, task *types.ExecutableTask) (*types.TaskExecutionResult, error) {
	ctx, span := h.tracer.Start(ctx, "http.execute",
		trace.WithAttributes(
			attribute.String("run_id", task.RunID),
			attribute.String("task_id", task.TaskID),
		))
	defer span.End()

	url := h.resolve(ctx, task.RunID, task.Metadata[MetaHTTPURL])
	method := task.Metadata[MetaHTTPMethod]
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if raw := task.Metadata[MetaHTTPBody]; raw != "" {
		body = strings.NewReader(h.resolve(ctx, task.RunID, raw))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workflow-Run-Id", task.RunID)
	req.Header.Set("X-Workflow-Task-Id", task.TaskID)

	if raw := task.Metadata[MetaHTTPHeaders]; raw != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(raw), &headers); err == nil {
			for k, v := range headers {
				req.Header.Set(k, h.resolve(ctx, task.RunID, v))
			}
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagationCarrier{req.Header})

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read http response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	now := time.Now().UTC()
	if resp.StatusCode >= 400 {
		return &types.TaskExecutionResult{
			Status:         types.StatusFailed,
			Message:        fmt.Sprintf("http %d: %s", resp.StatusCode, string(respBody)),
			CompletionTime: now,
		}, nil
	}

	return &types.TaskExecutionResult{
		Status:         types.StatusSuccess,
		Result:         map[string]string{"status_code": fmt.Sprint(resp.StatusCode), "body": string(respBody)},
		CompletionTime: now,
	}, nil
}

// resolve replaces every "{{taskId.field}}" placeholder in template with
// the named field from taskId's recorded result within runID, best-effort
// (a missing predecessor result or field is substituted as an empty
// string).
func (h *HTTPExecutor) resolve(ctx context.Context, runID, template string) string {
	if h.results == nil || !strings.Contains(template, "{{") {
		return template
	}
	out := template
	for strings.Contains(out, "{{") {
		start := strings.Index(out, "{{")
		end := strings.Index(out[start:], "}}")
		if end < 0 {
			break
		}
		end += start
		placeholder := out[start : end+2]
		inner := out[start+2 : end]
		dot := strings.IndexByte(inner, '.')
		if dot < 0 {
			break
		}
		taskID, field := inner[:dot], inner[dot+1:]
		result, err := h.results.GetResult(ctx, runID, taskID)
		value := ""
		if err == nil && result != nil {
			value = result.Result[field]
		}
		out = strings.Replace(out, placeholder, value, 1)
	}
	return out
}

type propagationCarrier struct{ header http.Header }

func (c propagationCarrier) Get(key string) string { return c.header.Get(key) }
func (c propagationCarrier) Set(key, value string) { c.header.Set(key, value) }
func (c propagationCarrier) Keys() []string {
	keys := make([]string, 0, len(c.header))
	for k := range c.header {
		keys = append(keys, k)
	}
	return keys
}
