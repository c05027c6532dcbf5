package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetorch/orchestrator/internal/workflow"
)

// PolicyExecutor evaluates a named policy against the shared execution
// context through an external policy service (OPA-compatible), ported from
// the teacher's PolicyTaskExecutor.
type PolicyExecutor struct {
	serviceURL string
	tracer     trace.Tracer
}

func NewPolicyExecutor() *PolicyExecutor {
	serviceURL := os.Getenv("FLEETORCH_POLICY_SERVICE_URL")
	if serviceURL == "" {
		serviceURL = "http://policy-service:8080"
	}
	return &PolicyExecutor{serviceURL: serviceURL, tracer: otel.Tracer("fleetorch-executor-policy")}
}

func (e *PolicyExecutor) Type() string { return "policy" }

func (e *PolicyExecutor) Execute(ctx context.Context, step workflow.Step, execContext map[string]any) (map[string]any, error) {
	policy := paramString(step.Params, "policy", "")
	if policy == "" {
		return nil, fmt.Errorf("executors: policy step %s missing params.policy", step.ID)
	}

	ctx, span := e.tracer.Start(ctx, "policy.evaluate", trace.WithAttributes(attribute.String("policy", policy)))
	defer span.End()

	reqBody, err := json.Marshal(map[string]any{"policy": policy, "input": execContext})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serviceURL+"/v1/evaluate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy service error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("policy evaluation failed: %s", string(body))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}
