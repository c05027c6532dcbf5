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

// ModelExecutor calls a model registry's inference endpoint with the step's
// model name and input, ported from the teacher's ModelInferencePlugin.
type ModelExecutor struct {
	registryURL string
	tracer      trace.Tracer
}

func NewModelExecutor(registryURL string) *ModelExecutor {
	if registryURL == "" {
		registryURL = os.Getenv("FLEETORCH_MODEL_REGISTRY_URL")
	}
	if registryURL == "" {
		registryURL = "http://model-registry:8080"
	}
	return &ModelExecutor{registryURL: registryURL, tracer: otel.Tracer("fleetorch-executor-model")}
}

func (e *ModelExecutor) Type() string { return "model" }

func (e *ModelExecutor) Execute(ctx context.Context, step workflow.Step, execContext map[string]any) (map[string]any, error) {
	model := paramString(step.Params, "model", "")
	if model == "" {
		return nil, fmt.Errorf("executors: model step %s missing params.model", step.ID)
	}

	ctx, span := e.tracer.Start(ctx, "model.inference", trace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	reqBody, err := json.Marshal(map[string]any{
		"model_name": model,
		"input":      step.Params["input"],
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.registryURL+"/v1/inference", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model inference failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("model inference error: %s", string(body))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}
