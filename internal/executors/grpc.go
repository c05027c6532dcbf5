package executors

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetorch/orchestrator/internal/workflow"
)

// GRPCExecutor is a placeholder for dynamic gRPC invocation via proto
// reflection; not yet implemented, matching the teacher's GRPCPlugin.
type GRPCExecutor struct {
	tracer trace.Tracer
}

func NewGRPCExecutor() *GRPCExecutor {
	return &GRPCExecutor{tracer: otel.Tracer("fleetorch-executor-grpc")}
}

func (e *GRPCExecutor) Type() string { return "grpc" }

func (e *GRPCExecutor) Execute(ctx context.Context, step workflow.Step, execContext map[string]any) (map[string]any, error) {
	_, span := e.tracer.Start(ctx, "grpc.call")
	defer span.End()

	// TODO: dynamic gRPC client via proto reflection (grpcurl-style invocation).
	return map[string]any{
		"status":  "not_implemented",
		"message": "grpc executor requires proto descriptor",
	}, fmt.Errorf("executors: grpc step %s not yet implemented", step.ID)
}
