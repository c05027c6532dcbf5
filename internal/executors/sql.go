package executors

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetorch/orchestrator/internal/workflow"
)

// SQLExecutor is a placeholder for read-only SQL query execution against a
// configured database/sql driver; not yet implemented, matching the
// teacher's SQLPlugin.
type SQLExecutor struct {
	tracer trace.Tracer
}

func NewSQLExecutor() *SQLExecutor {
	return &SQLExecutor{tracer: otel.Tracer("fleetorch-executor-sql")}
}

func (e *SQLExecutor) Type() string { return "sql" }

func (e *SQLExecutor) Execute(ctx context.Context, step workflow.Step, execContext map[string]any) (map[string]any, error) {
	_, span := e.tracer.Start(ctx, "sql.query")
	defer span.End()

	// TODO: database/sql connection pooling with enforced read-only transactions.
	return map[string]any{
		"status":  "not_implemented",
		"message": "sql executor requires database configuration",
	}, fmt.Errorf("executors: sql step %s not yet implemented", step.ID)
}
