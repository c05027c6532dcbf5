// Command fleetorch runs the orchestrator service: the HTTP operator
// surface (submit-task, status, health, metrics) backed by the integrator
// composition root.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetorch/orchestrator/internal/integrator"
	"github.com/fleetorch/orchestrator/internal/router"
	"github.com/fleetorch/orchestrator/internal/telemetry"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	const service = "fleetorch-orchestrator"
	telemetry.InitLogging(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := telemetry.InitMetrics(ctx, service)

	cfg := integrator.Config{
		NodesPath:      envOr("FLEETORCH_NODES_CONFIG", "configs/nodes.yaml"),
		WorkflowsPath:  envOr("FLEETORCH_WORKFLOWS_CONFIG", "configs/workflows.yaml"),
		StorePath:      envOr("FLEETORCH_WORKFLOW_DB", "fleetorch-workflows.db"),
		TaskStorePath:  envOr("FLEETORCH_TASK_DB", "fleetorch-tasks.db"),
		Source:         "orchestrator",
		WatchConfigDir: true,
	}

	in, err := integrator.Initialize(ctx, cfg)
	if err != nil {
		slog.Error("integrator initialize failed", "error", err)
		os.Exit(1)
	}
	if err := in.Start(ctx); err != nil {
		slog.Error("integrator start failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		checks := in.HealthCheck(r.Context())
		healthy := true
		for _, ok := range checks {
			healthy = healthy && ok
		}
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(checks)
	})

	mux.HandleFunc("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req router.Task
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		id, err := in.SubmitTask(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"taskId": id})
	})

	mux.HandleFunc("/v1/tasks/status", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id required", http.StatusBadRequest)
			return
		}
		status, result, err := in.GetStatus(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "result": result})
	})

	if promHandler != nil {
		mux.Handle("/metrics", promHandler)
	}

	addr := fmt.Sprintf(":%s", envOr("FLEETORCH_PORT", "8080"))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("fleetorch orchestrator started", "addr", addr)

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = in.Stop(shutdownCtx)
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}
