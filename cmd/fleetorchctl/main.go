// Command fleetorchctl is the operator CLI of spec §6.4: init, status,
// health, monitor and submit-task, talking to a running fleetorch server
// over its HTTP operator surface.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func baseURL() string {
	if v := os.Getenv("FLEETORCH_API_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func httpGet(path string) (int, []byte, error) {
	resp, err := http.Get(baseURL() + path)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func httpPost(path string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	resp, err := http.Post(baseURL()+path, "application/json", strings.NewReader(string(data)))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetorchctl",
		Short: "Operator CLI for the fleetorch task orchestrator",
	}
	root.AddCommand(newInitCmd(), newStatusCmd(), newHealthCmd(), newMonitorCmd(), newSubmitTaskCmd())
	return root
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Verify connectivity to the orchestrator and print its health",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, body, err := httpGet("/health")
			if err != nil {
				return fmt.Errorf("connect to %s: %w", baseURL(), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			if code != http.StatusOK {
				return fmt.Errorf("orchestrator unhealthy (status %d)", code)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "orchestrator reachable")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report a submitted task's current status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--task-id is required")
			}
			code, body, err := httpGet("/v1/tasks/status?id=" + taskID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			if code != http.StatusOK {
				return fmt.Errorf("status query failed (status %d)", code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "task id returned by submit-task")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the orchestrator's subsystem health checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, body, err := httpGet("/health")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			if code != http.StatusOK {
				return fmt.Errorf("health check failed (status %d)", code)
			}
			return nil
		},
	}
}

func newMonitorCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream orchestrator health at a fixed interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				_, body, err := httpGet("/health")
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), time.Now().Format(time.RFC3339), string(body))
				}
				<-ticker.C
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval")
	return cmd
}

func newSubmitTaskCmd() *cobra.Command {
	var taskType, name, payloadJSON string
	var priority int
	var requiredTools []string
	var deterministic bool
	var targetNode string
	var timeoutMs int

	cmd := &cobra.Command{
		Use:   "submit-task",
		Short: "Submit a task to the orchestrator's router",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskType == "" {
				return fmt.Errorf("--type is required")
			}
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("parse --payload: %w", err)
				}
			}
			req := map[string]any{
				"Type":          taskType,
				"Name":          name,
				"Payload":       payload,
				"Priority":      priority,
				"RequiredTools": requiredTools,
				"Deterministic": deterministic,
				"TargetNode":    targetNode,
				"TimeoutMs":     timeoutMs,
			}
			code, body, err := httpPost("/v1/tasks", req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			if code != http.StatusAccepted {
				return fmt.Errorf("submit-task failed (status %d)", code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "task type (http, script, grpc, model, sql, kafka, shell)")
	cmd.Flags().StringVar(&name, "name", "", "human-readable task name")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "task payload as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", 0, "task priority, higher runs first")
	cmd.Flags().StringSliceVar(&requiredTools, "required-tools", nil, "capability tags a worker must advertise")
	cmd.Flags().BoolVar(&deterministic, "deterministic", false, "route via consistent hashing and retry to the same alternate")
	cmd.Flags().StringVar(&targetNode, "target-node", "", "pin the task to a specific node id")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 30000, "per-assignment timeout in milliseconds")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
