package executors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fleetorch/orchestrator/internal/workflow"
)

func TestResolveTemplateSubstitutesPriorStepOutputs(t *testing.T) {
	execContext := map[string]any{
		"fetch-node": map[string]any{"node_id": "worker-a"},
	}
	got := resolveTemplate("http://{{fetch-node.node_id}}:9000/health", execContext)
	want := "http://worker-a:9000/health"
	if got != want {
		t.Fatalf("resolveTemplate: got %q, want %q", got, want)
	}
}

func TestHTTPExecutorPostsJSONAndParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Step-ID") != "s1" {
			t.Errorf("expected X-Step-ID header, got %q", r.Header.Get("X-Step-ID"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := NewHTTPExecutor()
	step := workflow.Step{ID: "s1", Params: map[string]any{"url": srv.URL, "method": "GET"}}

	result, err := e.Execute(context.Background(), step, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result["ok"] != true {
		t.Fatalf("expected ok=true in result, got %v", result)
	}
}

func TestHTTPExecutorReturnsErrorOnStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	e := NewHTTPExecutor()
	step := workflow.Step{ID: "s1", Params: map[string]any{"url": srv.URL, "method": "GET"}}

	if _, err := e.Execute(context.Background(), step, nil); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestShellExecutorRejectsNonWhitelistedCommand(t *testing.T) {
	e := NewShellExecutor()
	step := workflow.Step{ID: "s1", Params: map[string]any{"command": "rm -rf /"}}

	if _, err := e.Execute(context.Background(), step, nil); err == nil {
		t.Fatal("expected whitelist rejection")
	}
}

func TestShellExecutorRunsWhitelistedCommand(t *testing.T) {
	e := NewShellExecutor()
	step := workflow.Step{ID: "s1", Params: map[string]any{"command": "echo hello"}}

	result, err := e.Execute(context.Background(), step, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result["exit_code"] != 0 {
		t.Fatalf("expected exit_code 0, got %v", result["exit_code"])
	}
}

type stubPublisher struct {
	subject string
	data    []byte
	err     error
}

func (s *stubPublisher) Publish(subject string, data []byte) error {
	s.subject = subject
	s.data = data
	return s.err
}

func TestKafkaExecutorPublishesToDerivedSubject(t *testing.T) {
	pub := &stubPublisher{}
	e := NewKafkaExecutor(pub)
	step := workflow.Step{ID: "s1", Params: map[string]any{
		"topic":   "alerts",
		"message": map[string]any{"severity": "high"},
	}}

	result, err := e.Execute(context.Background(), step, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if pub.subject != "fleetorch.topic.alerts" {
		t.Fatalf("expected derived subject, got %q", pub.subject)
	}
	if result["published"] != true {
		t.Fatalf("expected published=true, got %v", result)
	}
}

func TestKafkaExecutorRequiresTopic(t *testing.T) {
	e := NewKafkaExecutor(&stubPublisher{})
	step := workflow.Step{ID: "s1", Params: map[string]any{}}

	if _, err := e.Execute(context.Background(), step, nil); err == nil {
		t.Fatal("expected error for missing topic")
	}
}

func TestRegistryExecuteDispatchesByTaskType(t *testing.T) {
	r := NewDefaultRegistry(&stubPublisher{})
	step := workflow.Step{ID: "s1", Params: map[string]any{
		"topic":   "alerts",
		"message": map[string]any{"severity": "low"},
	}}

	if _, err := r.Execute(context.Background(), "kafka", step, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if _, err := r.Execute(context.Background(), "unknown", step, nil); err == nil {
		t.Fatal("expected error for unregistered task type")
	}
}
