package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetorch/orchestrator/internal/resilience"
	"github.com/fleetorch/orchestrator/internal/workflow"
)

const maxHTTPResponseBytes = 10 << 20

// HTTPExecutor issues an HTTP request built from step.Params, with
// connection pooling, header/body template resolution against prior step
// outputs and OTel trace propagation, ported from the teacher's HTTPPlugin.
// One circuit breaker is kept per destination host so a single unreachable
// target can't burn retries against every other host a workflow calls.
type HTTPExecutor struct {
	client *http.Client
	tracer trace.Tracer

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer:   otel.Tracer("fleetorch-executor-http"),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

func (e *HTTPExecutor) Type() string { return "http" }

func (e *HTTPExecutor) breakerFor(host string) *resilience.CircuitBreaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	b, ok := e.breakers[host]
	if !ok {
		b = resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 10*time.Second, 1)
		e.breakers[host] = b
	}
	return b
}

func (e *HTTPExecutor) Execute(ctx context.Context, step workflow.Step, execContext map[string]any) (map[string]any, error) {
	target := resolveTemplate(paramString(step.Params, "url", ""), execContext)
	if target == "" {
		return nil, fmt.Errorf("executors: http step %s missing params.url", step.ID)
	}
	method := paramString(step.Params, "method", http.MethodPost)

	ctx, span := e.tracer.Start(ctx, "http.request", trace.WithAttributes(
		attribute.String("url", target),
		attribute.String("method", method),
	))
	defer span.End()

	host := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Host
	}
	breaker := e.breakerFor(host)
	if !breaker.Allow() {
		return nil, fmt.Errorf("executors: circuit open for host %s", host)
	}

	var body io.Reader
	if b, ok := step.Params["body"]; ok {
		bodyJSON, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		body = strings.NewReader(resolveTemplate(string(bodyJSON), execContext))
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Step-ID", step.ID)
	req.Header.Set("User-Agent", "fleetorch-orchestrator/1.0")
	for k, v := range paramMap(step.Params, "headers") {
		req.Header.Set(k, resolveTemplate(fmt.Sprint(v), execContext))
	}
	otel.GetTextMapPropagator().Inject(ctx, propagationCarrier{req.Header})

	resp, err := e.client.Do(req)
	if err != nil {
		breaker.RecordResult(false)
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		breaker.RecordResult(false)
		return nil, fmt.Errorf("read response: %w", err)
	}
	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int("http.response_size", len(respBody)),
	)
	if resp.StatusCode >= 400 {
		breaker.RecordResult(resp.StatusCode < 500)
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}
	breaker.RecordResult(true)

	var result map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			result = map[string]any{"body": string(respBody), "status_code": resp.StatusCode}
		}
	} else {
		result = map[string]any{"status_code": resp.StatusCode}
	}
	return result, nil
}

type propagationCarrier struct{ h http.Header }

func (c propagationCarrier) Get(key string) string { return c.h.Get(key) }
func (c propagationCarrier) Set(key, value string)  { c.h.Set(key, value) }
func (c propagationCarrier) Keys() []string {
	keys := make([]string, 0, len(c.h))
	for k := range c.h {
		keys = append(keys, k)
	}
	return keys
}
