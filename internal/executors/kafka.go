package executors

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetorch/orchestrator/internal/workflow"
)

// NATSPublisher is the subset of *nats.Conn the kafka executor needs. The
// module has no dedicated Kafka client; topic-based publish semantics are
// served over the NATS connection already wired for worker messaging.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// KafkaExecutor publishes step.Params["topic"]/["message"] onto the
// corresponding NATS subject, ported from the teacher's KafkaPlugin with
// NATS standing in for the unavailable Kafka producer library.
type KafkaExecutor struct {
	publisher     NATSPublisher
	subjectPrefix string
	tracer        trace.Tracer
}

func NewKafkaExecutor(publisher NATSPublisher) *KafkaExecutor {
	return &KafkaExecutor{
		publisher:     publisher,
		subjectPrefix: "fleetorch.topic",
		tracer:        otel.Tracer("fleetorch-executor-kafka"),
	}
}

func (e *KafkaExecutor) Type() string { return "kafka" }

func (e *KafkaExecutor) Execute(ctx context.Context, step workflow.Step, execContext map[string]any) (map[string]any, error) {
	topic := paramString(step.Params, "topic", "")
	if topic == "" {
		return nil, fmt.Errorf("executors: kafka step %s missing params.topic", step.ID)
	}

	_, span := e.tracer.Start(ctx, "kafka.publish", trace.WithAttributes(attribute.String("topic", topic)))
	defer span.End()

	if e.publisher == nil {
		return nil, fmt.Errorf("executors: kafka step %s has no publisher configured", step.ID)
	}

	payload, err := json.Marshal(step.Params["message"])
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", e.subjectPrefix, topic)
	if err := e.publisher.Publish(subject, payload); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}

	return map[string]any{"topic": topic, "subject": subject, "published": true}, nil
}
