package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// NATSTransport frames Messages onto NATS subjects, one per worker plus a
// broadcast subject, propagating the OTel trace context in NATS headers the
// way the teacher's natsctx package does for its service-to-service calls.
type NATSTransport struct {
	conn         *nats.Conn
	subjectPrefix string
	propagator   propagation.TraceContext
}

// NewNATSTransport wraps an already-connected *nats.Conn. subjectPrefix is
// typically "fleetorch".
func NewNATSTransport(conn *nats.Conn, subjectPrefix string) *NATSTransport {
	if subjectPrefix == "" {
		subjectPrefix = "fleetorch"
	}
	return &NATSTransport{conn: conn, subjectPrefix: subjectPrefix}
}

func (t *NATSTransport) subjectFor(target string) string {
	if target == BroadcastTarget {
		return fmt.Sprintf("%s.broadcast", t.subjectPrefix)
	}
	return fmt.Sprintf("%s.worker.%s", t.subjectPrefix, target)
}

// Emit publishes msg to the subject derived from its Target.
func (t *NATSTransport) Emit(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("messaging: marshal for nats: %w", err)
	}
	hdr := nats.Header{}
	t.propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	natsMsg := &nats.Msg{Subject: t.subjectFor(msg.Target), Data: data, Header: hdr}
	return t.conn.PublishMsg(natsMsg)
}

// Subscribe registers fn against the worker subject for nodeID, extracting
// the propagated trace context and starting a consumer span per message
// before handing off to fn.
func (t *NATSTransport) Subscribe(nodeID string, fn func(ctx context.Context, msg *Message)) (*nats.Subscription, error) {
	return t.conn.Subscribe(t.subjectFor(nodeID), t.wrapHandler(fn))
}

// SubscribeBroadcast registers fn against the shared broadcast subject.
func (t *NATSTransport) SubscribeBroadcast(fn func(ctx context.Context, msg *Message)) (*nats.Subscription, error) {
	return t.conn.Subscribe(t.subjectFor(BroadcastTarget), t.wrapHandler(fn))
}

func (t *NATSTransport) wrapHandler(fn func(ctx context.Context, msg *Message)) nats.MsgHandler {
	tracer := otel.Tracer("fleetorch-messaging")
	return func(m *nats.Msg) {
		ctx := t.propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		ctx, span := tracer.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			span.RecordError(err)
			return
		}
		fn(ctx, &msg)
	}
}
