package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// loopTransport immediately hands emitted messages back to a receive
// function, simulating a worker that always replies synchronously.
type loopTransport struct {
	onEmit func(msg *Message)
}

func (lt *loopTransport) Emit(ctx context.Context, msg *Message) error {
	if lt.onEmit != nil {
		lt.onEmit(msg)
	}
	return nil
}

func newTestProtocol() *Protocol {
	cfg := DefaultConfig()
	cfg.MessageTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 1
	lt := &loopTransport{}
	p := New("orchestrator", lt, cfg, nil)
	return p
}

func TestCreateMessageSignsChecksum(t *testing.T) {
	p := newTestProtocol()
	msg, err := p.CreateMessage("orchestrator", "worker-1", TypeHeartbeat, map[string]any{"status": "ok"}, 5)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if !msg.verify() {
		t.Fatalf("expected checksum to verify")
	}
	if msg.Version != ProtocolVersion {
		t.Fatalf("expected version %s, got %s", ProtocolVersion, msg.Version)
	}
}

func TestReceiveRejectsExpiredMessage(t *testing.T) {
	p := newTestProtocol()
	msg, err := p.CreateMessage("worker-1", "orchestrator", TypeTaskProgress, map[string]any{"progress": 0.5}, 1)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	msg.TTL = time.Now().Add(-time.Second).UnixMilli()
	msg.sign()

	dispatched := false
	p.RegisterHandler(TypeTaskProgress, func(ctx context.Context, m *Message) error {
		dispatched = true
		return nil
	})

	accepted, err := p.Receive(context.Background(), msg)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if accepted {
		t.Fatalf("expired message should not be accepted")
	}
	if dispatched {
		t.Fatalf("expired message must never reach a handler")
	}
}

func TestReceiveDedupesRepeatedID(t *testing.T) {
	p := newTestProtocol()
	msg, _ := p.CreateMessage("worker-1", "orchestrator", TypeTaskProgress, map[string]any{"progress": 0.5}, 1)

	count := 0
	p.RegisterHandler(TypeTaskProgress, func(ctx context.Context, m *Message) error {
		count++
		return nil
	})

	if _, err := p.Receive(context.Background(), msg); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	if _, err := p.Receive(context.Background(), msg); err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", count)
	}
}

func TestReceiveRejectsBadChecksum(t *testing.T) {
	p := newTestProtocol()
	msg, _ := p.CreateMessage("worker-1", "orchestrator", TypeTaskComplete, map[string]any{"taskId": "t1"}, 1)
	msg.Payload = json.RawMessage(`{"taskId":"tampered"}`)

	accepted, err := p.Receive(context.Background(), msg)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if accepted {
		t.Fatalf("tampered message should be rejected")
	}
}

func TestSendTimesOutAfterMaxRetries(t *testing.T) {
	p := newTestProtocol()
	msg, _ := p.CreateMessage("orchestrator", "worker-1", TypeTaskAssign, map[string]any{"taskId": "t1"}, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := p.Send(ctx, msg)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSendResolvesOnReply(t *testing.T) {
	p := newTestProtocol()
	msg, _ := p.CreateMessage("orchestrator", "worker-1", TypeTaskAssign, map[string]any{"taskId": "t1"}, 5)

	lt := p.transport.(*loopTransport)
	lt.onEmit = func(sent *Message) {
		go func() {
			reply, _ := p.CreateMessage("worker-1", "orchestrator", TypeTaskComplete, map[string]any{"ok": true}, 5)
			reply.ID = sent.ID
			reply.sign()
			p.Receive(context.Background(), reply)
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	payload, err := p.Send(ctx, msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("unexpected reply body: %v", body)
	}
}
