package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetorch/orchestrator/internal/resilience"
)

// Transport delivers an already-framed Message onto the wire. Implementations
// live in this package (transport_nats.go) and in tests (an in-memory stub).
type Transport interface {
	Emit(ctx context.Context, msg *Message) error
}

// Handler processes a dispatched message of a given type. Returning an error
// only logs; protocol-level delivery has already succeeded by the time a
// handler runs.
type Handler func(ctx context.Context, msg *Message) error

// Observer receives named protocol events (message:outgoing, message:expired,
// message:duplicate, ...) for the publish-only event sink of spec §6.3.
type Observer func(event string, attrs map[string]any)

type pendingSend struct {
	resultCh chan sendResult
	cancel   context.CancelFunc
}

type sendResult struct {
	payload json.RawMessage
	err     error
}

// Protocol implements CreateMessage / Send / Receive over a pluggable
// Transport, with at-least-once delivery, retry-with-backoff, deduplication
// and TTL expiry.
type Protocol struct {
	cfg       Config
	source    string
	transport Transport
	tracer    trace.Tracer

	dedup *dedupWindow

	seqMu sync.Mutex
	seq   map[string]uint64

	pendingMu sync.Mutex
	pending   map[string]*pendingSend

	handlersMu sync.RWMutex
	handlers   map[Type]Handler

	observer Observer
	batcher  *batcher
}

// New constructs a Protocol for the given local identity (typically
// "orchestrator").
func New(source string, transport Transport, cfg Config, observer Observer) *Protocol {
	p := &Protocol{
		cfg:       cfg,
		source:    source,
		transport: transport,
		tracer:    otel.Tracer("fleetorch-messaging"),
		dedup:     newDedupWindow(cfg.DedupWindowSize),
		seq:       make(map[string]uint64),
		pending:   make(map[string]*pendingSend),
		handlers:  make(map[Type]Handler),
		observer:  observer,
	}
	p.batcher = newBatcher(p)
	return p
}

// RegisterHandler wires a typed handler invoked on dispatch for messages
// that are not resolving a pending send.
func (p *Protocol) RegisterHandler(t Type, h Handler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[t] = h
}

func (p *Protocol) emit(event string, attrs map[string]any) {
	if p.observer != nil {
		p.observer(event, attrs)
	}
}

func (p *Protocol) nextSeq(source string) uint64 {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	p.seq[source]++
	return p.seq[source]
}

// CreateMessage builds, compresses and checksums a Message ready for Send,
// using the protocol's configured default message timeout as its TTL.
func (p *Protocol) CreateMessage(source, target string, t Type, payload any, priority int) (*Message, error) {
	return p.CreateMessageWithTTL(source, target, t, payload, priority, p.cfg.MessageTimeout)
}

// CreateMessageWithTTL is CreateMessage with an explicit TTL, used by
// callers (such as the task router) that must carry a caller-specified
// deadline rather than the protocol default.
func (p *Protocol) CreateMessageWithTTL(source, target string, t Type, payload any, priority int, ttl time.Duration) (*Message, error) {
	raw, err := toRawMessage(payload)
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal payload: %w", err)
	}
	compressed, err := maybeCompress(raw, p.cfg.CompressionThreshold, p.cfg.EnableCompression)
	if err != nil {
		return nil, fmt.Errorf("messaging: compress payload: %w", err)
	}

	now := time.Now()
	if ttl <= 0 {
		ttl = p.cfg.MessageTimeout
	}
	msg := &Message{
		ID:             uuid.NewString(),
		Version:        ProtocolVersion,
		Source:         source,
		Target:         target,
		Type:           t,
		Payload:        compressed,
		Timestamp:      now.UnixMilli(),
		SequenceNumber: p.nextSeq(source),
		Priority:       priority,
		TTL:            now.Add(ttl).UnixMilli(),
	}
	msg.sign()

	if size, err := msg.sizeBytes(); err == nil && size > MaxMessageSize {
		return nil, ErrPayloadTooLarge
	}
	return msg, nil
}

func toRawMessage(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	if raw, ok := payload.([]byte); ok {
		return json.RawMessage(raw), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// Send transmits msg and blocks until a reply resolves the pending future,
// all retries are exhausted (ErrTimeout), or ctx is canceled.
func (p *Protocol) Send(ctx context.Context, msg *Message) (json.RawMessage, error) {
	ctx, span := p.tracer.Start(ctx, "messaging.Send")
	defer span.End()

	sendCtx, cancel := context.WithCancel(ctx)
	ps := &pendingSend{resultCh: make(chan sendResult, 1), cancel: cancel}

	p.pendingMu.Lock()
	p.pending[msg.ID] = ps
	p.pendingMu.Unlock()

	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, msg.ID)
		p.pendingMu.Unlock()
	}()

	go p.sendWithRetry(sendCtx, msg, ps)

	select {
	case res := <-ps.resultCh:
		return res.payload, res.err
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// Dispatch emits msg once without waiting for a reply, for one-way traffic
// (TASK_ASSIGN, METRICS_REPORT) whose eventual response, if any, arrives as
// an independent message rather than a reply to this one.
func (p *Protocol) Dispatch(ctx context.Context, msg *Message) error {
	ctx, span := p.tracer.Start(ctx, "messaging.Dispatch")
	defer span.End()
	if err := p.transport.Emit(ctx, msg); err != nil {
		return err
	}
	p.emit("message:outgoing", map[string]any{"messageId": msg.ID})
	return nil
}

// backoffPolicy derives the protocol's retry schedule from its Config,
// handing the actual delay math to resilience.BackoffPolicy rather than a
// bespoke exponent.
func (p *Protocol) backoffPolicy() resilience.BackoffPolicy {
	return resilience.BackoffPolicy{
		MaxAttempts: p.cfg.MaxRetries + 1,
		InitialWait: p.cfg.MessageTimeout,
		MaxWait:     p.cfg.MessageTimeout * time.Duration(p.cfg.MaxRetries+1),
		Multiplier:  2.0,
	}
}

func (p *Protocol) sendWithRetry(ctx context.Context, msg *Message, ps *pendingSend) {
	policy := p.backoffPolicy()
	attempt := 0
	for {
		if err := p.transport.Emit(ctx, msg); err != nil {
			slog.Warn("messaging: emit failed", "messageId", msg.ID, "error", err)
		} else {
			p.emit("message:outgoing", map[string]any{"messageId": msg.ID, "attempt": attempt})
		}

		timer := time.NewTimer(policy.NextDelay(attempt))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			attempt++
			if attempt > p.cfg.MaxRetries {
				select {
				case ps.resultCh <- sendResult{err: ErrTimeout}:
				default:
				}
				return
			}
		}
	}
}

// Receive validates, deduplicates and dispatches an inbound Message,
// reporting whether it was accepted (not necessarily dispatched — duplicates
// and reply-resolutions return true without invoking a handler).
func (p *Protocol) Receive(ctx context.Context, msg *Message) (bool, error) {
	ctx, span := p.tracer.Start(ctx, "messaging.Receive")
	defer span.End()

	if err := p.validate(msg); err != nil {
		p.emit("message:"+validationEvent(err), map[string]any{"messageId": msg.ID, "error": err.Error()})
		return false, nil
	}

	if p.dedup.seenBefore(msg.ID) {
		p.emit("message:duplicate", map[string]any{"messageId": msg.ID})
		return true, nil
	}

	p.pendingMu.Lock()
	ps, isReply := p.pending[msg.ID]
	p.pendingMu.Unlock()
	if isReply {
		payload, err := decompressIfNeeded(msg.Payload)
		if err != nil {
			payload = msg.Payload
		}
		select {
		case ps.resultCh <- sendResult{payload: payload}:
		default:
		}
		return true, nil
	}

	if inner, ok := unwrapBatch(msg.Payload); ok {
		for i := range inner {
			p.dispatch(ctx, &inner[i])
		}
		return true, nil
	}

	p.dispatch(ctx, msg)
	return true, nil
}

func (p *Protocol) dispatch(ctx context.Context, msg *Message) {
	p.handlersMu.RLock()
	h, ok := p.handlers[msg.Type]
	p.handlersMu.RUnlock()
	if !ok {
		p.emit("message:unhandled", map[string]any{"messageId": msg.ID, "type": string(msg.Type)})
		return
	}

	decoded := *msg
	if payload, err := decompressIfNeeded(msg.Payload); err == nil {
		decoded.Payload = payload
	}

	if err := h(ctx, &decoded); err != nil {
		slog.Error("messaging: handler failed", "messageId", msg.ID, "type", msg.Type, "error", err)
	}
}

func (p *Protocol) validate(msg *Message) error {
	if msg.ID == "" || msg.Source == "" || msg.Target == "" || msg.Type == "" {
		return ErrInvalidMessage
	}
	if msg.Version != ProtocolVersion {
		return ErrVersionMismatch
	}
	if time.Now().UnixMilli() > msg.TTL {
		return ErrExpiredMessage
	}
	if !msg.verify() {
		return ErrChecksumFailed
	}
	return nil
}

func validationEvent(err error) string {
	switch err {
	case ErrExpiredMessage:
		return "expired"
	case ErrChecksumFailed:
		return "checksum_failed"
	case ErrVersionMismatch:
		return "version_mismatch"
	default:
		return "invalid"
	}
}

// DedupWindowSize reports how many ids the dedup window currently holds.
func (p *Protocol) DedupWindowSize() int { return p.dedup.size() }
