package messaging

import "encoding/json"

// batcher accumulates same-source same-target messages and flushes them as
// a single METRICS_REPORT-typed carrier once batchSize is reached (add) or
// when flush is called for the pair. It has no timer of its own: nothing
// flushes a partial batch when an interval elapses.
type batcher struct {
	protocol *Protocol
	maxSize  int
	interval int64 // nanoseconds; newBatcher leaves it zero and nothing reads it

	pending map[string][]Message // keyed by source|target
}

func newBatcher(p *Protocol) *batcher {
	return &batcher{
		protocol: p,
		maxSize:  p.cfg.BatchSize,
		pending:  make(map[string][]Message),
	}
}

func batchKey(source, target string) string { return source + "|" + target }

// add appends msg to its source/target's pending batch, flushing immediately
// if the batch is now full. Returns the flushed carrier, or nil if not yet
// full.
func (b *batcher) add(msg Message) (*Message, error) {
	key := batchKey(msg.Source, msg.Target)
	b.pending[key] = append(b.pending[key], msg)
	if len(b.pending[key]) >= b.maxSize {
		return b.flush(msg.Source, msg.Target)
	}
	return nil, nil
}

// flush wraps whatever is pending for (source,target) into one carrier
// Message, clearing the pending slice.
func (b *batcher) flush(source, target string) (*Message, error) {
	key := batchKey(source, target)
	msgs := b.pending[key]
	if len(msgs) == 0 {
		return nil, nil
	}
	delete(b.pending, key)

	maxPriority := msgs[0].Priority
	for _, m := range msgs[1:] {
		if m.Priority > maxPriority {
			maxPriority = m.Priority
		}
	}

	env := batchEnvelope{Batch: true, Messages: msgs}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	carrier, err := b.protocol.CreateMessage(source, target, TypeMetricsReport, json.RawMessage(payload), maxPriority)
	if err != nil {
		return nil, err
	}
	return carrier, nil
}

// unwrapBatch recognizes a batch carrier payload and returns its inner
// messages; ok is false for a non-batch payload.
func unwrapBatch(payload []byte) (msgs []Message, ok bool) {
	var env batchEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || !env.Batch {
		return nil, false
	}
	return env.Messages, true
}
