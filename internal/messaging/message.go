// Package messaging implements the framed, checksummed, sequenced message
// protocol that carries task assignments, heartbeats and control signals
// between the orchestrator and worker nodes, with at-least-once delivery,
// deduplication, TTL expiry and retry-with-backoff on send.
package messaging

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Type enumerates the wire message types of the protocol.
type Type string

const (
	TypeHandshake         Type = "HANDSHAKE"
	TypeHeartbeat         Type = "HEARTBEAT"
	TypeDisconnect        Type = "DISCONNECT"
	TypeTaskRequest       Type = "TASK_REQUEST"
	TypeTaskAssign        Type = "TASK_ASSIGN"
	TypeTaskAccept        Type = "TASK_ACCEPT"
	TypeTaskReject        Type = "TASK_REJECT"
	TypeTaskProgress      Type = "TASK_PROGRESS"
	TypeTaskComplete      Type = "TASK_COMPLETE"
	TypeTaskFail          Type = "TASK_FAIL"
	TypeCapabilityUpdate  Type = "CAPABILITY_UPDATE"
	TypeLoadReport        Type = "LOAD_REPORT"
	TypeRecoveryRequest   Type = "RECOVERY_REQUEST"
	TypeRecoveryResponse  Type = "RECOVERY_RESPONSE"
	TypeMetricsReport     Type = "METRICS_REPORT"
	TypeLatencyProbe      Type = "LATENCY_PROBE"
	TypeLatencyResponse   Type = "LATENCY_RESPONSE"
)

// ProtocolVersion is the only version this implementation accepts.
const ProtocolVersion = "1.0"

// BroadcastTarget is the special target value meaning "all workers".
const BroadcastTarget = "*"

// MaxMessageSize is the hard ceiling on a message's serialized size.
const MaxMessageSize = 1 << 20 // 1 MiB

// Message is the wire envelope exchanged between orchestrator and workers.
type Message struct {
	ID             string          `json:"id"`
	Version        string          `json:"version"`
	Source         string          `json:"source"`
	Target         string          `json:"target"`
	Type           Type            `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      int64           `json:"timestamp"`
	SequenceNumber uint64          `json:"sequenceNumber"`
	Priority       int             `json:"priority"`
	TTL            int64           `json:"ttl"`
	Checksum       uint64          `json:"checksum"`
}

// compressedEnvelope is the wrapper format a payload takes once it crosses
// compressionThreshold with compression enabled. Receivers must recognize
// and unwrap it regardless of whether they themselves compress.
type compressedEnvelope struct {
	Compressed   bool   `json:"_compressed"`
	OriginalSize int    `json:"_originalSize"`
	Data         []byte `json:"data"`
}

// batchEnvelope carries up to batchSize same-source same-target messages in
// a single METRICS_REPORT-typed carrier.
type batchEnvelope struct {
	Batch    bool      `json:"_batch"`
	Messages []Message `json:"messages"`
}

// computeChecksum hashes the concatenation of id:source:target:type:
// timestamp:sequenceNumber:payload-serialization with xxhash, a
// non-cryptographic 64-bit hash — integrity only, never an authentication
// mechanism.
func computeChecksum(id, source, target string, typ Type, timestamp int64, seq uint64, payload []byte) uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "%s:%s:%s:%s:%d:%d:", id, source, target, typ, timestamp, seq)
	h.Write(payload)
	return h.Sum64()
}

func (m *Message) recomputeChecksum() uint64 {
	return computeChecksum(m.ID, m.Source, m.Target, m.Type, m.Timestamp, m.SequenceNumber, m.Payload)
}

// sign stamps the message's checksum field from its current contents.
func (m *Message) sign() {
	m.Checksum = m.recomputeChecksum()
}

// verify reports whether the carried checksum matches a recomputation.
func (m *Message) verify() bool {
	return m.Checksum == m.recomputeChecksum()
}

// sizeBytes returns the approximate wire size used for the MAX_MESSAGE_SIZE
// boundary check.
func (m *Message) sizeBytes() (int, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func formatSeq(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}
