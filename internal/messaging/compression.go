package messaging

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
)

// maybeCompress wraps payload in a compressedEnvelope when it exceeds
// threshold and compression is enabled. gzip is the frozen codec for Open
// Question 2 of the specification — the source only flagged payloads as
// compressed without compressing them; this is a real codec.
func maybeCompress(payload []byte, threshold int, enabled bool) ([]byte, error) {
	if !enabled || len(payload) <= threshold {
		return payload, nil
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	env := compressedEnvelope{
		Compressed:   true,
		OriginalSize: len(payload),
		Data:         buf.Bytes(),
	}
	return json.Marshal(env)
}

// decompressIfNeeded recognizes and unwraps a compressedEnvelope regardless
// of whether this receiver itself compresses outbound payloads.
func decompressIfNeeded(payload []byte) ([]byte, error) {
	var probe struct {
		Compressed bool `json:"_compressed"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || !probe.Compressed {
		return payload, nil
	}
	var env compressedEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	gr, err := gzip.NewReader(bytes.NewReader(env.Data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}
