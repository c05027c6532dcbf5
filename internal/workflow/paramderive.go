package workflow

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// deriveParams fills any null/missing parameter value deterministically
// from hash(seed||stepId), per spec §4.D. Non-deterministic steps never call
// this — their parameters pass through unchanged.
func deriveParams(seed, stepID string, params map[string]any) map[string]any {
	h := xxhash.Sum64String(seed + stepID)
	out := make(map[string]any, len(params))
	for k, v := range params {
		if v != nil {
			out[k] = v
			continue
		}
		out[k] = derivedValueFor(k, h)
	}
	return out
}

func derivedValueFor(name string, h uint64) any {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "port"):
		return 8000 + int(h%1000)
	case strings.Contains(lower, "id") || strings.Contains(lower, "uuid"):
		return fmt.Sprintf("det-%x", h)
	case strings.Contains(lower, "count") || strings.Contains(lower, "limit"):
		return 10 + int(h%90)
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "delay"):
		return 1000 + int(h%4000)
	default:
		return fmt.Sprintf("auto-%x", h)
	}
}

// decisionOutcome derives the deterministic boolean + path for a "decision"
// step: hash(stepId||context)[0:8] mod 2 = 0.
func decisionOutcome(stepID string, context map[string]any) (bool, string) {
	sum := sha256.Sum256([]byte(stepID + fmt.Sprint(context)))
	v := binary.BigEndian.Uint32(sum[:4])
	decision := v%2 == 0
	path := "b"
	if decision {
		path = "a"
	}
	return decision, path
}

// deriveExecutionID computes "exec-" + hash(workflowId||initialContext||
// submissionEpoch)[0:16], stable across replays with identical inputs.
func deriveExecutionID(workflowID string, initialContext map[string]any, submissionEpoch int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%v|%d", workflowID, initialContext, submissionEpoch)))
	return "exec-" + hex.EncodeToString(sum[:])[:16]
}
