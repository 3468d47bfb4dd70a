package timeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Checksum hashes the canonical encodings of all entries: SHA-256 over the
// newline-free concatenation of per-entry JSON with sorted keys, no
// insignificant whitespace, UTF-8. Only the canonical fields participate;
// anything a future entry type adds stays outside the digest.
func Checksum(entries []Entry) (string, error) {
	h := sha256.New()
	for _, e := range entries {
		enc, err := canonicalEncode(e)
		if err != nil {
			return "", fmt.Errorf("encode timeline entry: %w", err)
		}
		h.Write(enc)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalEncode renders one entry with sorted keys. json.Marshal on a map
// sorts keys and emits no whitespace, which is exactly the canonical form.
func canonicalEncode(e Entry) ([]byte, error) {
	m := map[string]any{
		"kind":        e.Kind,
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if e.Sequence != nil {
		m["sequence"] = *e.Sequence
	}
	if e.StepIndex != nil {
		m["step_index"] = *e.StepIndex
	}
	if e.CallID != "" {
		m["call_id"] = e.CallID
	}
	if e.Status != "" {
		m["status"] = e.Status
	}
	return json.Marshal(m)
}
