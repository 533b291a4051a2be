package collector

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

const fingerprintBytes = 16

// Fingerprint hashes the canonical form of a JSON document: keys sorted,
// insignificant whitespace removed, numbers kept verbatim. The result is the
// first 128 bits of the SHA-256 digest in hex and is stable across restarts.
func Fingerprint(raw []byte) (string, error) {
	canonical, err := canonicalizeJSON(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:fingerprintBytes]), nil
}

func canonicalizeJSON(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("JSON payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("JSON contains trailing content")
	}

	canonical, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical JSON: %w", err)
	}
	return canonical, nil
}

// ChangeDetector remembers the last fingerprint seen per key.
type ChangeDetector struct {
	mu   sync.Mutex
	last map[string]string
}

func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{last: make(map[string]string)}
}

// Changed reports whether fingerprint differs from the last one committed
// under key. A key never committed is a change.
func (d *ChangeDetector) Changed(key, fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, seen := d.last[key]
	return !seen || prev != fingerprint
}

// Commit records fingerprint as fully processed for key.
func (d *ChangeDetector) Commit(key, fingerprint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last[key] = fingerprint
}
