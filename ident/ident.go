// Package ident provides deterministic identifiers and content hashing
// used across the engine: content digests for blobs and cache keys,
// time-ordered run IDs, and path-safe encoding for store keys.
package ident

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HashBytes returns the SHA-256 hex digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalDigest returns the SHA-256 hex digest of the canonical JSON
// serialization of v. Map keys are sorted and whitespace is compact, so
// structurally equal values produce equal digests.
func CanonicalDigest(v any) (string, error) {
	canonical, err := canonicalize(v)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("canonical digest: %w", err)
	}
	return HashBytes(data), nil
}

// canonicalize round-trips v through JSON so that struct field order and
// map iteration order cannot influence the digest. encoding/json emits
// object keys in sorted order for map[string]any.
func canonicalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical digest: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("canonical digest: %w", err)
	}
	return generic, nil
}

// NewRunID returns a time-prefixed run identifier that sorts by creation
// time. Format: run-20060102T150405Z-xxxxxxxx.
func NewRunID(t time.Time) string {
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	return fmt.Sprintf("run-%s-%s",
		t.UTC().Format("20060102T150405Z"),
		hex.EncodeToString(suffix[:]))
}

// NewID returns a random UUID string. Used for artifact and checkpoint IDs.
func NewID() string {
	return uuid.New().String()
}

// EncodePathSegment converts s into a token safe for KV keys and stable
// artifact paths: lowercase, [a-z0-9-] only, runs of other characters
// collapsed to a single hyphen, leading/trailing hyphens trimmed.
func EncodePathSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastHyphen := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
