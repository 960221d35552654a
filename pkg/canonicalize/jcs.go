// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of ledger payloads, dedupe keys and
// projection digests.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// DigestPrefix marks SHA-256 digests produced by this package.
const DigestPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
// Struct json tags are honoured: v is marshalled with encoding/json first and
// the result is transformed into canonical form.
func JCS(v any) ([]byte, error) {
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = []byte("null")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// HashBytes computes the SHA-256 of data and returns it hex encoded.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Digest returns "sha256:<hex>" of the canonical form of v.
func Digest(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return DigestPrefix + HashBytes(b), nil
}

// MustDigest is Digest for values that are known to marshal, such as maps of
// scalars built by the kernel itself.
func MustDigest(v any) string {
	d, err := Digest(v)
	if err != nil {
		panic(fmt.Sprintf("canonicalize: %v", err))
	}
	return d
}
