package jcs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// DigestPrefix tags every digest produced by this package.
const DigestPrefix = "sha256:"

// CanonicalizeJSON returns the RFC 8785 (JCS) canonical form of JSON input.
func CanonicalizeJSON(input []byte) ([]byte, error) {
	return jcs.Transform(input)
}

// CanonicalizeValue marshals value with encoding/json and returns its JCS form.
// Field order in the output is the JCS key order, independent of struct layout.
func CanonicalizeValue(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical value: %w", err)
	}
	canonical, err := CanonicalizeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize value: %w", err)
	}
	return canonical, nil
}

// DigestJCS canonicalizes JSON (RFC 8785) and returns a sha256 hex digest.
func DigestJCS(input []byte) (string, error) {
	canonical, err := CanonicalizeJSON(input)
	if err != nil {
		return "", err
	}
	return DigestBytes(canonical), nil
}

// DigestValue returns the prefixed sha256 digest of the JCS form of value.
func DigestValue(value any) (string, error) {
	canonical, err := CanonicalizeValue(value)
	if err != nil {
		return "", err
	}
	return DigestPrefix + DigestBytes(canonical), nil
}

// DigestBytes returns the bare sha256 hex digest of raw bytes.
func DigestBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
