package fpcache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Fingerprint identifies an equivalence class of requests under one schema
// version. SHA-256 makes accidental collisions infeasible.
type Fingerprint [sha256.Size]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// Compute digests the normalized request text together with the schema version.
func Compute(text, schemaVersion string) Fingerprint {
	h := sha256.New()
	h.Write([]byte(Normalize(text)))
	h.Write([]byte{0})
	h.Write([]byte(schemaVersion))
	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}

// Normalize lowercases text, collapses whitespace and drops trailing
// punctuation, so near-duplicate phrasings share a fingerprint.
func Normalize(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	out := strings.Join(fields, " ")
	return strings.TrimRightFunc(out, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}
