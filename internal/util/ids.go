package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// HashID derives a deterministic identifier from content, prefixed with a
// record kind (for example "chunk", "ent", "rel"). Identical content always
// yields the same ID, which is what makes re-ingestion idempotent.
func HashID(prefix string, parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(p))
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return prefix + "-" + sum[:32]
}

// NewID returns a random short identifier for records without natural
// content identity (extraction runs, staging batches).
func NewID() (string, error) {
	return gonanoid.New()
}

// MustNewID is NewID for call sites where ID generation cannot reasonably
// fail mid-operation.
func MustNewID() string {
	return gonanoid.Must()
}

// SanitizeStoredText strips NUL bytes and invalid UTF-8 so text is safe for
// Postgres text columns.
func SanitizeStoredText(value string) string {
	if value == "" {
		return value
	}
	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}
