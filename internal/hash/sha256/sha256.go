// Package sha256 derives content-addressed names for archived documents.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// Hasher digests raw document bytes.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ObjectKey returns the archive path for a document body of a source, e.g.
// "board/ab/ab12...ef.pdf". Identical bodies map to the same key.
func (h *Hasher) ObjectKey(sourceID string, data []byte, ext string) string {
	digest := h.Hash(data)
	ext = strings.TrimPrefix(ext, ".")
	name := digest
	if ext != "" {
		name += "." + ext
	}
	return path.Join(sourceID, digest[:2], name)
}
