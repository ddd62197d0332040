package loom

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"path/filepath"
)

// Checksum returns the hex-encoded SHA-256 digest of data.
// Used for recovery chunk verification and the buffer's saved-state
// fingerprint.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// checksumWriter accumulates a SHA-256 digest incrementally so large
// buffers can be fingerprinted while streaming, without materializing
// the full content.
type checksumWriter struct {
	h hash.Hash
}

func newChecksumWriter() *checksumWriter {
	return &checksumWriter{h: sha256.New()}
}

func (w *checksumWriter) Write(p []byte) (int, error) {
	return w.h.Write(p)
}

func (w *checksumWriter) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// PathID returns a stable identifier for a file path, used as the
// recovery slot id so a re-opened file finds its own recovery data
// across process restarts. Relative paths are resolved first so the
// same file yields the same id regardless of working directory.
func PathID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:16])
}

// GenerateBufferID returns a random identifier for a buffer with no
// backing file.
func GenerateBufferID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// rand.Read on supported platforms never fails; fall back to a
		// fixed id rather than panic in a recovery path.
		return "unnamed-0000"
	}
	return "unnamed-" + hex.EncodeToString(b[:8])
}
