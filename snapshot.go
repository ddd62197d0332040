package loom

import "bytes"

// DefaultChunkedSnapshotThreshold is the buffer size above which
// snapshots switch from full content to chunked diffs.
const DefaultChunkedSnapshotThreshold = 10 << 20

// SnapshotBuffer persists a recovery snapshot of buf under id and marks
// the buffer recovery-clean. Buffers at or below threshold (or with no
// original file to diff against) are stored in full; larger buffers are
// stored as chunked diffs so the snapshot costs O(edit size). Chunked
// storage falls back to a full snapshot when the edit shape cannot be
// expressed as an ordered diff.
func (s *RecoveryStorage) SnapshotBuffer(id string, buf *TextBuffer, bufferName string, threshold int64) (RecoveryMetadata, error) {
	if threshold <= 0 {
		threshold = DefaultChunkedSnapshotThreshold
	}

	if buf.hasOriginal && buf.TotalBytes() > threshold {
		chunks, ok := chunksFromOps(buf.pt.writeOps(), buf.savedSize)
		if ok {
			meta, err := s.SaveChunkedRecovery(id, chunks, buf.Path(), bufferName, 0,
				buf.savedSize, buf.TotalBytes())
			if err != nil {
				return RecoveryMetadata{}, err
			}
			buf.MarkRecoveryClean()
			return meta, nil
		}
	}

	content, err := buf.MaterializeBytes()
	if err != nil {
		return RecoveryMetadata{}, err
	}
	meta, err := s.SaveRecovery(id, content, buf.Path(), bufferName, countLines(content))
	if err != nil {
		return RecoveryMetadata{}, err
	}
	buf.MarkRecoveryClean()
	return meta, nil
}

// chunksFromOps converts a write recipe into replaced-range diffs
// against the original file. Copy ops mark untouched regions; the gaps
// between them, together with accumulated Insert data, become chunks.
// Recipes whose Copy ops move backwards cannot be expressed as an
// ordered diff and report ok == false.
func chunksFromOps(ops []WriteOp, originalSize int64) ([]RecoveryChunk, bool) {
	var chunks []RecoveryChunk
	var origPos int64
	var pending []byte
	hasPending := false

	for _, op := range ops {
		if op.IsInsert() {
			pending = append(pending, op.Data...)
			hasPending = true
			continue
		}
		if op.Offset < origPos {
			return nil, false
		}
		if op.Offset > origPos || hasPending {
			chunks = append(chunks, NewRecoveryChunk(origPos, op.Offset-origPos, pending))
			pending = nil
			hasPending = false
		}
		origPos = op.Offset + op.Len
	}

	// Anything of the original past the last Copy was dropped, and any
	// trailing inserts replace it.
	if origPos < originalSize || hasPending {
		chunks = append(chunks, NewRecoveryChunk(origPos, originalSize-origPos, pending))
	}
	return chunks, true
}

func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}
