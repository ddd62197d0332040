package loom

import (
	"bytes"
	"fmt"
)

// LineEnding identifies the newline convention of a buffer.
type LineEnding int

const (
	LineEndingLF LineEnding = iota
	LineEndingCRLF
)

func (le LineEnding) String() string {
	if le == LineEndingCRLF {
		return "CRLF"
	}
	return "LF"
}

// Bytes returns the on-disk byte sequence for one line break.
func (le LineEnding) Bytes() []byte {
	if le == LineEndingCRLF {
		return []byte("\r\n")
	}
	return []byte("\n")
}

// DefaultChunkThreshold bounds how much file data LoadFromFile holds in
// memory at once while scanning a file.
const DefaultChunkThreshold = 1 << 20

// editKind distinguishes undo log entries.
type editKind int

const (
	editInsert editKind = iota
	editDelete
)

// editRecord captures one mutation with enough information to invert it.
type editRecord struct {
	kind editKind
	pos  int64
	data []byte
}

// TextBuffer is a piece-structured text document. Content loaded from a
// file stays on disk and is referenced by offset; only inserted bytes
// live in memory, so a multi-gigabyte file opens without being read
// into RAM. All positions are byte offsets.
//
// TextBuffer is not safe for concurrent use; callers serialize access.
type TextBuffer struct {
	fs   FileSystem
	path string // original file path, "" for in-memory buffers

	pt          pieceTable
	hasOriginal bool

	lineEnding LineEnding
	diskEnding LineEnding // convention of the file as last saved

	savedSize     int64
	savedChecksum string

	undoLog []editRecord
	redoLog []editRecord

	recoveryDirty bool
}

// NewTextBufferFromBytes builds a buffer whose entire content lives in
// memory. The content counts as the saved baseline, so a freshly built
// buffer reports unmodified until edited.
func NewTextBufferFromBytes(data []byte, fs FileSystem) *TextBuffer {
	b := &TextBuffer{
		fs:         fs,
		lineEnding: DetectLineEnding(data),
	}
	b.diskEnding = b.lineEnding
	if len(data) > 0 {
		off := b.pt.appendAdded(data)
		b.pt.pieces = []piece{{kind: pieceAdded, off: off, len: int64(len(data))}}
		b.pt.total = int64(len(data))
	}
	b.savedSize = b.pt.total
	b.savedChecksum = Checksum(data)
	return b
}

// LoadFromFile opens path through fs without materializing the content.
// The file is streamed once in chunks of at most chunkThreshold bytes to
// fingerprint it, detect its line ending, and verify no bytes were lost
// in transit; the resulting buffer references the file by offset.
func LoadFromFile(path string, chunkThreshold int64, fs FileSystem) (*TextBuffer, error) {
	if chunkThreshold <= 0 {
		chunkThreshold = DefaultChunkThreshold
	}

	info, err := fs.Metadata(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if info.IsDir {
		return nil, fmt.Errorf("load %s: is a directory", path)
	}

	b := &TextBuffer{
		fs:          fs,
		path:        path,
		hasOriginal: true,
		lineEnding:  LineEndingLF,
	}

	hw := newChecksumWriter()
	var loaded int64
	detected := false

	for loaded < info.Size {
		n := chunkThreshold
		if rest := info.Size - loaded; rest < n {
			n = rest
		}
		chunk, err := fs.ReadRange(path, loaded, n)
		if err != nil {
			return nil, fmt.Errorf("load %s at %d: %w", path, loaded, err)
		}
		if int64(len(chunk)) != n {
			return nil, fmt.Errorf("load %s: short read at %d: %w", path, loaded, ErrSizeMismatch)
		}
		hw.Write(chunk)
		if !detected {
			if le, ok := detectLineEndingChunk(chunk); ok {
				b.lineEnding = le
				detected = true
			}
		}
		loaded += n
	}

	if loaded != info.Size {
		return nil, fmt.Errorf("load %s: read %d of %d bytes: %w", path, loaded, info.Size, ErrSizeMismatch)
	}

	if info.Size > 0 {
		b.pt.pieces = []piece{{kind: pieceOriginal, off: 0, len: info.Size}}
		b.pt.total = info.Size
	}
	b.diskEnding = b.lineEnding
	b.savedSize = info.Size
	b.savedChecksum = hw.Sum()
	return b, nil
}

// TotalBytes returns the buffer length in bytes. O(1).
func (b *TextBuffer) TotalBytes() int64 {
	return b.pt.total
}

// Path returns the file the buffer was loaded from or last saved to,
// or "" for an unsaved in-memory buffer.
func (b *TextBuffer) Path() string {
	return b.path
}

// LineEnding returns the buffer's newline convention.
func (b *TextBuffer) LineEnding() LineEnding {
	return b.lineEnding
}

// SetLineEnding records the convention future saves should use. The
// in-memory content is untouched; conversion happens when the buffer is
// written out.
func (b *TextBuffer) SetLineEnding(le LineEnding) {
	b.lineEnding = le
}

// InsertBytes splices data into the buffer at pos. pos may equal
// TotalBytes to append. The edit is recorded for undo and clears the
// redo log.
func (b *TextBuffer) InsertBytes(pos int64, data []byte) error {
	if pos < 0 || pos > b.pt.total {
		return fmt.Errorf("insert at %d in %d-byte buffer: %w", pos, b.pt.total, ErrInvalidPosition)
	}
	if len(data) == 0 {
		return nil
	}
	b.pt.insert(pos, data)
	b.undoLog = append(b.undoLog, editRecord{
		kind: editInsert,
		pos:  pos,
		data: append([]byte(nil), data...),
	})
	b.redoLog = nil
	b.recoveryDirty = true
	return nil
}

// DeleteBytes removes [pos, pos+length). Ranges that extend past the
// end fail with ErrRangeOutOfBounds; nothing is clamped or partially
// applied.
func (b *TextBuffer) DeleteBytes(pos, length int64) error {
	if pos < 0 || length < 0 || pos+length > b.pt.total {
		return fmt.Errorf("delete [%d,%d) in %d-byte buffer: %w", pos, pos+length, b.pt.total, ErrRangeOutOfBounds)
	}
	if length == 0 {
		return nil
	}
	removed, err := b.ReadRange(pos, length)
	if err != nil {
		return err
	}
	b.pt.delete(pos, length)
	b.undoLog = append(b.undoLog, editRecord{kind: editDelete, pos: pos, data: removed})
	b.redoLog = nil
	b.recoveryDirty = true
	return nil
}

// ReadRange returns the length bytes starting at pos, resolving
// original-file spans through the FileSystem.
func (b *TextBuffer) ReadRange(pos, length int64) ([]byte, error) {
	if pos < 0 || length < 0 || pos+length > b.pt.total {
		return nil, fmt.Errorf("read [%d,%d) in %d-byte buffer: %w", pos, pos+length, b.pt.total, ErrRangeOutOfBounds)
	}
	return b.pt.readRange(pos, length, b.resolveOriginal)
}

// MaterializeBytes returns the complete buffer content. Intended for
// small buffers and tests; large files should be read in ranges.
func (b *TextBuffer) MaterializeBytes() ([]byte, error) {
	return b.ReadRange(0, b.pt.total)
}

func (b *TextBuffer) resolveOriginal(off, n int64) ([]byte, error) {
	if !b.hasOriginal {
		return nil, ErrNoOriginalFile
	}
	return b.fs.ReadRange(b.path, off, n)
}

// Undo reverts the most recent edit and moves it to the redo log.
func (b *TextBuffer) Undo() error {
	n := len(b.undoLog)
	if n == 0 {
		return ErrNothingToUndo
	}
	rec := b.undoLog[n-1]
	b.undoLog = b.undoLog[:n-1]

	switch rec.kind {
	case editInsert:
		b.pt.delete(rec.pos, int64(len(rec.data)))
	case editDelete:
		b.pt.insert(rec.pos, rec.data)
	}
	b.redoLog = append(b.redoLog, rec)
	b.recoveryDirty = true
	return nil
}

// Redo reapplies the most recently undone edit.
func (b *TextBuffer) Redo() error {
	n := len(b.redoLog)
	if n == 0 {
		return ErrNothingToRedo
	}
	rec := b.redoLog[n-1]
	b.redoLog = b.redoLog[:n-1]

	switch rec.kind {
	case editInsert:
		b.pt.insert(rec.pos, rec.data)
	case editDelete:
		b.pt.delete(rec.pos, int64(len(rec.data)))
	}
	b.undoLog = append(b.undoLog, rec)
	b.recoveryDirty = true
	return nil
}

// CanUndo reports whether an edit is available to revert.
func (b *TextBuffer) CanUndo() bool { return len(b.undoLog) > 0 }

// CanRedo reports whether an undone edit is available to reapply.
func (b *TextBuffer) CanRedo() bool { return len(b.redoLog) > 0 }

// IsModified reports whether the content differs from the last saved
// state. The comparison is against a fingerprint of the saved bytes,
// not the undo position, so undoing past the save point correctly
// reports modified again and undoing back to it reports clean.
func (b *TextBuffer) IsModified() (bool, error) {
	if b.pt.total != b.savedSize {
		return true, nil
	}
	if b.pt.total == 0 {
		return b.savedChecksum != Checksum(nil), nil
	}
	sum, err := b.contentChecksum()
	if err != nil {
		return false, err
	}
	return sum != b.savedChecksum, nil
}

// IsRecoveryDirty reports whether the buffer changed since the last
// recovery snapshot was taken.
func (b *TextBuffer) IsRecoveryDirty() bool {
	return b.recoveryDirty
}

// MarkRecoveryClean records that a recovery snapshot of the current
// content exists.
func (b *TextBuffer) MarkRecoveryClean() {
	b.recoveryDirty = false
}

// contentChecksum hashes the full content in bounded chunks without
// materializing it.
func (b *TextBuffer) contentChecksum() (string, error) {
	hw := newChecksumWriter()
	err := b.walkContent(DefaultChunkThreshold, func(chunk []byte) error {
		hw.Write(chunk)
		return nil
	})
	if err != nil {
		return "", err
	}
	return hw.Sum(), nil
}

// walkContent streams the buffer content through visit in piece order,
// splitting Original pieces into reads of at most chunkSize bytes.
func (b *TextBuffer) walkContent(chunkSize int64, visit func([]byte) error) error {
	for _, p := range b.pt.pieces {
		switch p.kind {
		case pieceAdded:
			if err := visit(b.pt.added[p.off : p.off+p.len]); err != nil {
				return err
			}
		case pieceOriginal:
			for done := int64(0); done < p.len; {
				n := chunkSize
				if rest := p.len - done; rest < n {
					n = rest
				}
				chunk, err := b.resolveOriginal(p.off+done, n)
				if err != nil {
					return err
				}
				if err := visit(chunk); err != nil {
					return err
				}
				done += n
			}
		}
	}
	return nil
}

// SaveToFile writes the buffer to path. Saving back to the original
// file ships a write recipe so unchanged regions are never transferred;
// saving elsewhere, or with a changed line ending, writes the full
// content. After a successful save the buffer rebases onto the written
// file: pieces collapse to one Original span, the scratch buffer is
// released, and the saved fingerprint is refreshed.
func (b *TextBuffer) SaveToFile(path string) error {
	if b.lineEnding != b.diskEnding {
		return b.saveConverted(path)
	}

	if b.hasOriginal && path == b.path {
		ops := b.pt.writeOps()
		sum, size, err := b.recipeFingerprint(ops)
		if err != nil {
			return err
		}
		if err := b.fs.WritePatched(path, path, ops); err != nil {
			return fmt.Errorf("save %s: %w", path, err)
		}
		b.rebase(path, size, sum)
		return nil
	}

	data, err := b.MaterializeBytes()
	if err != nil {
		return err
	}
	if err := b.fs.WriteFile(path, data); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	b.rebase(path, int64(len(data)), Checksum(data))
	return nil
}

// saveConverted materializes the content, rewrites its line endings to
// the requested convention, and writes the whole file.
func (b *TextBuffer) saveConverted(path string) error {
	data, err := b.MaterializeBytes()
	if err != nil {
		return err
	}
	data = ConvertLineEndings(data, b.lineEnding)
	if err := b.fs.WriteFile(path, data); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	b.rebase(path, int64(len(data)), Checksum(data))
	// Conversion rewrites the content itself, so edit positions recorded
	// before it no longer line up.
	b.undoLog = nil
	b.redoLog = nil
	return nil
}

// recipeFingerprint hashes the content a recipe will produce, without
// building it, by hashing Copy ranges straight off the original file.
func (b *TextBuffer) recipeFingerprint(ops []WriteOp) (sum string, size int64, err error) {
	hw := newChecksumWriter()
	for _, op := range ops {
		if op.IsInsert() {
			hw.Write(op.Data)
			size += int64(len(op.Data))
			continue
		}
		for done := int64(0); done < op.Len; {
			n := int64(DefaultChunkThreshold)
			if rest := op.Len - done; rest < n {
				n = rest
			}
			chunk, rerr := b.resolveOriginal(op.Offset+done, n)
			if rerr != nil {
				return "", 0, rerr
			}
			hw.Write(chunk)
			done += n
		}
		size += op.Len
	}
	return hw.Sum(), size, nil
}

// rebase points the buffer at the freshly written file.
func (b *TextBuffer) rebase(path string, size int64, checksum string) {
	b.path = path
	b.hasOriginal = true
	b.pt = pieceTable{}
	if size > 0 {
		b.pt.pieces = []piece{{kind: pieceOriginal, off: 0, len: size}}
		b.pt.total = size
	}
	b.diskEnding = b.lineEnding
	b.savedSize = size
	b.savedChecksum = checksum
	b.recoveryDirty = false
}

// DetectLineEnding inspects data and returns the convention of its
// first line break, defaulting to LF when there is none.
func DetectLineEnding(data []byte) LineEnding {
	if le, ok := detectLineEndingChunk(data); ok {
		return le
	}
	return LineEndingLF
}

func detectLineEndingChunk(data []byte) (LineEnding, bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return LineEndingLF, false
	}
	if i > 0 && data[i-1] == '\r' {
		return LineEndingCRLF, true
	}
	return LineEndingLF, true
}

// ConvertLineEndings normalizes every line break in data to the target
// convention.
func ConvertLineEndings(data []byte, target LineEnding) []byte {
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if target == LineEndingLF {
		return normalized
	}
	return bytes.ReplaceAll(normalized, []byte("\n"), []byte("\r\n"))
}
