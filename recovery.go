package loom

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	metaExt     = ".meta.json"
	contentExt  = ".content"
	sessionLock = "session.lock"
)

// RecoveryFormat tags how a buffer's recovery content is stored.
type RecoveryFormat string

const (
	// RecoveryFull stores the complete buffer content.
	RecoveryFull RecoveryFormat = "full"

	// RecoveryChunked stores only the byte ranges that differ from the
	// original on-disk file. Used for large files so a snapshot costs
	// O(edit size), not O(file size).
	RecoveryChunked RecoveryFormat = "chunked"
)

// RecoveryChunk is one replaced byte range of the original file:
// OriginalLen bytes at Offset are replaced by Content. The checksum
// covers Content and must verify before the chunk is trusted.
type RecoveryChunk struct {
	Offset      int64  `json:"offset"`
	OriginalLen int64  `json:"original_len"`
	Content     []byte `json:"content"`
	Checksum    string `json:"checksum"`
}

// NewRecoveryChunk builds a chunk with its checksum filled in.
func NewRecoveryChunk(offset, originalLen int64, content []byte) RecoveryChunk {
	return RecoveryChunk{
		Offset:      offset,
		OriginalLen: originalLen,
		Content:     append([]byte(nil), content...),
		Checksum:    Checksum(content),
	}
}

// Verify recomputes the content checksum and compares it to the stored one.
func (c *RecoveryChunk) Verify() bool {
	return Checksum(c.Content) == c.Checksum
}

// ChunkedRecoveryData is an ordered list of chunks plus the sizes that
// anchor it: the chunks apply to a file of exactly OriginalSize bytes
// and produce exactly FinalSize bytes.
type ChunkedRecoveryData struct {
	OriginalSize int64           `json:"original_size"`
	Chunks       []RecoveryChunk `json:"chunks"`
	FinalSize    int64           `json:"final_size"`
}

// RecoveryMetadata describes one recovery entry. It is written as
// pretty-printed JSON beside the content file so a human can inspect
// the recovery directory.
type RecoveryMetadata struct {
	OriginalPath     string         `json:"original_path,omitempty"`
	BufferName       string         `json:"buffer_name,omitempty"`
	Checksum         string         `json:"checksum"`
	ContentSize      int64          `json:"content_size"`
	LineCount        int            `json:"line_count,omitempty"`
	OriginalMtime    int64          `json:"original_mtime,omitempty"`
	Format           RecoveryFormat `json:"format"`
	ChunkCount       int            `json:"chunk_count,omitempty"`
	OriginalFileSize int64          `json:"original_file_size,omitempty"`
	CreatedAt        int64          `json:"created_at"`
	UpdatedAt        int64          `json:"updated_at"`
}

// RecoveryEntry pairs an id with its metadata and file locations.
type RecoveryEntry struct {
	ID           string
	Metadata     RecoveryMetadata
	ContentPath  string
	MetadataPath string
}

// SessionInfo is the content of the session lock file.
type SessionInfo struct {
	PID       int   `json:"pid"`
	StartedAt int64 `json:"started_at"`
}

// IsRunning reports whether the recorded process is still alive.
func (s SessionInfo) IsRunning() bool {
	return processAlive(s.PID)
}

// RecoveryStorage persists crash-recovery snapshots for buffers. Each
// buffer gets a stable id (a hash of its path, or a generated one for
// unnamed buffers) and a pair of files in the recovery directory:
// <id>.meta.json and <id>.content. A single session.lock records the
// owning process for crash detection.
//
// Every write goes to a temp file in the same directory, is fsynced,
// and is renamed over the target, so a concurrent reader or a crash
// mid-write never observes partial content. Snapshots for the same id
// are serialized; different ids may snapshot concurrently.
type RecoveryStorage struct {
	dir string

	mu       sync.Mutex
	inFlight map[string]*sync.Mutex
}

// NewRecoveryStorage returns storage rooted at dir. The directory is
// created lazily on first write.
func NewRecoveryStorage(dir string) *RecoveryStorage {
	return &RecoveryStorage{
		dir:      dir,
		inFlight: make(map[string]*sync.Mutex),
	}
}

// DefaultRecoveryDir returns the per-user recovery directory.
func DefaultRecoveryDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "loom", "recovery"), nil
}

// Dir returns the recovery directory path.
func (s *RecoveryStorage) Dir() string {
	return s.dir
}

// EnsureDir creates the recovery directory if it does not exist.
func (s *RecoveryStorage) EnsureDir() error {
	return os.MkdirAll(s.dir, 0o700)
}

func (s *RecoveryStorage) idLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.inFlight[id]
	if !ok {
		m = &sync.Mutex{}
		s.inFlight[id] = m
	}
	return m
}

func (s *RecoveryStorage) recoveryPaths(id string) (metaPath, contentPath string) {
	return filepath.Join(s.dir, id+metaExt), filepath.Join(s.dir, id+contentExt)
}

// BufferID returns the recovery id for a buffer: a hash of its absolute
// path, or a fresh generated id when the buffer has no file yet.
func (s *RecoveryStorage) BufferID(path string) string {
	if path == "" {
		return GenerateBufferID()
	}
	return PathID(path)
}

// ---- session lock ----

func (s *RecoveryStorage) sessionLockPath() string {
	return filepath.Join(s.dir, sessionLock)
}

// CreateSessionLock writes a lock naming this process, for crash
// detection by the next session.
func (s *RecoveryStorage) CreateSessionLock() (SessionInfo, error) {
	if err := s.EnsureDir(); err != nil {
		return SessionInfo{}, err
	}
	info := SessionInfo{PID: os.Getpid(), StartedAt: time.Now().Unix()}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return SessionInfo{}, err
	}
	if err := atomicWriteFile(s.sessionLockPath(), data, 0o600); err != nil {
		return SessionInfo{}, err
	}
	return info, nil
}

// UpdateSessionLock refreshes the lock's timestamp. A missing lock is
// recreated.
func (s *RecoveryStorage) UpdateSessionLock() error {
	info, err := s.ReadSessionLock()
	if err != nil {
		return err
	}
	if info == nil {
		_, err := s.CreateSessionLock()
		return err
	}
	info.StartedAt = time.Now().Unix()
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(s.sessionLockPath(), data, 0o600)
}

// RemoveSessionLock deletes the lock on clean shutdown.
func (s *RecoveryStorage) RemoveSessionLock() error {
	err := os.Remove(s.sessionLockPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadSessionLock returns the lock content, or nil when no lock exists.
func (s *RecoveryStorage) ReadSessionLock() (*SessionInfo, error) {
	data, err := os.ReadFile(s.sessionLockPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var info SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("session lock: %w", err)
	}
	return &info, nil
}

// DetectCrash reports whether a previous session left its lock behind
// while its process is no longer running.
func (s *RecoveryStorage) DetectCrash() (bool, error) {
	info, err := s.ReadSessionLock()
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	return !info.IsRunning(), nil
}

// ---- snapshots ----

// SaveRecovery writes a full-content snapshot for id. Metadata is
// created on first save and updated in place afterwards; content is
// written first since it is the larger, riskier write.
func (s *RecoveryStorage) SaveRecovery(id string, content []byte, originalPath, bufferName string, lineCount int) (RecoveryMetadata, error) {
	lock := s.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := s.EnsureDir(); err != nil {
		return RecoveryMetadata{}, err
	}

	metaPath, contentPath := s.recoveryPaths(id)
	now := time.Now().Unix()

	meta := s.loadOrInitMetadata(id, originalPath, bufferName, now)
	meta.Checksum = Checksum(content)
	meta.ContentSize = int64(len(content))
	meta.LineCount = lineCount
	meta.Format = RecoveryFull
	meta.ChunkCount = 0
	meta.OriginalFileSize = 0
	meta.UpdatedAt = now

	if err := atomicWriteFile(contentPath, content, 0o600); err != nil {
		return RecoveryMetadata{}, fmt.Errorf("recovery content %s: %w", id, err)
	}
	if err := s.writeMetadata(metaPath, meta); err != nil {
		return RecoveryMetadata{}, err
	}
	return meta, nil
}

// SaveChunkedRecovery writes a chunked-diff snapshot: only the ranges
// in chunks, which replace ranges of the original file of
// originalFileSize bytes to produce finalSize bytes.
func (s *RecoveryStorage) SaveChunkedRecovery(id string, chunks []RecoveryChunk, originalPath, bufferName string, lineCount int, originalFileSize, finalSize int64) (RecoveryMetadata, error) {
	lock := s.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := s.EnsureDir(); err != nil {
		return RecoveryMetadata{}, err
	}

	metaPath, contentPath := s.recoveryPaths(id)

	payload, err := json.Marshal(ChunkedRecoveryData{
		OriginalSize: originalFileSize,
		Chunks:       chunks,
		FinalSize:    finalSize,
	})
	if err != nil {
		return RecoveryMetadata{}, err
	}

	now := time.Now().Unix()
	meta := s.loadOrInitMetadata(id, originalPath, bufferName, now)
	meta.Checksum = Checksum(payload)
	meta.ContentSize = int64(len(payload))
	meta.LineCount = lineCount
	meta.Format = RecoveryChunked
	meta.ChunkCount = len(chunks)
	meta.OriginalFileSize = originalFileSize
	meta.UpdatedAt = now

	if err := atomicWriteFile(contentPath, payload, 0o600); err != nil {
		return RecoveryMetadata{}, fmt.Errorf("recovery content %s: %w", id, err)
	}
	if err := s.writeMetadata(metaPath, meta); err != nil {
		return RecoveryMetadata{}, err
	}
	return meta, nil
}

// loadOrInitMetadata reuses existing metadata for id so CreatedAt and
// identity fields survive snapshot updates.
func (s *RecoveryStorage) loadOrInitMetadata(id, originalPath, bufferName string, now int64) RecoveryMetadata {
	if existing, err := s.ReadMetadata(id); err == nil && existing != nil {
		return *existing
	}
	meta := RecoveryMetadata{
		OriginalPath: originalPath,
		BufferName:   bufferName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if originalPath != "" {
		if info, err := os.Stat(originalPath); err == nil {
			meta.OriginalMtime = info.ModTime().Unix()
		}
	}
	return meta
}

func (s *RecoveryStorage) writeMetadata(metaPath string, meta RecoveryMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWriteFile(metaPath, data, 0o600); err != nil {
		return fmt.Errorf("recovery metadata %s: %w", metaPath, err)
	}
	return nil
}

// ---- reads ----

// ReadMetadata returns the metadata for id, or nil when none exists.
func (s *RecoveryStorage) ReadMetadata(id string) (*RecoveryMetadata, error) {
	metaPath, _ := s.recoveryPaths(id)
	data, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta RecoveryMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("recovery metadata %s: %w", id, err)
	}
	return &meta, nil
}

// ReadContent returns the raw content file for id, or nil when none
// exists. For chunked entries this is the serialized chunk list.
func (s *RecoveryStorage) ReadContent(id string) ([]byte, error) {
	_, contentPath := s.recoveryPaths(id)
	data, err := os.ReadFile(contentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// ReadChunkedContent decodes the chunk list for a chunked entry.
func (s *RecoveryStorage) ReadChunkedContent(id string) (*ChunkedRecoveryData, error) {
	data, err := s.ReadContent(id)
	if err != nil || data == nil {
		return nil, err
	}
	var chunked ChunkedRecoveryData
	if err := json.Unmarshal(data, &chunked); err != nil {
		return nil, fmt.Errorf("chunked recovery %s: %w", id, err)
	}
	return &chunked, nil
}

// LoadEntry returns the complete entry for id, or nil when either file
// is missing.
func (s *RecoveryStorage) LoadEntry(id string) (*RecoveryEntry, error) {
	metaPath, contentPath := s.recoveryPaths(id)
	if _, err := os.Stat(metaPath); err != nil {
		return nil, nil
	}
	if _, err := os.Stat(contentPath); err != nil {
		return nil, nil
	}
	meta, err := s.ReadMetadata(id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}
	return &RecoveryEntry{
		ID:           id,
		Metadata:     *meta,
		ContentPath:  contentPath,
		MetadataPath: metaPath,
	}, nil
}

// ReconstructFromChunks rebuilds the full recovered content for id by
// replaying its chunk list against the original file. The original
// must still be exactly the size the snapshot recorded; a resized or
// replaced original fails with ErrSizeMismatch rather than producing a
// silently corrupted splice. Each chunk's checksum is verified before
// use.
func (s *RecoveryStorage) ReconstructFromChunks(id string, originalFile string) ([]byte, error) {
	chunked, err := s.ReadChunkedContent(id)
	if err != nil {
		return nil, err
	}
	if chunked == nil {
		return nil, fmt.Errorf("chunked recovery %s: %w", id, ErrNotFound)
	}

	original, err := os.ReadFile(originalFile)
	if err != nil {
		return nil, err
	}
	if int64(len(original)) != chunked.OriginalSize {
		return nil, fmt.Errorf("original %s is %d bytes, snapshot expects %d: %w",
			originalFile, len(original), chunked.OriginalSize, ErrSizeMismatch)
	}

	result := make([]byte, 0, chunked.FinalSize)
	var pos int64

	for i := range chunked.Chunks {
		chunk := &chunked.Chunks[i]
		if !chunk.Verify() {
			return nil, fmt.Errorf("chunk at offset %d: %w", chunk.Offset, ErrChecksumMismatch)
		}
		if chunk.Offset > pos {
			result = append(result, original[pos:chunk.Offset]...)
		}
		result = append(result, chunk.Content...)
		pos = chunk.Offset + chunk.OriginalLen
	}

	if pos < int64(len(original)) {
		result = append(result, original[pos:]...)
	}
	return result, nil
}

// ---- lifecycle ----

// DeleteRecovery removes both files for id. Missing files are not an
// error.
func (s *RecoveryStorage) DeleteRecovery(id string) error {
	lock := s.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	metaPath, contentPath := s.recoveryPaths(id)
	for _, p := range []string{contentPath, metaPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// ListEntries returns every complete recovery entry, newest first.
func (s *RecoveryStorage) ListEntries() ([]RecoveryEntry, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []RecoveryEntry
	for _, de := range dirents {
		name := de.Name()
		if !strings.HasSuffix(name, metaExt) {
			continue
		}
		id := strings.TrimSuffix(name, metaExt)
		entry, err := s.LoadEntry(id)
		if err != nil || entry == nil {
			continue
		}
		entries = append(entries, *entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Metadata.UpdatedAt > entries[j].Metadata.UpdatedAt
	})
	return entries, nil
}

// CleanupOrphans removes half-pairs: content without metadata or
// metadata without content. Returns how many ids were cleaned.
func (s *RecoveryStorage) CleanupOrphans() (int, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cleaned := 0
	seen := make(map[string]bool)
	for _, de := range dirents {
		name := de.Name()
		if name == sessionLock {
			continue
		}

		var id string
		switch {
		case strings.HasSuffix(name, metaExt):
			id = strings.TrimSuffix(name, metaExt)
		case strings.HasSuffix(name, contentExt):
			id = strings.TrimSuffix(name, contentExt)
		default:
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		metaPath, contentPath := s.recoveryPaths(id)
		_, metaErr := os.Stat(metaPath)
		_, contentErr := os.Stat(contentPath)
		if metaErr != nil || contentErr != nil {
			os.Remove(metaPath)
			os.Remove(contentPath)
			cleaned++
		}
	}
	return cleaned, nil
}

// CleanupAll removes every recovery file except the session lock.
// Returns how many files were removed.
func (s *RecoveryStorage) CleanupAll() (int, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cleaned := 0
	for _, de := range dirents {
		name := de.Name()
		if name == sessionLock {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
			cleaned++
		}
	}
	return cleaned, nil
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
