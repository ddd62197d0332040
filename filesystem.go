package loom

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// WriteOp is one instruction of a write recipe. Exactly one of the two
// forms is used: a Copy references bytes already present in the source
// file, an Insert supplies new bytes. Replaying a recipe against the
// source reproduces the buffer's current content without transferring
// unchanged regions.
type WriteOp struct {
	// Copy form: take Len bytes starting at Offset in the source file.
	Offset int64
	Len    int64

	// Insert form: write Data verbatim. When Data is non-nil the op is
	// an Insert and Offset/Len are ignored.
	Data []byte
}

// CopyOp builds a Copy instruction.
func CopyOp(offset, length int64) WriteOp {
	return WriteOp{Offset: offset, Len: length}
}

// InsertOp builds an Insert instruction.
func InsertOp(data []byte) WriteOp {
	return WriteOp{Data: data}
}

// IsInsert reports whether the op carries literal bytes.
func (op WriteOp) IsInsert() bool {
	return op.Data != nil
}

// OutputLen returns the number of bytes the op contributes to the result.
func (op WriteOp) OutputLen() int64 {
	if op.IsInsert() {
		return int64(len(op.Data))
	}
	return op.Len
}

// FileInfo is the subset of file metadata the buffer engine needs.
type FileInfo struct {
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// DirEntry describes one entry of a directory listing.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  int64
}

// FileSystem abstracts the file operations the buffer engine performs,
// so the same TextBuffer works against the local disk or a remote agent.
// Implementations must never leave a destination file partially written
// as visible to a concurrent reader; every operation is safe to retry
// after a transient failure.
type FileSystem interface {
	// ReadFile returns the file's entire content.
	ReadFile(path string) ([]byte, error)

	// ReadRange returns exactly length bytes starting at offset, or
	// ErrRangeOutOfBounds if the range exceeds the file size.
	ReadRange(path string, offset, length int64) ([]byte, error)

	// WriteFile replaces the file's content atomically.
	WriteFile(path string, data []byte) error

	// WritePatched applies a write recipe: Copy ops reference srcPath's
	// current bytes, Insert ops supply new bytes, and the result replaces
	// dstPath atomically. srcPath == dstPath patches in place.
	WritePatched(srcPath, dstPath string, ops []WriteOp) error

	// SetFileLength truncates or zero-extends the file.
	SetFileLength(path string, length int64) error

	// OpenFileForAppend opens the file for appending, creating it if absent.
	OpenFileForAppend(path string) (io.WriteCloser, error)

	// Metadata returns size and kind information for a path.
	Metadata(path string) (FileInfo, error)

	// IsDir reports whether the path names a directory.
	IsDir(path string) (bool, error)

	// ReadDir lists a directory.
	ReadDir(path string) ([]DirEntry, error)
}

// LocalFileSystem implements FileSystem with direct disk I/O. Whole-file
// writes and patches stage into a temp file in the target directory and
// rename over the destination, so readers never observe partial content.
type LocalFileSystem struct{}

// NewLocalFileSystem returns a FileSystem backed by the local disk.
func NewLocalFileSystem() *LocalFileSystem {
	return &LocalFileSystem{}
}

func (fs *LocalFileSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (fs *LocalFileSystem) ReadRange(path string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, ErrRangeOutOfBounds
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if offset+length > info.Size() {
		return nil, fmt.Errorf("%w: [%d, %d) in %d-byte file",
			ErrRangeOutOfBounds, offset, offset+length, info.Size())
	}

	data := make([]byte, length)
	if _, err := f.ReadAt(data, offset); err != nil {
		return nil, err
	}
	return data, nil
}

func (fs *LocalFileSystem) WriteFile(path string, data []byte) error {
	return atomicWriteFile(path, data, 0o644)
}

func (fs *LocalFileSystem) WritePatched(srcPath, dstPath string, ops []WriteOp) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	srcInfo, err := src.Stat()
	if err != nil {
		return err
	}

	// Stage into a temp file next to the destination so the final rename
	// stays on one filesystem. This also makes in-place patching safe:
	// Copy ops keep reading the untouched source while the result builds.
	tmp, err := os.CreateTemp(filepath.Dir(dstPath), filepath.Base(dstPath)+".patch-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	for _, op := range ops {
		if op.IsInsert() {
			if _, err := tmp.Write(op.Data); err != nil {
				cleanup()
				return err
			}
			continue
		}
		if op.Offset < 0 || op.Offset+op.Len > srcInfo.Size() {
			cleanup()
			return fmt.Errorf("%w: copy [%d, %d) in %d-byte source",
				ErrRangeOutOfBounds, op.Offset, op.Offset+op.Len, srcInfo.Size())
		}
		if _, err := io.Copy(tmp, io.NewSectionReader(src, op.Offset, op.Len)); err != nil {
			cleanup()
			return err
		}
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// Carry the destination's permissions across the rename. For in-place
	// patches this is the source's mode; for a fresh destination keep the
	// temp file's default.
	if dstInfo, err := os.Stat(dstPath); err == nil {
		_ = os.Chmod(tmpPath, dstInfo.Mode().Perm())
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (fs *LocalFileSystem) SetFileLength(path string, length int64) error {
	return os.Truncate(path, length)
}

func (fs *LocalFileSystem) OpenFileForAppend(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
}

func (fs *LocalFileSystem) Metadata(path string) (FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()}, nil
}

func (fs *LocalFileSystem) IsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (fs *LocalFileSystem) ReadDir(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	result := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		de := DirEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			de.Size = info.Size()
		}
		result = append(result, de)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// atomicWriteFile writes data to a temp file in the target directory,
// fsyncs, then renames over the destination.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	_ = os.Chmod(tmpPath, perm)

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
