package loom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// streamChunkSize is the payload size of one streamed data message.
const streamChunkSize = 64 * 1024

// largeWriteThreshold is the size above which whole-file writes are
// split into a truncating first write plus appends, keeping each
// request line bounded.
const largeWriteThreshold = 1024 * 1024

// RemoteFileSystem implements FileSystem over an AgentChannel, letting
// a TextBuffer edit files on a machine reached through an agent. Binary
// payloads travel base64-encoded inside the JSON lines; reads stream in
// bounded chunks so multi-gigabyte files never materialize in one
// message.
type RemoteFileSystem struct {
	channel        *AgentChannel
	connectionInfo string
}

// NewRemoteFileSystem wraps a connected channel. connectionInfo is a
// human-readable description (for example "user@host") surfaced to the
// UI layer.
func NewRemoteFileSystem(channel *AgentChannel, connectionInfo string) *RemoteFileSystem {
	return &RemoteFileSystem{channel: channel, connectionInfo: connectionInfo}
}

// ConnectionInfo returns the connection description, or "" when unknown.
func (fs *RemoteFileSystem) ConnectionInfo() string {
	return fs.connectionInfo
}

// IsConnected reports transport liveness.
func (fs *RemoteFileSystem) IsConnected() bool {
	return fs.channel.IsConnected()
}

func (fs *RemoteFileSystem) collectRead(params readParams) ([]byte, error) {
	chunks, _, err := fs.channel.RequestWithData(context.Background(), "read", params)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for _, raw := range chunks {
		var chunk dataChunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return nil, fmt.Errorf("decode read chunk: %w", err)
		}
		data, err := DecodeBase64(chunk.Data)
		if err != nil {
			return nil, fmt.Errorf("decode read chunk: %w", err)
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func (fs *RemoteFileSystem) ReadFile(path string) ([]byte, error) {
	return fs.collectRead(readParams{Path: path})
}

func (fs *RemoteFileSystem) ReadRange(path string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, ErrRangeOutOfBounds
	}
	data, err := fs.collectRead(readParams{Path: path, Offset: &offset, Len: &length})
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != length {
		return nil, fmt.Errorf("%w: got %d of %d bytes at offset %d",
			ErrRangeOutOfBounds, len(data), length, offset)
	}
	return data, nil
}

func (fs *RemoteFileSystem) WriteFile(path string, data []byte) error {
	if len(data) <= largeWriteThreshold {
		_, err := fs.channel.Request(context.Background(), "write",
			writeParams{Path: path, Data: EncodeBase64(data)})
		return err
	}

	// Large writes: truncating first chunk, then appends. The agent makes
	// each request atomic on its side; the caller serializes the sequence.
	first := data[:largeWriteThreshold]
	if _, err := fs.channel.Request(context.Background(), "write",
		writeParams{Path: path, Data: EncodeBase64(first)}); err != nil {
		return err
	}
	for off := largeWriteThreshold; off < len(data); off += largeWriteThreshold {
		end := off + largeWriteThreshold
		if end > len(data) {
			end = len(data)
		}
		if _, err := fs.channel.Request(context.Background(), "append",
			appendParams{Path: path, Data: EncodeBase64(data[off:end])}); err != nil {
			return err
		}
	}
	return nil
}

func (fs *RemoteFileSystem) WritePatched(srcPath, dstPath string, ops []WriteOp) error {
	_, err := fs.channel.Request(context.Background(), "write_patched",
		patchParams{Src: srcPath, Dst: dstPath, Ops: encodePatchOps(ops)})
	return err
}

func (fs *RemoteFileSystem) SetFileLength(path string, length int64) error {
	_, err := fs.channel.Request(context.Background(), "set_len",
		setLenParams{Path: path, Len: length})
	return err
}

func (fs *RemoteFileSystem) OpenFileForAppend(path string) (io.WriteCloser, error) {
	// Touch the file so append-to-missing creates it immediately, the
	// same behavior the local implementation has on open.
	if _, err := fs.channel.Request(context.Background(), "append",
		appendParams{Path: path, Data: ""}); err != nil {
		return nil, err
	}
	return &remoteAppendWriter{fs: fs, path: path}, nil
}

func (fs *RemoteFileSystem) Metadata(path string) (FileInfo, error) {
	raw, err := fs.channel.Request(context.Background(), "stat", statParams{Path: path})
	if err != nil {
		return FileInfo{}, err
	}
	var stat statResult
	if err := json.Unmarshal(raw, &stat); err != nil {
		return FileInfo{}, fmt.Errorf("decode stat result: %w", err)
	}
	if !stat.Exists {
		return FileInfo{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return FileInfo{
		Size:    stat.Size,
		ModTime: time.Unix(stat.Mtime, 0),
		IsDir:   stat.IsDir,
	}, nil
}

func (fs *RemoteFileSystem) IsDir(path string) (bool, error) {
	info, err := fs.Metadata(path)
	if err != nil {
		return false, err
	}
	return info.IsDir, nil
}

func (fs *RemoteFileSystem) ReadDir(path string) ([]DirEntry, error) {
	raw, err := fs.channel.Request(context.Background(), "ls", lsParams{Path: path})
	if err != nil {
		return nil, err
	}
	var listing lsResult
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, fmt.Errorf("decode ls result: %w", err)
	}
	entries := make([]DirEntry, 0, len(listing.Entries))
	for _, e := range listing.Entries {
		entries = append(entries, DirEntry{Name: e.Name, IsDir: e.IsDir, Size: e.Size})
	}
	return entries, nil
}

// remoteAppendWriter satisfies OpenFileForAppend by shipping each Write
// as one append request. Writes are not buffered: each call is durable
// on the agent side before Write returns.
type remoteAppendWriter struct {
	fs   *RemoteFileSystem
	path string
}

func (w *remoteAppendWriter) Write(p []byte) (int, error) {
	for off := 0; off < len(p); off += largeWriteThreshold {
		end := off + largeWriteThreshold
		if end > len(p) {
			end = len(p)
		}
		if _, err := w.fs.channel.Request(context.Background(), "append",
			appendParams{Path: w.path, Data: EncodeBase64(p[off:end])}); err != nil {
			return off, err
		}
	}
	return len(p), nil
}

func (w *remoteAppendWriter) Close() error {
	return nil
}
