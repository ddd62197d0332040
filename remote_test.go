package loom

import (
	"bytes"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// installFileHandlers makes a scriptedAgent serve real files through a
// LocalFileSystem, speaking the full agent protocol. chunkSize controls
// how finely read responses are streamed.
func installFileHandlers(agent *scriptedAgent, chunkSize int) {
	lfs := NewLocalFileSystem()

	agent.handle("read", func(a *scriptedAgent, req agentRequest) {
		var p readParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		var data []byte
		var err error
		if p.Offset != nil && p.Len != nil {
			data, err = lfs.ReadRange(p.Path, *p.Offset, *p.Len)
		} else {
			data, err = lfs.ReadFile(p.Path)
		}
		if err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		for off := 0; off < len(data); off += chunkSize {
			end := off + chunkSize
			if end > len(data) {
				end = len(data)
			}
			a.sendData(req.ID, dataChunk{Data: EncodeBase64(data[off:end])})
		}
		a.sendResult(req.ID, readResult{Size: int64(len(data))})
	})

	agent.handle("write", func(a *scriptedAgent, req agentRequest) {
		var p writeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		data, err := DecodeBase64(p.Data)
		if err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		if err := lfs.WriteFile(p.Path, data); err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		a.sendResult(req.ID, struct{}{})
	})

	agent.handle("append", func(a *scriptedAgent, req agentRequest) {
		var p appendParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		data, err := DecodeBase64(p.Data)
		if err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		w, err := lfs.OpenFileForAppend(p.Path)
		if err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			a.sendError(req.ID, err.Error())
			return
		}
		if err := w.Close(); err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		a.sendResult(req.ID, struct{}{})
	})

	agent.handle("set_len", func(a *scriptedAgent, req agentRequest) {
		var p setLenParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		if err := lfs.SetFileLength(p.Path, p.Len); err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		a.sendResult(req.ID, struct{}{})
	})

	agent.handle("write_patched", func(a *scriptedAgent, req agentRequest) {
		var p patchParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		ops, err := decodePatchOps(p.Ops)
		if err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		if err := lfs.WritePatched(p.Src, p.Dst, ops); err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		a.sendResult(req.ID, struct{}{})
	})

	agent.handle("stat", func(a *scriptedAgent, req agentRequest) {
		var p statParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		info, err := os.Stat(p.Path)
		if err != nil {
			if os.IsNotExist(err) {
				a.sendResult(req.ID, statResult{Exists: false})
				return
			}
			a.sendError(req.ID, err.Error())
			return
		}
		a.sendResult(req.ID, statResult{
			Size:   info.Size(),
			Mtime:  info.ModTime().Unix(),
			IsDir:  info.IsDir(),
			Exists: true,
		})
	})

	agent.handle("ls", func(a *scriptedAgent, req agentRequest) {
		var p lsParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		entries, err := lfs.ReadDir(p.Path)
		if err != nil {
			a.sendError(req.ID, err.Error())
			return
		}
		out := make([]lsEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, lsEntry{Name: e.Name, IsDir: e.IsDir, Size: e.Size})
		}
		a.sendResult(req.ID, lsResult{Entries: out})
	})
}

// startRemoteFS returns a RemoteFileSystem backed by an in-process
// file-serving agent.
func startRemoteFS(t *testing.T, chunkSize int, opts ChannelOptions) *RemoteFileSystem {
	t.Helper()
	clientReader, agentWriter := io.Pipe()
	agentReader, clientWriter := io.Pipe()

	agent := newScriptedAgent(agentReader, agentWriter)
	installFileHandlers(agent, chunkSize)

	ch := NewAgentChannel(clientReader, clientWriter, opts)
	t.Cleanup(func() { ch.Close() })
	return NewRemoteFileSystem(ch, "test@local")
}

func TestRemoteReadWriteRoundTrip(t *testing.T) {
	rfs := startRemoteFS(t, 16, ChannelOptions{})
	path := filepath.Join(t.TempDir(), "file.txt")

	content := []byte("hello over the wire")
	require.NoError(t, rfs.WriteFile(path, content))

	got, err := rfs.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestRemoteReadRange(t *testing.T) {
	rfs := startRemoteFS(t, 8, ChannelOptions{})
	path := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, rfs.WriteFile(path, []byte("0123456789")))

	got, err := rfs.ReadRange(path, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("3456"), got)

	_, err = rfs.ReadRange(path, 8, 10)
	assert.Error(t, err)

	_, err = rfs.ReadRange(path, -1, 2)
	assert.ErrorIs(t, err, ErrRangeOutOfBounds)
}

func TestRemoteMetadata(t *testing.T) {
	rfs := startRemoteFS(t, 64, ChannelOptions{})
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	require.NoError(t, rfs.WriteFile(path, []byte("abcde")))

	info, err := rfs.Metadata(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.False(t, info.IsDir)

	isDir, err := rfs.IsDir(dir)
	require.NoError(t, err)
	assert.True(t, isDir)

	_, err = rfs.Metadata(filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoteReadDir(t *testing.T) {
	rfs := startRemoteFS(t, 64, ChannelOptions{})
	dir := t.TempDir()
	require.NoError(t, rfs.WriteFile(filepath.Join(dir, "a.txt"), []byte("aa")))
	require.NoError(t, rfs.WriteFile(filepath.Join(dir, "b.txt"), []byte("bbb")))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	entries, err := rfs.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	names := map[string]DirEntry{}
	for _, e := range entries {
		names[e.Name] = e
	}
	assert.Equal(t, int64(2), names["a.txt"].Size)
	assert.Equal(t, int64(3), names["b.txt"].Size)
	assert.True(t, names["sub"].IsDir)
}

func TestRemoteSetFileLengthAndAppend(t *testing.T) {
	rfs := startRemoteFS(t, 64, ChannelOptions{})
	path := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, rfs.WriteFile(path, []byte("0123456789")))

	require.NoError(t, rfs.SetFileLength(path, 4))
	got, err := rfs.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), got)

	w, err := rfs.OpenFileForAppend(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("xy"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err = rfs.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123xy"), got)
}

func TestRemoteAppendCreatesFile(t *testing.T) {
	rfs := startRemoteFS(t, 64, ChannelOptions{})
	path := filepath.Join(t.TempDir(), "new.txt")

	w, err := rfs.OpenFileForAppend(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	info, err := rfs.Metadata(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size)
}

func TestRemoteWritePatched(t *testing.T) {
	rfs := startRemoteFS(t, 64, ChannelOptions{})
	path := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, rfs.WriteFile(path, []byte("Hello, World!")))

	ops := []WriteOp{
		CopyOp(0, 7),
		InsertOp([]byte("Universe")),
		CopyOp(12, 1),
	}
	require.NoError(t, rfs.WritePatched(path, path, ops))

	got, err := rfs.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello, Universe!"), got)
}

func TestRemoteLargeWriteSplitsIntoAppends(t *testing.T) {
	rfs := startRemoteFS(t, 64*1024, ChannelOptions{})
	path := filepath.Join(t.TempDir(), "big.bin")

	data := make([]byte, largeWriteThreshold*2+1234)
	rng := rand.New(rand.NewSource(7))
	rng.Read(data)

	require.NoError(t, rfs.WriteFile(path, data))

	got, err := rfs.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "round-tripped content differs")
}

func TestBufferOverRemoteFileSystem(t *testing.T) {
	rfs := startRemoteFS(t, 32, ChannelOptions{})
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, rfs.WriteFile(path, []byte("The quick brown fox jumps over the lazy dog")))

	buf, err := LoadFromFile(path, 16, rfs)
	require.NoError(t, err)
	assert.Equal(t, int64(43), buf.TotalBytes())

	require.NoError(t, buf.DeleteBytes(4, 6)) // "quick "
	require.NoError(t, buf.InsertBytes(4, []byte("sly ")))
	require.NoError(t, buf.SaveToFile(path))

	got, err := rfs.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "The sly brown fox jumps over the lazy dog", string(got))

	modified, err := buf.IsModified()
	require.NoError(t, err)
	assert.False(t, modified)
}

// Regression guard for the lossless-load property: with a one-slot data
// buffer, a slowed consumer, and fine-grained streaming, every byte of
// the source must still arrive. The historical failure mode was a
// non-blocking send dropping chunks under exactly these conditions.
func TestStreamingLoadLosslessUnderBackpressure(t *testing.T) {
	if testing.Short() {
		t.Skip("slow-consumer stress test")
	}

	rfs := startRemoteFS(t, 4*1024, ChannelOptions{
		DataChannelCapacity: 1,
		ConsumerDelay:       200 * time.Microsecond,
	})

	path := filepath.Join(t.TempDir(), "large.bin")
	data := make([]byte, 2*1024*1024)
	rng := rand.New(rand.NewSource(11))
	rng.Read(data)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	buf, err := LoadFromFile(path, 256*1024, rfs)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), buf.TotalBytes())

	got, err := buf.MaterializeBytes()
	require.NoError(t, err)
	assert.Equal(t, Checksum(data), Checksum(got))
}

// Shadow test: random edits applied to both a remote-backed buffer and
// a plain in-memory byte slice must stay byte-identical, including
// after a patched save.
func TestShadowRandomEditsOverRemote(t *testing.T) {
	rfs := startRemoteFS(t, 64, ChannelOptions{})
	path := filepath.Join(t.TempDir(), "shadow.txt")

	rng := rand.New(rand.NewSource(99))
	shadow := make([]byte, 4096)
	for i := range shadow {
		shadow[i] = byte('a' + rng.Intn(26))
	}
	require.NoError(t, rfs.WriteFile(path, shadow))

	buf, err := LoadFromFile(path, 512, rfs)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		if rng.Intn(2) == 0 || len(shadow) == 0 {
			pos := rng.Intn(len(shadow) + 1)
			n := 1 + rng.Intn(16)
			insert := make([]byte, n)
			for j := range insert {
				insert[j] = byte('A' + rng.Intn(26))
			}
			require.NoError(t, buf.InsertBytes(int64(pos), insert))
			shadow = append(shadow[:pos], append(append([]byte(nil), insert...), shadow[pos:]...)...)
		} else {
			pos := rng.Intn(len(shadow))
			n := 1 + rng.Intn(16)
			if pos+n > len(shadow) {
				n = len(shadow) - pos
			}
			require.NoError(t, buf.DeleteBytes(int64(pos), int64(n)))
			shadow = append(shadow[:pos], shadow[pos+n:]...)
		}

		if i%20 == 19 {
			got, err := buf.MaterializeBytes()
			require.NoError(t, err)
			require.Equal(t, shadow, got, "divergence after %d ops", i+1)
		}
	}

	require.NoError(t, buf.SaveToFile(path))
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, shadow, onDisk)
}
