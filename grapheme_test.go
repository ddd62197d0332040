package loom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCursor(t *testing.T, content string) (*TextBuffer, *Cursor) {
	t.Helper()
	buf := NewTextBufferFromBytes([]byte(content), NewLocalFileSystem())
	return buf, NewCursor(buf)
}

func bufferString(t *testing.T, buf *TextBuffer) string {
	t.Helper()
	data, err := buf.MaterializeBytes()
	require.NoError(t, err)
	return string(data)
}

func TestGraphemeCount(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"abc", 3},
		{"æøå", 3},
		{"a😀b", 3},
		{"ที่", 1},   // base + vowel + tone, one cluster
		{"ที่นี่", 2}, // two clusters
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GraphemeCount([]byte(tt.input)), "input %q", tt.input)
	}
}

func TestBoundaryFunctions(t *testing.T) {
	data := []byte("aที่b") // a(1) + Thai cluster(9) + b(1)

	assert.Equal(t, 1, NextGraphemeBoundary(data, 0))
	assert.Equal(t, 10, NextGraphemeBoundary(data, 1))
	assert.Equal(t, 11, NextGraphemeBoundary(data, 10))
	assert.Equal(t, 11, NextGraphemeBoundary(data, 11))

	assert.Equal(t, 10, PrevGraphemeBoundary(data, 11))
	assert.Equal(t, 1, PrevGraphemeBoundary(data, 10))
	assert.Equal(t, 0, PrevGraphemeBoundary(data, 1))
	assert.Equal(t, 0, PrevGraphemeBoundary(data, 0))
}

// Right/left arrow movement lands on cluster boundaries: byte positions
// 0, 1, 10, 11 for "a" + Thai cluster + "b".
func TestCursorClusterNavigation(t *testing.T) {
	_, cur := newTestCursor(t, "aที่b")

	require.NoError(t, cur.MoveRight())
	assert.Equal(t, int64(1), cur.Position())
	require.NoError(t, cur.MoveRight())
	assert.Equal(t, int64(10), cur.Position())
	require.NoError(t, cur.MoveRight())
	assert.Equal(t, int64(11), cur.Position())
	require.NoError(t, cur.MoveRight()) // at end, stays
	assert.Equal(t, int64(11), cur.Position())

	require.NoError(t, cur.MoveLeft())
	assert.Equal(t, int64(10), cur.Position())
	require.NoError(t, cur.MoveLeft())
	assert.Equal(t, int64(1), cur.Position())
	require.NoError(t, cur.MoveLeft())
	assert.Equal(t, int64(0), cur.Position())
	require.NoError(t, cur.MoveLeft()) // at start, stays
	assert.Equal(t, int64(0), cur.Position())
}

func TestGraphemeAt(t *testing.T) {
	_, cur := newTestCursor(t, "aที่b")

	info, err := cur.GraphemeAt()
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.ByteLen)
	assert.Equal(t, 1, info.Width)

	require.NoError(t, cur.SetPosition(1))
	info, err = cur.GraphemeAt()
	require.NoError(t, err)
	assert.Equal(t, int64(9), info.ByteLen)

	require.NoError(t, cur.SetPosition(11))
	_, err = cur.GraphemeAt()
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

// Backspace removes one code point per press, so composed Thai text
// comes apart layer by layer: tone mark, then vowel mark, then base.
func TestThaiBackspaceLayerByLayer(t *testing.T) {
	buf, cur := newTestCursor(t, "ที่")
	require.NoError(t, cur.SetPosition(buf.TotalBytes()))

	require.NoError(t, cur.Backspace())
	assert.Equal(t, "ที", bufferString(t, buf))
	assert.Equal(t, int64(6), cur.Position())

	require.NoError(t, cur.Backspace())
	assert.Equal(t, "ท", bufferString(t, buf))
	assert.Equal(t, int64(3), cur.Position())

	require.NoError(t, cur.Backspace())
	assert.Equal(t, "", bufferString(t, buf))
	assert.Equal(t, int64(0), cur.Position())

	// At start, backspace is a no-op.
	require.NoError(t, cur.Backspace())
	assert.Equal(t, int64(0), cur.Position())
}

// Forward delete removes the whole cluster: deleting just the base
// consonant would leave combining marks with nothing to sit on.
func TestThaiDeleteEntireCluster(t *testing.T) {
	buf, cur := newTestCursor(t, "ที่นี่")

	require.NoError(t, cur.DeleteForward())
	assert.Equal(t, "นี่", bufferString(t, buf))
	assert.Equal(t, int64(0), cur.Position())

	require.NoError(t, cur.DeleteForward())
	assert.Equal(t, "", bufferString(t, buf))

	// At end of buffer, delete is a no-op.
	require.NoError(t, cur.DeleteForward())
	assert.Equal(t, "", bufferString(t, buf))
}

func TestBackspaceMultibyteScalars(t *testing.T) {
	buf, cur := newTestCursor(t, "æøå")
	require.NoError(t, cur.SetPosition(buf.TotalBytes()))

	for _, want := range []string{"æø", "æ", ""} {
		require.NoError(t, cur.Backspace())
		assert.Equal(t, want, bufferString(t, buf))
	}
}

func TestDeleteForwardEmoji(t *testing.T) {
	buf, cur := newTestCursor(t, "a😀b")
	require.NoError(t, cur.SetPosition(1))

	require.NoError(t, cur.DeleteForward())
	assert.Equal(t, "ab", bufferString(t, buf))
}

func TestEmojiWidth(t *testing.T) {
	_, cur := newTestCursor(t, "😀")
	info, err := cur.GraphemeAt()
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.ByteLen)
	assert.Equal(t, 2, info.Width)
}

// SetPosition never leaves the cursor inside an encoded rune.
func TestSetPositionSnapsToScalarBoundary(t *testing.T) {
	_, cur := newTestCursor(t, "a€b") // € is 3 bytes at offset 1

	require.NoError(t, cur.SetPosition(2))
	assert.Equal(t, int64(1), cur.Position())

	require.NoError(t, cur.SetPosition(3))
	assert.Equal(t, int64(1), cur.Position())

	require.NoError(t, cur.SetPosition(4))
	assert.Equal(t, int64(4), cur.Position())

	assert.ErrorIs(t, cur.SetPosition(99), ErrInvalidPosition)
	assert.ErrorIs(t, cur.SetPosition(-1), ErrInvalidPosition)
}

func TestSnapRangeToBoundaries(t *testing.T) {
	buf, _ := newTestCursor(t, "a€b")

	start, end, err := buf.SnapRangeToBoundaries(2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), start)
	assert.Equal(t, int64(1), end)

	start, end, err = buf.SnapRangeToBoundaries(4, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(4), end)
}

// The deletion asymmetry in one picture: backspace peels one scalar off
// a cluster, forward delete takes the cluster whole.
func TestDeletionAsymmetry(t *testing.T) {
	buf, cur := newTestCursor(t, "ที่")

	start, length, err := cur.DeleteForwardRange()
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(9), length)

	require.NoError(t, cur.SetPosition(buf.TotalBytes()))
	start, length, err = cur.BackspaceRange()
	require.NoError(t, err)
	assert.Equal(t, int64(6), start)
	assert.Equal(t, int64(3), length)
}
