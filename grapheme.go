package loom

import (
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

// graphemeWindow bounds how many bytes of buffer content boundary
// scans read around the cursor. No practical grapheme cluster comes
// close to this size.
const graphemeWindow = 1024

// GraphemeInfo describes the grapheme cluster at a position: its size
// in bytes and how many terminal cells it occupies when rendered.
type GraphemeInfo struct {
	ByteLen int64
	Width   int
}

// NextGraphemeBoundary returns the first cluster boundary after pos in
// data, or len(data) when pos is inside the final cluster.
func NextGraphemeBoundary(data []byte, pos int) int {
	if pos >= len(data) {
		return len(data)
	}
	cluster, _, _, _ := uniseg.FirstGraphemeCluster(data[pos:], -1)
	return pos + len(cluster)
}

// PrevGraphemeBoundary returns the last cluster boundary before pos in
// data, or 0 when pos is inside the first cluster.
func PrevGraphemeBoundary(data []byte, pos int) int {
	if pos <= 0 {
		return 0
	}
	if pos > len(data) {
		pos = len(data)
	}
	boundary := 0
	rest := data
	for len(rest) > 0 {
		next := len(data) - len(rest)
		if next >= pos {
			break
		}
		boundary = next
		_, rest, _, _ = uniseg.FirstGraphemeCluster(rest, -1)
	}
	return boundary
}

// GraphemeCount returns the number of grapheme clusters in data.
func GraphemeCount(data []byte) int {
	n := 0
	state := -1
	for len(data) > 0 {
		_, data, _, state = uniseg.FirstGraphemeCluster(data, state)
		n++
	}
	return n
}

// Cursor navigates a TextBuffer by grapheme cluster while reporting
// byte positions. It never materializes the buffer; boundary decisions
// read a small window of content around the current position.
//
// Deletion is asymmetric on purpose. Backspace removes one Unicode
// scalar, so composed text like Thai comes apart layer by layer under
// repeated presses. Forward delete removes the whole cluster under the
// cursor, matching what the user sees as one character.
type Cursor struct {
	buf *TextBuffer
	pos int64
}

// NewCursor returns a cursor at the start of buf.
func NewCursor(buf *TextBuffer) *Cursor {
	return &Cursor{buf: buf}
}

// Position returns the cursor's byte offset.
func (c *Cursor) Position() int64 {
	return c.pos
}

// SetPosition moves the cursor to pos, snapping backward to the nearest
// UTF-8 scalar boundary so the cursor never lands inside an encoded rune.
func (c *Cursor) SetPosition(pos int64) error {
	if pos < 0 || pos > c.buf.TotalBytes() {
		return ErrInvalidPosition
	}
	snapped, err := c.buf.SnapToScalarBoundary(pos)
	if err != nil {
		return err
	}
	c.pos = snapped
	return nil
}

// GraphemeAt returns the cluster starting at the cursor, or
// ErrInvalidPosition at end of buffer.
func (c *Cursor) GraphemeAt() (GraphemeInfo, error) {
	if c.pos >= c.buf.TotalBytes() {
		return GraphemeInfo{}, ErrInvalidPosition
	}
	window, err := c.forwardWindow(c.pos)
	if err != nil {
		return GraphemeInfo{}, err
	}
	cluster, _, width, _ := uniseg.FirstGraphemeCluster(window, -1)
	return GraphemeInfo{ByteLen: int64(len(cluster)), Width: width}, nil
}

// MoveRight advances the cursor past the cluster under it. At end of
// buffer the cursor stays put.
func (c *Cursor) MoveRight() error {
	if c.pos >= c.buf.TotalBytes() {
		return nil
	}
	info, err := c.GraphemeAt()
	if err != nil {
		return err
	}
	c.pos += info.ByteLen
	return nil
}

// MoveLeft retreats the cursor to the start of the cluster before it.
// At the start of the buffer the cursor stays put.
func (c *Cursor) MoveLeft() error {
	if c.pos == 0 {
		return nil
	}
	start, err := c.prevClusterStart(c.pos)
	if err != nil {
		return err
	}
	c.pos = start
	return nil
}

// BackspaceRange returns the byte range one backspace press removes:
// the single Unicode scalar ending at the cursor. The cursor is not
// moved and the buffer is not modified.
func (c *Cursor) BackspaceRange() (start, length int64, err error) {
	if c.pos == 0 {
		return 0, 0, nil
	}
	window, err := c.backWindow(c.pos)
	if err != nil {
		return 0, 0, err
	}
	_, size := utf8.DecodeLastRune(window)
	if size == 0 {
		size = 1
	}
	return c.pos - int64(size), int64(size), nil
}

// DeleteForwardRange returns the byte range a forward delete removes:
// the entire grapheme cluster starting at the cursor.
func (c *Cursor) DeleteForwardRange() (start, length int64, err error) {
	if c.pos >= c.buf.TotalBytes() {
		return c.pos, 0, nil
	}
	info, err := c.GraphemeAt()
	if err != nil {
		return 0, 0, err
	}
	return c.pos, info.ByteLen, nil
}

// Backspace removes one scalar before the cursor and moves the cursor
// to the start of the removed range.
func (c *Cursor) Backspace() error {
	start, length, err := c.BackspaceRange()
	if err != nil || length == 0 {
		return err
	}
	if err := c.buf.DeleteBytes(start, length); err != nil {
		return err
	}
	c.pos = start
	return nil
}

// DeleteForward removes the cluster under the cursor. The cursor does
// not move.
func (c *Cursor) DeleteForward() error {
	start, length, err := c.DeleteForwardRange()
	if err != nil || length == 0 {
		return err
	}
	return c.buf.DeleteBytes(start, length)
}

// prevClusterStart returns the start offset of the grapheme cluster
// ending at pos. It segments a window preceding pos and takes the last
// boundary before it.
func (c *Cursor) prevClusterStart(pos int64) (int64, error) {
	window, err := c.backWindow(pos)
	if err != nil {
		return 0, err
	}
	windowStart := pos - int64(len(window))

	// The window may begin mid-rune when the buffer is larger than the
	// window; skip continuation bytes so segmentation starts clean.
	skip := 0
	for skip < len(window) && !utf8.RuneStart(window[skip]) {
		skip++
	}
	window = window[skip:]
	windowStart += int64(skip)

	// Clusters tile the window and the window ends exactly at pos, so
	// the start of the final cluster is the boundary we want.
	start := windowStart
	rest := window
	for len(rest) > 0 {
		start = pos - int64(len(rest))
		_, rest, _, _ = uniseg.FirstGraphemeCluster(rest, -1)
	}
	return start, nil
}

// forwardWindow reads up to graphemeWindow bytes starting at pos.
func (c *Cursor) forwardWindow(pos int64) ([]byte, error) {
	n := int64(graphemeWindow)
	if rest := c.buf.TotalBytes() - pos; rest < n {
		n = rest
	}
	return c.buf.ReadRange(pos, n)
}

// backWindow reads up to graphemeWindow bytes ending at pos.
func (c *Cursor) backWindow(pos int64) ([]byte, error) {
	n := int64(graphemeWindow)
	if pos < n {
		n = pos
	}
	return c.buf.ReadRange(pos-n, n)
}

// SnapToScalarBoundary moves pos backward to the nearest UTF-8 scalar
// boundary. Positions already on a boundary, including 0 and
// TotalBytes, are returned unchanged.
func (b *TextBuffer) SnapToScalarBoundary(pos int64) (int64, error) {
	if pos < 0 || pos > b.pt.total {
		return 0, ErrInvalidPosition
	}
	if pos == 0 || pos == b.pt.total {
		return pos, nil
	}
	// A UTF-8 rune is at most 4 bytes, so at most 3 continuation bytes
	// precede the boundary.
	for back := int64(0); back <= 3 && pos-back > 0; back++ {
		chunk, err := b.ReadRange(pos-back, 1)
		if err != nil {
			return 0, err
		}
		if utf8.RuneStart(chunk[0]) {
			return pos - back, nil
		}
	}
	return pos, nil
}

// SnapRangeToBoundaries snaps both ends of a selection to scalar
// boundaries, start backward and end backward, so the range never
// splits an encoded rune.
func (b *TextBuffer) SnapRangeToBoundaries(start, end int64) (int64, int64, error) {
	if start > end {
		start, end = end, start
	}
	s, err := b.SnapToScalarBoundary(start)
	if err != nil {
		return 0, 0, err
	}
	e, err := b.SnapToScalarBoundary(end)
	if err != nil {
		return 0, 0, err
	}
	if e < s {
		e = s
	}
	return s, e, nil
}
