package loom

// pieceKind tags where a piece's bytes live.
type pieceKind int

const (
	// pieceOriginal references a byte range of the on-disk file as it
	// existed at load time.
	pieceOriginal pieceKind = iota

	// pieceAdded references a range of the in-memory scratch buffer of
	// inserted bytes.
	pieceAdded
)

// piece is one contiguous span of the logical document. The
// concatenation of all pieces, in order, is the current content.
// A piece's length is always > 0; zero-length remnants are pruned as
// part of every mutation.
type piece struct {
	kind pieceKind
	off  int64 // offset into the original file or the scratch buffer
	len  int64
}

// pieceTable holds the ordered piece sequence plus the append-only
// scratch buffer. Positions are derived by prefix-summing piece
// lengths, so pieces never store absolute document offsets and
// mutations never shift their neighbors.
type pieceTable struct {
	pieces []piece
	added  []byte
	total  int64 // always equals the sum of piece lengths
}

// appendAdded places data at the end of the scratch buffer and returns
// its offset there.
func (pt *pieceTable) appendAdded(data []byte) int64 {
	off := int64(len(pt.added))
	pt.added = append(pt.added, data...)
	return off
}

// locate finds the piece containing pos and the offset within it.
// pos == total locates past the last piece (index len(pieces), offset 0).
func (pt *pieceTable) locate(pos int64) (idx int, within int64) {
	remaining := pos
	for i, p := range pt.pieces {
		if remaining < p.len {
			return i, remaining
		}
		remaining -= p.len
	}
	return len(pt.pieces), 0
}

// insert splices data into the document at pos. The covering piece is
// split when pos falls mid-piece; a boundary insertion needs no split.
func (pt *pieceTable) insert(pos int64, data []byte) {
	if len(data) == 0 {
		return
	}

	addedOff := pt.appendAdded(data)
	newPiece := piece{kind: pieceAdded, off: addedOff, len: int64(len(data))}

	idx, within := pt.locate(pos)

	if within == 0 {
		// Boundary insertion. Typing extends the preceding Added piece
		// in place when the bytes are contiguous in the scratch buffer.
		if idx > 0 {
			prev := &pt.pieces[idx-1]
			if prev.kind == pieceAdded && prev.off+prev.len == addedOff {
				prev.len += newPiece.len
				pt.total += newPiece.len
				return
			}
		}
		pt.pieces = insertPieceAt(pt.pieces, idx, newPiece)
		pt.total += newPiece.len
		return
	}

	// Mid-piece: split the covering piece around the insertion point.
	covering := pt.pieces[idx]
	left := piece{kind: covering.kind, off: covering.off, len: within}
	right := piece{kind: covering.kind, off: covering.off + within, len: covering.len - within}

	pt.pieces[idx] = left
	pt.pieces = insertPieceAt(pt.pieces, idx+1, right)
	pt.pieces = insertPieceAt(pt.pieces, idx+1, newPiece)
	pt.total += newPiece.len
}

// delete removes [pos, pos+length) from the document, truncating or
// splitting the overlapping pieces and pruning zero-length remnants.
func (pt *pieceTable) delete(pos, length int64) {
	if length == 0 {
		return
	}

	end := pos + length
	var result []piece
	var cursor int64

	for _, p := range pt.pieces {
		pieceStart := cursor
		pieceEnd := cursor + p.len
		cursor = pieceEnd

		if pieceEnd <= pos || pieceStart >= end {
			result = appendCoalesced(result, p)
			continue
		}

		// Leading survivor, before the deleted range.
		if pieceStart < pos {
			keep := pos - pieceStart
			result = appendCoalesced(result, piece{kind: p.kind, off: p.off, len: keep})
		}

		// Trailing survivor, after the deleted range.
		if pieceEnd > end {
			skip := end - pieceStart
			result = appendCoalesced(result, piece{
				kind: p.kind,
				off:  p.off + skip,
				len:  pieceEnd - end,
			})
		}
	}

	pt.pieces = result
	pt.total -= length
}

// readRange gathers [pos, pos+length) by walking pieces in order.
// resolve fetches the bytes behind an Original piece range; Added
// pieces come straight from the scratch buffer.
func (pt *pieceTable) readRange(pos, length int64, resolve func(off, n int64) ([]byte, error)) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}

	result := make([]byte, 0, length)
	remaining := length
	idx, within := pt.locate(pos)

	for remaining > 0 && idx < len(pt.pieces) {
		p := pt.pieces[idx]
		n := p.len - within
		if n > remaining {
			n = remaining
		}

		switch p.kind {
		case pieceAdded:
			result = append(result, pt.added[p.off+within:p.off+within+n]...)
		case pieceOriginal:
			data, err := resolve(p.off+within, n)
			if err != nil {
				return nil, err
			}
			result = append(result, data...)
		}

		remaining -= n
		within = 0
		idx++
	}

	if remaining > 0 {
		return nil, ErrRangeOutOfBounds
	}
	return result, nil
}

// writeOps materializes the minimal write recipe: untouched Original
// spans become Copy ops against the on-disk file, everything else
// becomes Insert ops. Adjacent compatible ops are merged so a buffer
// with one small edit yields a recipe of two Copies and one Insert,
// not thousands of fragments.
func (pt *pieceTable) writeOps() []WriteOp {
	var ops []WriteOp
	for _, p := range pt.pieces {
		switch p.kind {
		case pieceOriginal:
			if n := len(ops); n > 0 && !ops[n-1].IsInsert() &&
				ops[n-1].Offset+ops[n-1].Len == p.off {
				ops[n-1].Len += p.len
				continue
			}
			ops = append(ops, CopyOp(p.off, p.len))
		case pieceAdded:
			data := pt.added[p.off : p.off+p.len]
			if n := len(ops); n > 0 && ops[n-1].IsInsert() {
				ops[n-1].Data = append(ops[n-1].Data, data...)
				continue
			}
			// Copy out of the scratch buffer so later scratch appends
			// cannot alias the recipe.
			ops = append(ops, InsertOp(append([]byte(nil), data...)))
		}
	}
	return ops
}

// pieceCount is used by consistency checks in tests.
func (pt *pieceTable) pieceCount() int {
	return len(pt.pieces)
}

// checkInvariants recomputes the total from the piece lengths. It is a
// test aid; production code maintains total incrementally.
func (pt *pieceTable) checkInvariants() bool {
	var sum int64
	for _, p := range pt.pieces {
		if p.len <= 0 {
			return false
		}
		sum += p.len
	}
	return sum == pt.total
}

// appendCoalesced appends p, merging it into the previous piece when
// the two describe contiguous ranges of the same backing store.
func appendCoalesced(pieces []piece, p piece) []piece {
	if p.len == 0 {
		return pieces
	}
	if n := len(pieces); n > 0 {
		prev := &pieces[n-1]
		if prev.kind == p.kind && prev.off+prev.len == p.off {
			prev.len += p.len
			return pieces
		}
	}
	return append(pieces, p)
}

func insertPieceAt(pieces []piece, idx int, p piece) []piece {
	pieces = append(pieces, piece{})
	copy(pieces[idx+1:], pieces[idx:])
	pieces[idx] = p
	return pieces
}
