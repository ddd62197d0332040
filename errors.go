// Package loom provides the editable text storage engine for a terminal
// editor: a piece-structured buffer over a pluggable file system,
// byte-precise random-access edits on multi-gigabyte files, grapheme-aware
// cursor movement, and crash-safe recovery snapshots.
package loom

import "errors"

// Position and range errors
var (
	// ErrInvalidPosition indicates that a position is out of bounds.
	ErrInvalidPosition = errors.New("position out of bounds")

	// ErrRangeOutOfBounds indicates that a requested byte range exceeds
	// the available length. Ranges are never clamped silently; callers
	// that hit this have a bug.
	ErrRangeOutOfBounds = errors.New("range out of bounds")

	// ErrInvalidUTF8 indicates that an operation would split a UTF-8 sequence.
	ErrInvalidUTF8 = errors.New("invalid UTF-8 sequence")
)

// Transport errors
var (
	// ErrChannelClosed indicates that the agent connection is gone.
	// Every request pending at disconnect time is resolved with this error.
	ErrChannelClosed = errors.New("channel closed")

	// ErrRequestCancelled indicates that the caller cancelled the request.
	// Cancellation is advisory; the remote side may still complete the work.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrRequestTimeout indicates that a request deadline elapsed.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrRemote indicates a failure reported by the remote agent.
	ErrRemote = errors.New("remote error")
)

// Data integrity errors
var (
	// ErrChecksumMismatch indicates that stored content does not match its
	// recorded checksum. The data must not be trusted.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrSizeMismatch indicates that the original file's size no longer
	// matches the size recorded at snapshot time. Reconstruction refuses
	// to patch a stale or replaced original.
	ErrSizeMismatch = errors.New("original file size mismatch")
)

// File system errors
var (
	// ErrNotSupported indicates that an optional operation is not
	// implemented by this FileSystem.
	ErrNotSupported = errors.New("operation not supported")

	// ErrNotFound indicates a missing file or recovery entry.
	ErrNotFound = errors.New("not found")
)

// Buffer errors
var (
	// ErrNoOriginalFile indicates a save path that requires piece tracking
	// against an original file the buffer was not loaded from.
	ErrNoOriginalFile = errors.New("buffer has no original file")

	// ErrNothingToUndo indicates an empty undo history.
	ErrNothingToUndo = errors.New("nothing to undo")

	// ErrNothingToRedo indicates an empty redo history.
	ErrNothingToRedo = errors.New("nothing to redo")
)
