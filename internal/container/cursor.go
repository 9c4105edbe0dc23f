package container

import (
	"errors"
	"fmt"

	"example.com/rescene/internal/common"
)

// Mode selects how a cursor validates declared lengths and whether bulk
// payload is present in the stream.
type Mode int

const (
	// ModeFull walks a complete container. Whether a declared length may run
	// past the end of the file is up to the dialect.
	ModeFull Mode = iota
	// ModeProfile walks a complete container and rejects any node whose
	// declared length runs past the end of the file.
	ModeProfile
	// ModeDescriptor walks a descriptor in which bulk payload was stripped.
	ModeDescriptor
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeProfile:
		return "profile"
	case ModeDescriptor:
		return "descriptor"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// State of a cursor.
type State int

const (
	Ready State = iota
	Positioned
)

var (
	ErrState        = errors.New("cursor operation invalid in current state")
	ErrNotContainer = errors.New("node is not a container")
)

// Node holds the fields shared by every dialect's structural node. It is
// valid only until the next cursor step.
type Node struct {
	Offset int64
	Header []byte
	Length int64
}

// PayloadOffset is the absolute offset of the first payload byte.
func (n Node) PayloadOffset() int64 {
	return n.Offset + int64(len(n.Header))
}

// End is the absolute offset just past the declared payload.
func (n Node) End() int64 {
	return n.PayloadOffset() + n.Length
}

// Walker carries the offset bookkeeping shared by the dialect cursors: the
// current position, the Ready/Positioned state and a stack of container end
// offsets pushed on descend.
type Walker struct {
	Src  Source
	Path string
	Mode Mode

	off   int64
	state State
	ends  []int64
}

// NewWalker starts a walk at offset zero.
func NewWalker(src Source, path string, mode Mode) Walker {
	return Walker{Src: src, Path: path, Mode: mode}
}

// Offset returns the current absolute position.
func (w *Walker) Offset() int64 { return w.off }

// State returns the cursor state.
func (w *Walker) State() State { return w.state }

// Depth returns the number of open containers.
func (w *Walker) Depth() int { return len(w.ends) }

// Remaining returns the bytes left in the source after the current offset.
func (w *Walker) Remaining() int64 { return w.Src.Size() - w.off }

// Begin validates that a new node may be read and closes every container
// whose end has been reached.
func (w *Walker) Begin() error {
	if w.state != Ready {
		return ErrState
	}
	for len(w.ends) > 0 && w.off >= w.ends[len(w.ends)-1] {
		w.ends = w.ends[:len(w.ends)-1]
	}
	return nil
}

// Enter records that a node header of headerLen bytes was read at the current
// offset and that the node, including any trailing pad, ends at end.
func (w *Walker) Enter(headerLen int, end int64) error {
	start := w.off
	if w.Mode != ModeDescriptor && len(w.ends) > 0 && end > w.ends[len(w.ends)-1] {
		return common.NewFormatError(w.Path, start, "node overruns its container (ends 0x%x, container ends 0x%x)", end, w.ends[len(w.ends)-1])
	}
	w.off += int64(headerLen)
	w.state = Positioned
	return nil
}

// Advance moves past n payload bytes and returns to Ready.
func (w *Walker) Advance(n int64) {
	w.off += n
	w.state = Ready
}

// Descend opens a container ending at end. The stream position is unchanged.
func (w *Walker) Descend(end int64) error {
	if w.state != Positioned {
		return ErrState
	}
	w.ends = append(w.ends, end)
	w.state = Ready
	return nil
}

// Fail builds a format error at the given offset.
func (w *Walker) Fail(offset int64, format string, args ...interface{}) error {
	return common.NewFormatError(w.Path, offset, format, args...)
}

// Read reads exactly len(p) bytes at the current offset without moving it.
func (w *Walker) Read(p []byte, at int64) error {
	if err := ReadFull(w.Src, p, at); err != nil {
		return w.Fail(at, "short read of %d bytes: %v", len(p), err)
	}
	return nil
}
