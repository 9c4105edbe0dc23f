// Package riff walks RIFF chunk trees such as AVI files.
package riff

import (
	"encoding/binary"
	"io"
	"strconv"

	"example.com/rescene/internal/common"
	"example.com/rescene/internal/container"
)

const (
	chunkHeaderSize = 8
	listHeaderSize  = 12
)

// Tags of the descriptor records placed at the start of the movi list.
const (
	TagFileRecord  = "SRSF"
	TagTrackRecord = "SRST"
)

// Kind classifies a chunk.
type Kind int

const (
	KindChunk Kind = iota
	// KindList is a RIFF or LIST chunk whose children follow its header.
	KindList
	// KindMovi is a stream payload chunk such as "00dc" or "01wb".
	KindMovi
	KindFileRecord
	KindTrackRecord
)

// Chunk is one RIFF node. Node.Length is the payload length, which for lists
// excludes the list type field.
type Chunk struct {
	container.Node
	Kind Kind
	// FourCC is the chunk tag, or for lists the list type such as "AVI " or "movi".
	FourCC string
	// ListType is "RIFF" or "LIST" for lists.
	ListType string
	// Stream is the stream number of a movi chunk.
	Stream int
	// Padded is set when Length is odd and one pad byte follows the payload.
	Padded bool
}

// Reader walks a RIFF file.
//
// ModeProfile rejects chunks that run past the end of the file, except the
// top level RIFF chunk. ModeFull tolerates truncated files. In ModeDescriptor
// movi chunk payloads are absent but their pad bytes are present.
type Reader struct {
	w       container.Walker
	closer  io.Closer
	metrics *common.Metrics

	cur     *Chunk
	present int64
	pad     byte
}

// NewReader walks src from offset zero. path is used in error messages.
func NewReader(src container.Source, path string, mode container.Mode) *Reader {
	return &Reader{w: container.NewWalker(src, path, mode)}
}

// Open opens path and walks it. Close releases the file.
func Open(path string, mode container.Mode) (*Reader, error) {
	src, err := container.OpenFile(path)
	if err != nil {
		return nil, err
	}
	r := NewReader(src, path, mode)
	r.closer = src
	return r, nil
}

// Close releases the file opened by Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// SetMetrics attaches a metrics recorder to the reader.
func (r *Reader) SetMetrics(m *common.Metrics) {
	r.metrics = m
	if m != nil {
		m.OpenFile(r.w.Path, r.w.Src.Size())
	}
}

// Offset returns the absolute stream position.
func (r *Reader) Offset() int64 { return r.w.Offset() }

// PadByte returns the pad byte of the last chunk whose payload was read or
// skipped.
func (r *Reader) PadByte() byte { return r.pad }

func validFourCC(b []byte) bool {
	for _, c := range b {
		switch {
		case c == ' ', c >= '0' && c <= '9', c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

// Next reads the next chunk header. It returns io.EOF at the end of the file.
func (r *Reader) Next() (*Chunk, error) {
	if err := r.w.Begin(); err != nil {
		return nil, err
	}
	start := r.w.Offset()
	remaining := r.w.Remaining()
	if remaining <= 0 {
		return nil, io.EOF
	}
	if remaining < chunkHeaderSize {
		if r.w.Mode == container.ModeFull {
			return nil, io.EOF
		}
		return nil, r.w.Fail(start, "%d trailing bytes too short for a chunk header", remaining)
	}
	hdr := make([]byte, chunkHeaderSize, listHeaderSize)
	if err := r.w.Read(hdr, start); err != nil {
		return nil, err
	}
	if !validFourCC(hdr[:4]) {
		return nil, r.w.Fail(start, "invalid fourcc %q", hdr[:4])
	}
	tag := string(hdr[:4])
	length := int64(binary.LittleEndian.Uint32(hdr[4:8]))
	if r.w.Mode == container.ModeProfile && tag != "RIFF" && start+chunkHeaderSize+length > r.w.Src.Size() {
		return nil, r.w.Fail(start+4, "chunk %q length %d runs past end of file", tag, length)
	}

	c := &Chunk{FourCC: tag}
	c.Offset = start
	switch {
	case tag == "RIFF" || tag == "LIST":
		if length < 4 {
			return nil, r.w.Fail(start+4, "list length %d too short for list type", length)
		}
		hdr = hdr[:listHeaderSize]
		if err := r.w.Read(hdr[chunkHeaderSize:], start+chunkHeaderSize); err != nil {
			return nil, err
		}
		c.Kind = KindList
		c.ListType = tag
		c.FourCC = string(hdr[8:12])
		length -= 4
	case isHexDigit(hdr[0]) && isHexDigit(hdr[1]):
		c.Kind = KindMovi
		n, _ := strconv.ParseUint(tag[:2], 16, 8)
		c.Stream = int(n)
	case r.w.Mode == container.ModeDescriptor && tag == TagFileRecord:
		c.Kind = KindFileRecord
	case r.w.Mode == container.ModeDescriptor && tag == TagTrackRecord:
		c.Kind = KindTrackRecord
	}
	c.Header = hdr
	c.Length = length
	c.Padded = length%2 == 1

	r.present = length
	if c.Kind == KindMovi && r.w.Mode == container.ModeDescriptor {
		r.present = 0
	}
	end := start + int64(len(hdr)) + length
	if c.Padded {
		end++
	}
	if err := r.w.Enter(len(hdr), end); err != nil {
		return nil, err
	}
	r.cur = c
	r.metrics.AddNode(int64(len(hdr)))
	return c, nil
}

// PayloadPresent reports whether the payload of c follows its header in a
// stream read with mode.
func PayloadPresent(c *Chunk, mode container.Mode) bool {
	return !(c.Kind == KindMovi && mode == container.ModeDescriptor)
}

// ReadPayload returns the payload of the current chunk, or nil when it is
// absent, and consumes the pad byte.
func (r *Reader) ReadPayload() ([]byte, error) {
	if r.w.State() != container.Positioned || r.cur == nil {
		return nil, container.ErrState
	}
	var buf []byte
	if r.present > 0 {
		buf = make([]byte, r.present)
		if err := r.w.Read(buf, r.w.Offset()); err != nil {
			return nil, err
		}
	}
	return buf, r.finish()
}

// SkipPayload moves past the payload and pad byte of the current chunk.
func (r *Reader) SkipPayload() error {
	if r.w.State() != container.Positioned || r.cur == nil {
		return container.ErrState
	}
	return r.finish()
}

func (r *Reader) finish() error {
	c := r.cur
	r.w.Advance(r.present)
	r.metrics.AddBytes(r.present)
	r.cur = nil
	r.pad = 0
	if !c.Padded {
		return nil
	}
	var b [1]byte
	at := r.w.Offset()
	if err := container.ReadFull(r.w.Src, b[:], at); err != nil {
		if r.w.Mode == container.ModeFull {
			return nil
		}
		return r.w.Fail(at, "missing pad byte after chunk %q", c.FourCC)
	}
	r.pad = b[0]
	r.w.Advance(1)
	return nil
}

// Descend enters the children of the current list.
func (r *Reader) Descend() error {
	if r.w.State() != container.Positioned || r.cur == nil {
		return container.ErrState
	}
	if r.cur.Kind != KindList {
		return container.ErrNotContainer
	}
	end := r.cur.End()
	r.cur = nil
	return r.w.Descend(end)
}
