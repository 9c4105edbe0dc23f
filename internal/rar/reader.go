package rar

import (
	"io"

	"example.com/rescene/internal/common"
	"example.com/rescene/internal/container"
)

// Reader walks the blocks of an archive volume or of an archive descriptor.
//
// In ModeFull and ModeProfile every declared data size must fit in the file.
// In ModeDescriptor the data of file and recovery blocks is absent from the
// stream while the data of all other blocks is present.
type Reader struct {
	w       container.Walker
	closer  io.Closer
	metrics *common.Metrics

	cur      *Block
	present  int64
	ended    bool
	trailing int64
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

// Mode returns the read mode.
func (r *Reader) Mode() container.Mode { return r.w.Mode }

// Offset returns the absolute stream position.
func (r *Reader) Offset() int64 { return r.w.Offset() }

// Size returns the size of the underlying source.
func (r *Reader) Size() int64 { return r.w.Src.Size() }

// Trailing returns the number of bytes found after the archive-end block of
// a volume walked in ModeFull or ModeProfile.
func (r *Reader) Trailing() int64 { return r.trailing }

// ReadTrailing returns the bytes that follow the archive-end block. It is
// valid once Next has returned io.EOF.
func (r *Reader) ReadTrailing() ([]byte, error) {
	if r.trailing == 0 {
		return nil, nil
	}
	buf := make([]byte, r.trailing)
	if err := r.w.Read(buf, r.w.Offset()); err != nil {
		return nil, err
	}
	return buf, nil
}

// PayloadPresent reports whether the data of b follows its header in a
// stream read with mode.
func PayloadPresent(b *Block, mode container.Mode) bool {
	if mode != container.ModeDescriptor {
		return true
	}
	switch b.Kind {
	case KindFile, KindRecovery, KindOldRecovery:
		return false
	}
	return true
}

// Next reads the next block header. It returns io.EOF after the last block.
func (r *Reader) Next() (*Block, error) {
	if r.ended {
		return nil, io.EOF
	}
	if err := r.w.Begin(); err != nil {
		return nil, err
	}
	start := r.w.Offset()
	remaining := r.w.Remaining()
	if remaining <= 0 {
		return nil, io.EOF
	}
	if remaining < HeaderSize {
		return nil, r.w.Fail(start, "%d trailing bytes too short for a block header", remaining)
	}
	fixed := make([]byte, HeaderSize)
	if err := r.w.Read(fixed, start); err != nil {
		return nil, err
	}
	headSize := int64(fixed[5]) | int64(fixed[6])<<8
	if headSize < HeaderSize {
		return nil, r.w.Fail(start, "block header size %d below minimum", headSize)
	}
	if headSize > remaining {
		return nil, r.w.Fail(start, "block header size %d exceeds remaining %d bytes", headSize, remaining)
	}
	raw := make([]byte, headSize)
	copy(raw, fixed)
	if headSize > HeaderSize {
		if err := r.w.Read(raw[HeaderSize:], start+HeaderSize); err != nil {
			return nil, err
		}
	}
	b, err := parseBlock(raw, start)
	if err != nil {
		return nil, r.w.Fail(start, "%v", err)
	}
	if r.w.Mode != container.ModeDescriptor && IsDescriptorType(b.Type) {
		return nil, r.w.Fail(start, "descriptor block type 0x%02x in archive volume", byte(b.Type))
	}

	r.present = 0
	if PayloadPresent(b, r.w.Mode) {
		r.present = b.Length
		if headSize+r.present > remaining {
			return nil, r.w.Fail(start, "block data size %d exceeds remaining %d bytes", r.present, remaining-headSize)
		}
	}
	if err := r.w.Enter(int(headSize), start+headSize+r.present); err != nil {
		return nil, err
	}
	r.cur = b
	r.metrics.AddNode(headSize + r.present)
	return b, nil
}

// ReadPayload returns the data that follows the current header. The result
// is empty when the data is absent from the stream.
func (r *Reader) ReadPayload() ([]byte, error) {
	if r.w.State() != container.Positioned {
		return nil, container.ErrState
	}
	buf := make([]byte, r.present)
	if len(buf) > 0 {
		if err := r.w.Read(buf, r.w.Offset()); err != nil {
			return nil, err
		}
	}
	r.finish()
	return buf, nil
}

// SkipPayload moves past the data of the current block.
func (r *Reader) SkipPayload() error {
	if r.w.State() != container.Positioned {
		return container.ErrState
	}
	r.finish()
	return nil
}

// PayloadOffset returns the absolute offset of the current block's data.
func (r *Reader) PayloadOffset() int64 {
	if r.cur == nil {
		return r.w.Offset()
	}
	return r.cur.PayloadOffset()
}

// Descend always fails: archive blocks do not nest.
func (r *Reader) Descend() error {
	if r.w.State() != container.Positioned {
		return container.ErrState
	}
	return container.ErrNotContainer
}

func (r *Reader) finish() {
	r.w.Advance(r.present)
	if r.cur != nil && r.cur.Type == TypeEnd && r.w.Mode != container.ModeDescriptor {
		r.ended = true
		r.trailing = r.w.Remaining()
	}
	r.cur = nil
	r.present = 0
}

// ReadAll walks every block of path. Data of blocks whose data is present is
// returned alongside, except for file and recovery blocks read in ModeFull or
// ModeProfile, which are skipped.
func ReadAll(path string, mode container.Mode) ([]*Block, [][]byte, error) {
	r, err := Open(path, mode)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()
	var blocks []*Block
	var data [][]byte
	for {
		b, err := r.Next()
		if err == io.EOF {
			return blocks, data, nil
		}
		if err != nil {
			return nil, nil, err
		}
		var payload []byte
		switch b.Kind {
		case KindFile, KindRecovery, KindOldRecovery:
			err = r.SkipPayload()
		default:
			payload, err = r.ReadPayload()
		}
		if err != nil {
			return nil, nil, err
		}
		blocks = append(blocks, b)
		data = append(data, payload)
	}
}
