package container

import (
	"errors"
	"io"
	"os"
)

const defaultBlockSize = 1 << 20

// Source is a random access byte range with a known size. Every cursor reads
// through a Source so that plain files and virtual multi-volume streams are
// walked the same way.
type Source interface {
	io.ReaderAt
	Size() int64
}

// Sized adapts an io.ReaderAt with a known length.
type Sized struct {
	io.ReaderAt
	N int64
}

func (s Sized) Size() int64 { return s.N }

// BufferedSource caches one window of an underlying ReaderAt. Header reads
// are small and sequential, so most of them are served from the window.
type BufferedSource struct {
	src       io.ReaderAt
	closer    io.Closer
	size      int64
	blockSize int
	buf       []byte
	bufStart  int64
	bufLen    int
}

// NewBufferedSource wraps r. blockSize <= 0 selects the default window.
func NewBufferedSource(r io.ReaderAt, size int64, blockSize int) *BufferedSource {
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	bs := &BufferedSource{src: r, size: size, blockSize: blockSize}
	if c, ok := r.(io.Closer); ok {
		bs.closer = c
	}
	return bs
}

// OpenFile opens path as a BufferedSource that owns the file handle.
func OpenFile(path string) (*BufferedSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return NewBufferedSource(f, info.Size(), 0), nil
}

func (bs *BufferedSource) Size() int64 {
	return bs.size
}

// Close releases the underlying handle when the source owns one.
func (bs *BufferedSource) Close() error {
	bs.buf = nil
	bs.bufLen = 0
	if bs.closer == nil {
		return nil
	}
	err := bs.closer.Close()
	bs.closer = nil
	return err
}

func (bs *BufferedSource) fill(offset int64) error {
	if bs.buf == nil {
		bs.buf = make([]byte, bs.blockSize)
	}
	bs.bufStart = offset
	toRead := int64(bs.blockSize)
	if remain := bs.size - offset; remain < toRead {
		toRead = remain
	}
	if toRead <= 0 {
		bs.bufLen = 0
		return io.EOF
	}
	n, err := bs.src.ReadAt(bs.buf[:toRead], offset)
	bs.bufLen = n
	if err != nil && !errors.Is(err, io.EOF) {
		bs.bufLen = 0
		return err
	}
	if n == 0 {
		return io.EOF
	}
	return nil
}

// ReadAt implements io.ReaderAt. Reads larger than the window bypass it.
func (bs *BufferedSource) ReadAt(p []byte, offset int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if offset < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if offset >= bs.size {
		return 0, io.EOF
	}
	if len(p) > bs.blockSize {
		want := p
		if remain := bs.size - offset; int64(len(want)) > remain {
			want = want[:remain]
		}
		n, err := bs.src.ReadAt(want, offset)
		if err == nil && n < len(p) {
			err = io.EOF
		}
		return n, err
	}
	inWindow := offset >= bs.bufStart && offset+int64(len(p)) <= bs.bufStart+int64(bs.bufLen)
	if !inWindow {
		if err := bs.fill(offset); err != nil {
			return 0, err
		}
	}
	start := int(offset - bs.bufStart)
	n := copy(p, bs.buf[start:bs.bufLen])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ReadFull reads exactly len(p) bytes at offset.
func ReadFull(src io.ReaderAt, p []byte, offset int64) error {
	n, err := src.ReadAt(p, offset)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
