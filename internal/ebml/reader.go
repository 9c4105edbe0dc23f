// Package ebml walks EBML element trees such as Matroska files.
package ebml

import (
	"io"

	"example.com/rescene/internal/common"
	"example.com/rescene/internal/container"
)

// Element IDs the walker interprets.
const (
	IDEBML             uint32 = 0x1A45DFA3
	IDSegment          uint32 = 0x18538067
	IDTimecodeScale    uint32 = 0x2AD7B1
	IDCluster          uint32 = 0x1F43B675
	IDTimecode         uint32 = 0xE7
	IDBlockGroup       uint32 = 0xA0
	IDBlock            uint32 = 0xA1
	IDSimpleBlock      uint32 = 0xA3
	IDAttachmentList   uint32 = 0x1941A469
	IDAttachment       uint32 = 0x61A7
	IDAttachedFileName uint32 = 0x466E
	IDAttachedFileData uint32 = 0x465C
	IDCRC32            uint32 = 0xBF

	// Descriptor elements, recognized in ModeDescriptor only.
	IDReSample      uint32 = 0x1F697576
	IDReSampleFile  uint32 = 0x6A75
	IDReSampleTrack uint32 = 0x6B75
)

// Kind classifies an element.
type Kind int

const (
	KindUnknown Kind = iota
	KindEBML
	KindSegment
	KindTimecodeScale
	KindCluster
	KindTimecode
	KindBlockGroup
	KindBlock
	KindAttachmentList
	KindAttachment
	KindAttachedFileName
	KindAttachedFileData
	KindCRC32
	KindReSample
	KindReSampleFile
	KindReSampleTrack
	KindTracks
)

var kinds = map[uint32]Kind{
	IDEBML:             KindEBML,
	IDSegment:          KindSegment,
	IDTimecodeScale:    KindTimecodeScale,
	IDCluster:          KindCluster,
	IDTimecode:         KindTimecode,
	IDBlockGroup:       KindBlockGroup,
	IDBlock:            KindBlock,
	IDSimpleBlock:      KindBlock,
	IDAttachmentList:   KindAttachmentList,
	IDAttachment:       KindAttachment,
	IDAttachedFileName: KindAttachedFileName,
	IDAttachedFileData: KindAttachedFileData,
	IDCRC32:            KindCRC32,
	IDTracks:           KindTracks,
}

var descriptorKinds = map[uint32]Kind{
	IDReSample:      KindReSample,
	IDReSampleFile:  KindReSampleFile,
	IDReSampleTrack: KindReSampleTrack,
}

// IsContainer reports whether children of k are walked rather than copied.
func (k Kind) IsContainer() bool {
	switch k {
	case KindSegment, KindCluster, KindBlockGroup, KindAttachmentList, KindAttachment, KindReSample:
		return true
	}
	return false
}

// BlockHeader is the sub-header at the start of a Block or SimpleBlock
// payload.
type BlockHeader struct {
	Track    int
	Timecode int16
	Flags    byte
	Lacing   Lacing
	// Raw holds the track number, timecode, flags and lace header bytes.
	Raw []byte
	// FrameLengths lists the frame sizes. One frame when not laced.
	FrameLengths []int64
}

// Element is one EBML node. Node.Header holds the ID and size bytes. For
// blocks Node.Length excludes Block.Raw, which follows Node.Header.
type Element struct {
	container.Node
	ID    uint32
	Kind  Kind
	Block *BlockHeader
}

// DataOffset is the absolute offset of the first frame byte of a block, or
// the payload offset of any other element.
func (e *Element) DataOffset() int64 {
	off := e.PayloadOffset()
	if e.Block != nil {
		off += int64(len(e.Block.Raw))
	}
	return off
}

// End is the absolute offset just past the element.
func (e *Element) End() int64 {
	return e.DataOffset() + e.Length
}

// Reader walks an EBML file.
//
// ModeProfile rejects elements that run past the end of the file, except the
// segment. In ModeDescriptor block frames are absent, and so is attached file
// data while attachments are marked stripped.
type Reader struct {
	w       container.Walker
	closer  io.Closer
	metrics *common.Metrics

	stripped bool
	cur      *Element
	present  int64
}

// NewReader walks src from offset zero. path is used in error messages.
func NewReader(src container.Source, path string, mode container.Mode) *Reader {
	return &Reader{
		w:        container.NewWalker(src, path, mode),
		stripped: mode == container.ModeDescriptor,
	}
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

// SetAttachmentsStripped tells a descriptor walk whether attached file data
// was removed. It defaults to true.
func (r *Reader) SetAttachmentsStripped(v bool) { r.stripped = v }

// Offset returns the absolute stream position.
func (r *Reader) Offset() int64 { return r.w.Offset() }

// Depth returns the number of open containers.
func (r *Reader) Depth() int { return r.w.Depth() }

// PayloadPresent reports whether the payload of e follows its header.
func (r *Reader) PayloadPresent(e *Element) bool {
	if r.w.Mode != container.ModeDescriptor {
		return true
	}
	switch e.Kind {
	case KindBlock:
		return false
	case KindAttachedFileData:
		return !r.stripped
	}
	return true
}

func (r *Reader) short(start int64, what string) error {
	if r.w.Mode == container.ModeFull {
		return io.EOF
	}
	return r.w.Fail(start, "file ends inside %s", what)
}

// Next reads the next element header. It returns io.EOF at the end of the
// file.
func (r *Reader) Next() (*Element, error) {
	if err := r.w.Begin(); err != nil {
		return nil, err
	}
	start := r.w.Offset()
	remaining := r.w.Remaining()
	if remaining <= 0 {
		return nil, io.EOF
	}
	if remaining < 2 {
		return nil, r.short(start, "element header")
	}

	var lead [1]byte
	if err := r.w.Read(lead[:], start); err != nil {
		return nil, err
	}
	idLen := VarintLength(lead[0])
	if idLen == 0 || idLen > 4 {
		return nil, r.w.Fail(start, "invalid element id marker 0x%02x", lead[0])
	}
	if int64(idLen)+1 > remaining {
		return nil, r.short(start, "element id")
	}
	buf := make([]byte, idLen+1, idLen+8)
	if err := r.w.Read(buf, start); err != nil {
		return nil, err
	}
	sizeLen := VarintLength(buf[idLen])
	if sizeLen == 0 {
		return nil, r.w.Fail(start, "invalid element size marker 0x%02x", buf[idLen])
	}
	if int64(idLen+sizeLen) > remaining {
		return nil, r.short(start, "element size")
	}
	buf = buf[:idLen+sizeLen]
	if sizeLen > 1 {
		if err := r.w.Read(buf[idLen+1:], start+int64(idLen)+1); err != nil {
			return nil, err
		}
	}
	var id uint32
	for _, c := range buf[:idLen] {
		id = id<<8 | uint32(c)
	}
	size, _, err := Uint(buf[idLen:])
	if err != nil {
		return nil, r.w.Fail(start, "%v", err)
	}

	e := &Element{ID: id, Kind: kinds[id]}
	if r.w.Mode == container.ModeDescriptor {
		if k, ok := descriptorKinds[id]; ok {
			e.Kind = k
		}
	}
	e.Offset = start
	e.Header = buf
	e.Length = int64(size)
	hdrEnd := start + int64(len(buf))
	end := hdrEnd + e.Length
	if r.w.Mode == container.ModeProfile && e.Kind != KindSegment && end > r.w.Src.Size() {
		return nil, r.w.Fail(start, "element 0x%X length %d runs past end of file", id, size)
	}

	headerLen := len(buf)
	if e.Kind == KindBlock {
		bh, err := r.readBlockHeader(hdrEnd, e.Length)
		if err != nil {
			return nil, err
		}
		e.Block = bh
		e.Length -= int64(len(bh.Raw))
		headerLen += len(bh.Raw)
	}

	if err := r.w.Enter(headerLen, end); err != nil {
		return nil, err
	}
	r.present = 0
	if r.PayloadPresent(e) {
		r.present = e.Length
	}
	r.cur = e
	r.metrics.AddNode(int64(headerLen))
	return e, nil
}

func (r *Reader) readBlockHeader(at, length int64) (*BlockHeader, error) {
	// track varint, timecode and flags, then at most 1 + 255*8 lace bytes
	limit := int64(8 + 3 + 1 + 255*8)
	if limit > length {
		limit = length
	}
	if left := r.w.Src.Size() - at; limit > left {
		limit = left
	}
	if limit < 4 {
		return nil, r.w.Fail(at, "block of %d bytes too short for its header", length)
	}
	b := make([]byte, limit)
	if err := r.w.Read(b, at); err != nil {
		return nil, err
	}
	track, n, err := Uint(b)
	if err != nil || n+3 > len(b) {
		return nil, r.w.Fail(at, "invalid block track number")
	}
	bh := &BlockHeader{
		Track:    int(track),
		Timecode: int16(uint16(b[n])<<8 | uint16(b[n+1])),
		Flags:    b[n+2],
	}
	bh.Lacing = Lacing(bh.Flags & 0x06)
	fixed := n + 3
	frames, used, err := FrameLengths(bh.Lacing, length-int64(fixed), b[fixed:])
	if err != nil {
		return nil, r.w.Fail(at, "block on track %d: %v", bh.Track, err)
	}
	bh.FrameLengths = frames
	bh.Raw = b[:fixed+used]
	return bh, nil
}

// ReadPayload returns the payload of the current element, or nil when it is
// absent.
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
	r.finish()
	return buf, nil
}

// SkipPayload moves past the payload of the current element.
func (r *Reader) SkipPayload() error {
	if r.w.State() != container.Positioned || r.cur == nil {
		return container.ErrState
	}
	r.finish()
	return nil
}

func (r *Reader) finish() {
	r.w.Advance(r.present)
	r.metrics.AddBytes(r.present)
	r.cur = nil
	r.present = 0
}

// Descend enters the children of the current element.
func (r *Reader) Descend() error {
	if r.w.State() != container.Positioned || r.cur == nil {
		return container.ErrState
	}
	if !r.cur.Kind.IsContainer() {
		return container.ErrNotContainer
	}
	end := r.cur.End()
	r.cur = nil
	return r.w.Descend(end)
}
