package srs

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"example.com/rescene/internal/common"
	"example.com/rescene/internal/ebml"
	"example.com/rescene/internal/riff"
)

// File record flags.
const (
	FileFlagSimpleBlockFix     uint16 = 0x1
	FileFlagAttachmentsRemoved uint16 = 0x2

	DefaultFileFlags   = FileFlagSimpleBlockFix | FileFlagAttachmentsRemoved
	FileSupportedFlags = FileFlagSimpleBlockFix | FileFlagAttachmentsRemoved
)

// Track record flags.
const (
	// TrackFlagBigFile selects an eight byte data length.
	TrackFlagBigFile uint16 = 0x4
	// TrackFlagBigNumber selects a four byte track number.
	TrackFlagBigNumber uint16 = 0x8

	TrackSupportedFlags = TrackFlagBigFile | TrackFlagBigNumber
)

// FileRecord describes the sample a descriptor rebuilds.
type FileRecord struct {
	Flags   uint16
	AppName string
	// Name is the base name of the sample.
	Name string
	Size int64
	CRC  uint32
}

// MarshalBinary encodes the record body. Names are stored with a u16 byte
// length prefix.
func (f *FileRecord) MarshalBinary() ([]byte, error) {
	name := filepath.Base(f.Name)
	if len(f.AppName) > 0xFFFF || len(name) > 0xFFFF {
		return nil, fmt.Errorf("file record names exceed 65535 bytes")
	}
	b := make([]byte, 0, 2+2+len(f.AppName)+2+len(name)+8+4)
	b = binary.LittleEndian.AppendUint16(b, f.Flags)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(f.AppName)))
	b = append(b, f.AppName...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(name)))
	b = append(b, name...)
	b = binary.LittleEndian.AppendUint64(b, uint64(f.Size))
	b = binary.LittleEndian.AppendUint32(b, f.CRC)
	return b, nil
}

// UnmarshalBinary decodes a record body.
func (f *FileRecord) UnmarshalBinary(b []byte) error {
	d := decoder{b: b}
	f.Flags = d.u16()
	f.AppName = d.str()
	f.Name = d.str()
	f.Size = int64(d.u64())
	f.CRC = d.u32()
	if d.err != nil {
		return fmt.Errorf("%w: file record: %v", common.ErrFormat, d.err)
	}
	return nil
}

// HasFlag reports whether flag is set.
func (f *FileRecord) HasFlag(flag uint16) bool { return f.Flags&flag != 0 }

// TrackRecord is the persisted part of a track descriptor.
type TrackRecord struct {
	Flags  uint16
	Number int
	// DataLength is the number of payload bytes the sample holds for the track.
	DataLength int64
	// MatchOffset is the absolute offset of the track data in the full file,
	// or zero while unknown.
	MatchOffset int64
	Signature   []byte
}

// MarshalBinary encodes the record body. Track numbers above 65535 set
// TrackFlagBigNumber.
func (t *TrackRecord) MarshalBinary() ([]byte, error) {
	if t.Number < 0 || int64(t.Number) > 0xFFFFFFFF {
		return nil, fmt.Errorf("track number %d out of range", t.Number)
	}
	flags := t.Flags
	if t.Number > 0xFFFF {
		flags |= TrackFlagBigNumber
	}
	if len(t.Signature) > 0xFFFF {
		return nil, fmt.Errorf("track %d signature of %d bytes too long", t.Number, len(t.Signature))
	}
	big := flags&TrackFlagBigFile != 0
	if !big && t.DataLength > 0x7FFFFFFF {
		return nil, fmt.Errorf("%w: track %d holds %d bytes without the big file flag", common.ErrUnsupported, t.Number, t.DataLength)
	}
	b := make([]byte, 0, 2+4+8+8+2+len(t.Signature))
	b = binary.LittleEndian.AppendUint16(b, flags)
	if flags&TrackFlagBigNumber != 0 {
		b = binary.LittleEndian.AppendUint32(b, uint32(t.Number))
	} else {
		b = binary.LittleEndian.AppendUint16(b, uint16(t.Number))
	}
	if big {
		b = binary.LittleEndian.AppendUint64(b, uint64(t.DataLength))
	} else {
		b = binary.LittleEndian.AppendUint32(b, uint32(t.DataLength))
	}
	b = binary.LittleEndian.AppendUint64(b, uint64(t.MatchOffset))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(t.Signature)))
	return append(b, t.Signature...), nil
}

// UnmarshalBinary decodes a record body.
func (t *TrackRecord) UnmarshalBinary(b []byte) error {
	d := decoder{b: b}
	t.Flags = d.u16()
	if t.Flags&TrackFlagBigNumber != 0 {
		t.Number = int(d.u32())
	} else {
		t.Number = int(d.u16())
	}
	if t.Flags&TrackFlagBigFile != 0 {
		t.DataLength = int64(d.u64())
	} else {
		t.DataLength = int64(d.u32())
	}
	t.MatchOffset = int64(d.u64())
	t.Signature = d.bytes(int(d.u16()))
	if d.err != nil {
		return fmt.Errorf("%w: track record: %v", common.ErrFormat, d.err)
	}
	return nil
}

type decoder struct {
	b   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > len(d.b) {
		d.err = fmt.Errorf("need %d bytes, %d left", n, len(d.b))
		return nil
	}
	p := d.b[:n]
	d.b = d.b[n:]
	return p
}

func (d *decoder) u16() uint16 {
	if p := d.take(2); p != nil {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if p := d.take(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if p := d.take(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}

func (d *decoder) bytes(n int) []byte {
	p := d.take(n)
	if p == nil {
		return nil
	}
	return append([]byte(nil), p...)
}

func (d *decoder) str() string {
	return string(d.take(int(d.u16())))
}

// riffRecord wraps a record body in a chunk, pad byte included.
func riffRecord(tag string, body []byte) []byte {
	return riff.AppendChunk(nil, tag, body)
}

func ebmlRecord(id uint32, body []byte) []byte {
	return ebml.AppendElement(nil, id, body)
}
