package rar

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"example.com/rescene/internal/container"
)

// HeaderSize is the fixed part shared by every block header.
const HeaderSize = 7

// BlockType is the one byte block type tag.
type BlockType byte

// Archive block types.
const (
	TypeMarker       BlockType = 0x72
	TypeVolumeHeader BlockType = 0x73
	TypeFile         BlockType = 0x74
	TypeComment      BlockType = 0x75
	TypeAuthenticity BlockType = 0x76
	TypeSubBlock     BlockType = 0x77
	TypeOldRecovery  BlockType = 0x78
	TypeAuthNew      BlockType = 0x79
	TypeNewSub       BlockType = 0x7A
	TypeEnd          BlockType = 0x7B

	// TypeZeroedEnd is an archive-end block whose header was cleared except
	// for its size field. Some tools emit it.
	TypeZeroedEnd BlockType = 0x00
)

// Descriptor-only block types. They never occur in genuine archives.
const (
	TypeSrrHeader     BlockType = 0x69
	TypeSrrStoredFile BlockType = 0x6A
	TypeSrrOsoHash    BlockType = 0x6B
	TypeSrrPadding    BlockType = 0x6C
	TypeSrrRarFile    BlockType = 0x71
)

// IsArchiveType reports whether t is defined by the archive format itself.
func IsArchiveType(t BlockType) bool {
	return (t >= TypeMarker && t <= TypeEnd) || t == TypeZeroedEnd
}

// IsDescriptorType reports whether t is one of the reserved descriptor tags.
func IsDescriptorType(t BlockType) bool {
	switch t {
	case TypeSrrHeader, TypeSrrStoredFile, TypeSrrOsoHash, TypeSrrPadding, TypeSrrRarFile:
		return true
	}
	return false
}

// Common header flags.
const FlagLongBlock uint16 = 0x8000

// Volume header flags.
const (
	VolumeFlagVolume       uint16 = 0x0001
	VolumeFlagNewNumbering uint16 = 0x0010
	VolumeFlagProtected    uint16 = 0x0040
	VolumeFlagEncrypted    uint16 = 0x0080
	VolumeFlagFirstVolume  uint16 = 0x0100
)

// File block flags.
const (
	FileFlagSplitBefore uint16 = 0x0001
	FileFlagSplitAfter  uint16 = 0x0002
	FileFlagDirectory   uint16 = 0x00E0
	FileFlagLargeFile   uint16 = 0x0100
	FileFlagUTF8        uint16 = 0x0200
)

// Descriptor block flags.
const (
	SrrHeaderFlagAppName   uint16 = 0x0001
	SrrStoredFlagPaths     uint16 = 0x0002
	SrrRarFlagRecoveryGone uint16 = 0x0001
	SrrRarFlagPaths        uint16 = 0x0002

	SrrHeaderSupportedFlags = SrrHeaderFlagAppName
	SrrStoredSupportedFlags = SrrStoredFlagPaths | FlagLongBlock
	SrrRarSupportedFlags    = SrrRarFlagRecoveryGone | SrrRarFlagPaths
)

// MethodStore is the compression method byte of uncompressed payload.
const MethodStore byte = 0x30

// Kind selects which variant fields of a Block are populated.
type Kind int

const (
	KindGeneric Kind = iota
	KindVolumeHeader
	KindFile
	KindRecovery
	KindOldRecovery
	KindEnd
	KindSrrHeader
	KindSrrStoredFile
	KindSrrOsoHash
	KindSrrPadding
	KindSrrRarFile
)

func (k Kind) String() string {
	switch k {
	case KindVolumeHeader:
		return "volume header"
	case KindFile:
		return "file"
	case KindRecovery:
		return "recovery record"
	case KindOldRecovery:
		return "old recovery record"
	case KindEnd:
		return "archive end"
	case KindSrrHeader:
		return "descriptor header"
	case KindSrrStoredFile:
		return "stored file"
	case KindSrrOsoHash:
		return "oso hash"
	case KindSrrPadding:
		return "archive padding"
	case KindSrrRarFile:
		return "volume marker"
	default:
		return "generic"
	}
}

// FileHeader holds the fields of a file block. New-style sub blocks share
// the layout.
type FileHeader struct {
	PackedSize   uint64
	UnpackedSize uint64
	HostOS       byte
	FileCRC      uint32
	Method       byte
	Name         string
}

// Recovery holds parity record geometry.
type Recovery struct {
	RecoverySectors uint32
	DataSectors     uint64
}

// SrrFields holds the payload of descriptor-only blocks.
type SrrFields struct {
	AppName  string
	Name     string
	FileSize uint64
	OsoHash  uint64
}

// Block is one archive or descriptor block. Node.Header holds the HeadSize
// raw header bytes and Node.Length the declared additional data size.
type Block struct {
	container.Node
	CRC      uint16
	Type     BlockType
	Flags    uint16
	HeadSize uint16
	Kind     Kind

	File     *FileHeader
	Recovery *Recovery
	Srr      *SrrFields
}

// AddSize returns the declared data size that follows the header.
func (b *Block) AddSize() uint64 { return uint64(b.Length) }

// HasFlag reports whether all bits of f are set.
func (b *Block) HasFlag(f uint16) bool { return b.Flags&f == f }

// IsDirectory reports whether a file block describes a directory entry.
func (b *Block) IsDirectory() bool {
	return b.Kind == KindFile && b.Flags&FileFlagDirectory == FileFlagDirectory
}

// RawBlock returns the header bytes followed by data, as written on disk.
func (b *Block) RawBlock(data []byte) []byte {
	out := make([]byte, 0, len(b.Header)+len(data))
	out = append(out, b.Header...)
	return append(out, data...)
}

func hasAddSize(t BlockType, flags uint16) bool {
	return flags&FlagLongBlock != 0 || t == TypeFile || t == TypeNewSub
}

// isNewRecovery matches a new-style sub block named "RR".
func isNewRecovery(t BlockType, raw []byte) bool {
	return t == TypeNewSub && len(raw) > 34 &&
		binary.LittleEndian.Uint16(raw[26:28]) == 2 && raw[32] == 'R' && raw[33] == 'R'
}

// parseBlock interprets a complete raw header.
func parseBlock(raw []byte, offset int64) (*Block, error) {
	b := &Block{
		CRC:      binary.LittleEndian.Uint16(raw[0:2]),
		Type:     BlockType(raw[2]),
		Flags:    binary.LittleEndian.Uint16(raw[3:5]),
		HeadSize: binary.LittleEndian.Uint16(raw[5:7]),
	}
	b.Offset = offset
	b.Header = raw
	if hasAddSize(b.Type, b.Flags) {
		if len(raw) < HeaderSize+4 {
			return nil, fmt.Errorf("block type 0x%02x too short for data size field", byte(b.Type))
		}
		b.Length = int64(binary.LittleEndian.Uint32(raw[7:11]))
	}
	var err error
	switch {
	case b.Type == TypeVolumeHeader:
		b.Kind = KindVolumeHeader
	case b.Type == TypeFile:
		b.Kind = KindFile
		b.File, err = parseFileHeader(raw, b.Flags)
	case isNewRecovery(b.Type, raw):
		b.Kind = KindRecovery
		b.File, err = parseFileHeader(raw, b.Flags)
		if err == nil {
			b.Recovery, err = parseNewRecovery(raw, b.File)
		}
	case b.Type == TypeOldRecovery:
		b.Kind = KindOldRecovery
		b.Recovery, err = parseOldRecovery(raw)
	case b.Type == TypeEnd:
		b.Kind = KindEnd
	case b.Type == TypeSrrHeader:
		b.Kind = KindSrrHeader
		b.Srr = &SrrFields{AppName: "Unknown"}
		if b.Flags&SrrHeaderFlagAppName != 0 {
			b.Srr.AppName, _, err = readName(raw, HeaderSize)
		}
	case b.Type == TypeSrrStoredFile:
		b.Kind = KindSrrStoredFile
		b.Srr = &SrrFields{FileSize: uint64(b.Length)}
		b.Srr.Name, _, err = readName(raw, HeaderSize+4)
	case b.Type == TypeSrrOsoHash:
		b.Kind = KindSrrOsoHash
		if len(raw) < HeaderSize+16 {
			return nil, fmt.Errorf("oso hash block too short")
		}
		b.Srr = &SrrFields{
			FileSize: binary.LittleEndian.Uint64(raw[7:15]),
			OsoHash:  binary.LittleEndian.Uint64(raw[15:23]),
		}
		b.Srr.Name, _, err = readName(raw, HeaderSize+16)
	case b.Type == TypeSrrPadding:
		b.Kind = KindSrrPadding
	case b.Type == TypeSrrRarFile:
		b.Kind = KindSrrRarFile
		b.Srr = &SrrFields{}
		b.Srr.Name, _, err = readName(raw, HeaderSize)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func parseFileHeader(raw []byte, flags uint16) (*FileHeader, error) {
	if len(raw) < 32 {
		return nil, fmt.Errorf("file header too short (%d bytes)", len(raw))
	}
	fh := &FileHeader{
		PackedSize:   uint64(binary.LittleEndian.Uint32(raw[7:11])),
		UnpackedSize: uint64(binary.LittleEndian.Uint32(raw[11:15])),
		HostOS:       raw[15],
		FileCRC:      binary.LittleEndian.Uint32(raw[16:20]),
		Method:       raw[25],
	}
	nameLen := int(binary.LittleEndian.Uint16(raw[26:28]))
	p := 32
	if flags&FileFlagLargeFile != 0 {
		if len(raw) < 40 {
			return nil, fmt.Errorf("large file header too short (%d bytes)", len(raw))
		}
		fh.PackedSize += uint64(binary.LittleEndian.Uint32(raw[32:36])) << 32
		fh.UnpackedSize += uint64(binary.LittleEndian.Uint32(raw[36:40])) << 32
		p = 40
	}
	if p+nameLen > len(raw) {
		return nil, fmt.Errorf("file name runs past header")
	}
	name := raw[p : p+nameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	fh.Name = string(name)
	return fh, nil
}

func parseNewRecovery(raw []byte, fh *FileHeader) (*Recovery, error) {
	// name "RR" ends at 34, then "Protect+", sector counts
	const p = 34 + 8
	if len(raw) < p+12 {
		return &Recovery{}, nil
	}
	return &Recovery{
		RecoverySectors: binary.LittleEndian.Uint32(raw[p : p+4]),
		DataSectors:     binary.LittleEndian.Uint64(raw[p+4 : p+12]),
	}, nil
}

func parseOldRecovery(raw []byte) (*Recovery, error) {
	if len(raw) < 18 {
		return nil, fmt.Errorf("old recovery header too short (%d bytes)", len(raw))
	}
	return &Recovery{
		RecoverySectors: uint32(binary.LittleEndian.Uint16(raw[12:14])),
		DataSectors:     uint64(binary.LittleEndian.Uint32(raw[14:18])),
	}, nil
}

func readName(raw []byte, p int) (string, int, error) {
	if p+2 > len(raw) {
		return "", p, fmt.Errorf("name length runs past header")
	}
	n := int(binary.LittleEndian.Uint16(raw[p : p+2]))
	p += 2
	if p+n > len(raw) {
		return "", p, fmt.Errorf("name runs past header")
	}
	return string(raw[p : p+n]), p + n, nil
}
