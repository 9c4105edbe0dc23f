package rar

import (
	"encoding/binary"
	"fmt"
)

const maxHeadSize = 0xFFFF

// putHeader fills the fixed part of a block header.
func putHeader(raw []byte, crc uint16, t BlockType, flags uint16) {
	binary.LittleEndian.PutUint16(raw[0:2], crc)
	raw[2] = byte(t)
	binary.LittleEndian.PutUint16(raw[3:5], flags)
	binary.LittleEndian.PutUint16(raw[5:7], uint16(len(raw)))
}

func putName(raw []byte, p int, name string) {
	binary.LittleEndian.PutUint16(raw[p:p+2], uint16(len(name)))
	copy(raw[p+2:], name)
}

func checkHeadSize(n int, what string) error {
	if n > maxHeadSize {
		return fmt.Errorf("%s header of %d bytes exceeds %d", what, n, maxHeadSize)
	}
	return nil
}

// SrrHeaderBlock builds the descriptor header block naming the creating
// application. An empty appName omits the field.
func SrrHeaderBlock(appName string) ([]byte, error) {
	size := HeaderSize
	var flags uint16
	if appName != "" {
		size += 2 + len(appName)
		flags = SrrHeaderFlagAppName
	}
	if err := checkHeadSize(size, "descriptor"); err != nil {
		return nil, err
	}
	raw := make([]byte, size)
	putHeader(raw, 0x6969, TypeSrrHeader, flags)
	if appName != "" {
		putName(raw, HeaderSize, appName)
	}
	return raw, nil
}

// SrrStoredFileBlock builds the header of a stored file block. The size bytes
// of file content must follow it.
func SrrStoredFileBlock(name string, size uint32, pathsSaved bool) ([]byte, error) {
	hs := HeaderSize + 4 + 2 + len(name)
	if err := checkHeadSize(hs, "stored file"); err != nil {
		return nil, err
	}
	flags := FlagLongBlock
	if pathsSaved {
		flags |= SrrStoredFlagPaths
	}
	raw := make([]byte, hs)
	putHeader(raw, 0x6A6A, TypeSrrStoredFile, flags)
	binary.LittleEndian.PutUint32(raw[7:11], size)
	putName(raw, 11, name)
	return raw, nil
}

// SrrOsoHashBlock builds an OSO hash block for an archived file.
func SrrOsoHashBlock(name string, size, hash uint64) ([]byte, error) {
	hs := HeaderSize + 16 + 2 + len(name)
	if err := checkHeadSize(hs, "oso hash"); err != nil {
		return nil, err
	}
	raw := make([]byte, hs)
	putHeader(raw, 0x6B6B, TypeSrrOsoHash, 0)
	binary.LittleEndian.PutUint64(raw[7:15], size)
	binary.LittleEndian.PutUint64(raw[15:23], hash)
	putName(raw, 23, name)
	return raw, nil
}

// SrrPaddingBlock builds the header of a padding block. The n trailing bytes
// found after an archive-end block must follow it.
func SrrPaddingBlock(n uint32) []byte {
	raw := make([]byte, HeaderSize+4)
	putHeader(raw, 0x6C6C, TypeSrrPadding, FlagLongBlock)
	binary.LittleEndian.PutUint32(raw[7:11], n)
	return raw
}

// SrrRarFileBlock builds the marker that opens the blocks of one volume.
func SrrRarFileBlock(name string, flags uint16) ([]byte, error) {
	hs := HeaderSize + 2 + len(name)
	if err := checkHeadSize(hs, "volume marker"); err != nil {
		return nil, err
	}
	raw := make([]byte, hs)
	putHeader(raw, 0x7171, TypeSrrRarFile, flags)
	putName(raw, HeaderSize, name)
	return raw, nil
}
