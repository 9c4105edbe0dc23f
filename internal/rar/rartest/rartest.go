// Package rartest builds stored archive volume sets for tests.
package rartest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"example.com/rescene/internal/checksum"
	"example.com/rescene/internal/rar"
)

// Marker returns the archive marker block.
func Marker() []byte {
	return []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}
}

func header(t rar.BlockType, flags uint16, size int) []byte {
	raw := make([]byte, size)
	binary.LittleEndian.PutUint16(raw[0:2], 0x1234)
	raw[2] = byte(t)
	binary.LittleEndian.PutUint16(raw[3:5], flags)
	binary.LittleEndian.PutUint16(raw[5:7], uint16(size))
	return raw
}

// VolumeHeader returns a volume header block with flags.
func VolumeHeader(flags uint16) []byte {
	return header(rar.TypeVolumeHeader, flags, 13)
}

// FileHeader returns a file block header. Sizes above 4 GiB set the large
// file flag.
func FileHeader(name string, flags uint16, packed, unpacked uint64, crc uint32, method byte) []byte {
	size := 32
	if packed > 0xFFFFFFFF || unpacked > 0xFFFFFFFF {
		flags |= rar.FileFlagLargeFile
	}
	if flags&rar.FileFlagLargeFile != 0 {
		size = 40
	}
	raw := header(rar.TypeFile, flags|rar.FlagLongBlock, size+len(name))
	binary.LittleEndian.PutUint32(raw[7:11], uint32(packed))
	binary.LittleEndian.PutUint32(raw[11:15], uint32(unpacked))
	raw[15] = 2
	binary.LittleEndian.PutUint32(raw[16:20], crc)
	raw[24] = 29
	raw[25] = method
	binary.LittleEndian.PutUint16(raw[26:28], uint16(len(name)))
	binary.LittleEndian.PutUint32(raw[28:32], 0x20)
	if size == 40 {
		binary.LittleEndian.PutUint32(raw[32:36], uint32(packed>>32))
		binary.LittleEndian.PutUint32(raw[36:40], uint32(unpacked>>32))
	}
	copy(raw[size:], name)
	return raw
}

// RecoveryHeader returns a new style recovery record header.
func RecoveryHeader(protected uint64, recovery uint32) []byte {
	raw := header(rar.TypeNewSub, rar.FlagLongBlock, 54)
	dataSize := uint32(rar.RecoveryDataSize(protected, recovery))
	binary.LittleEndian.PutUint32(raw[7:11], dataSize)
	binary.LittleEndian.PutUint32(raw[11:15], dataSize)
	raw[25] = rar.MethodStore
	binary.LittleEndian.PutUint16(raw[26:28], 2)
	copy(raw[32:], "RRProtect+")
	binary.LittleEndian.PutUint32(raw[42:46], recovery)
	binary.LittleEndian.PutUint64(raw[46:54], protected)
	return raw
}

// OldRecoveryHeader returns an old style recovery record header.
func OldRecoveryHeader(protected uint32, recovery uint16) []byte {
	raw := header(rar.TypeOldRecovery, rar.FlagLongBlock, 26)
	binary.LittleEndian.PutUint32(raw[7:11], uint32(rar.RecoveryDataSize(uint64(protected), uint32(recovery))))
	raw[11] = 1
	binary.LittleEndian.PutUint16(raw[12:14], recovery)
	binary.LittleEndian.PutUint32(raw[14:18], protected)
	copy(raw[18:], "Protect!")
	return raw
}

// EndBlock returns an archive-end block.
func EndBlock() []byte {
	return header(rar.TypeEnd, 0x4000, 7)
}

// Options shapes a generated set.
type Options struct {
	// FileName is the packed file name. Defaults to "data.bin".
	FileName        string
	NewNumbering    bool
	Method          byte
	RecoverySectors uint32
	// Trailing is appended after the end block of the last volume.
	Trailing []byte
}

// VolumeNames returns the file names of an n volume set.
func VolumeNames(base string, n int, newNumbering bool) []string {
	names := make([]string, n)
	if newNumbering {
		width := len(strconv.Itoa(n))
		if width < 2 {
			width = 2
		}
		for i := range names {
			names[i] = fmt.Sprintf("%s.part%0*d.rar", base, width, i+1)
		}
		return names
	}
	for i := range names {
		if i == 0 {
			names[i] = base + ".rar"
		} else {
			names[i] = fmt.Sprintf("%s.r%02d", base, i-1)
		}
	}
	return names
}

// WriteSet splits data into volumes of the given packed sizes under dir and
// returns their paths in sequence order.
func WriteSet(dir, base string, data []byte, sizes []int64, opts Options) ([]string, error) {
	if opts.FileName == "" {
		opts.FileName = "data.bin"
	}
	if opts.Method == 0 {
		opts.Method = rar.MethodStore
	}
	var total int64
	for _, n := range sizes {
		total += n
	}
	if total != int64(len(data)) {
		return nil, fmt.Errorf("sizes add up to %d, data has %d bytes", total, len(data))
	}
	names := VolumeNames(base, len(sizes), opts.NewNumbering)
	paths := make([]string, len(names))
	whole := checksum.Sum(data)
	var off int64
	for i, n := range sizes {
		part := data[off : off+n]
		off += n

		volFlags := rar.VolumeFlagVolume
		if i == 0 {
			volFlags |= rar.VolumeFlagFirstVolume
		}
		if opts.NewNumbering {
			volFlags |= rar.VolumeFlagNewNumbering
		}
		var fileFlags uint16
		crc := whole
		if i > 0 {
			fileFlags |= rar.FileFlagSplitBefore
		}
		if i < len(sizes)-1 {
			fileFlags |= rar.FileFlagSplitAfter
			crc = checksum.Sum(part)
		}

		var buf bytes.Buffer
		buf.Write(Marker())
		buf.Write(VolumeHeader(volFlags))
		buf.Write(FileHeader(opts.FileName, fileFlags, uint64(n), uint64(len(data)), crc, opts.Method))
		buf.Write(part)
		if opts.RecoverySectors > 0 {
			protected := rar.ProtectedSectors(int64(buf.Len()))
			rr, err := rar.RecoveryData(bytes.NewReader(buf.Bytes()), int64(buf.Len()), protected, opts.RecoverySectors)
			if err != nil {
				return nil, err
			}
			buf.Write(RecoveryHeader(protected, opts.RecoverySectors))
			buf.Write(rr)
		}
		buf.Write(EndBlock())
		if i == len(sizes)-1 {
			buf.Write(opts.Trailing)
		}

		paths[i] = filepath.Join(dir, names[i])
		if err := os.WriteFile(paths[i], buf.Bytes(), 0o644); err != nil {
			return nil, err
		}
	}
	return paths, nil
}
