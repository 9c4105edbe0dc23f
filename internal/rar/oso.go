package rar

import (
	"encoding/binary"
	"fmt"

	"example.com/rescene/internal/common"
	"example.com/rescene/internal/container"
)

// OsoChunkSize is the size of the head and tail windows of an OSO hash.
const OsoChunkSize = 64 * 1024

// OsoHash computes the OpenSubtitles hash of src: its size plus the sum of
// all little-endian 64-bit words of the first and the last 64 KiB, modulo
// 2^64. Sources smaller than one window fail with ErrInsufficientData.
func OsoHash(src container.Source) (uint64, error) {
	size := src.Size()
	if size < OsoChunkSize {
		return 0, fmt.Errorf("%w: %d bytes is below the %d byte hash window", common.ErrInsufficientData, size, OsoChunkSize)
	}
	hash := uint64(size)
	buf := make([]byte, OsoChunkSize)
	for _, off := range []int64{0, size - OsoChunkSize} {
		if err := container.ReadFull(src, buf, off); err != nil {
			return 0, fmt.Errorf("oso hash read at %d: %w", off, err)
		}
		for i := 0; i < OsoChunkSize; i += 8 {
			hash += binary.LittleEndian.Uint64(buf[i : i+8])
		}
	}
	return hash, nil
}

// FormatOsoHash renders h the way hash listings print it.
func FormatOsoHash(h uint64) string {
	return fmt.Sprintf("%016x", h)
}
