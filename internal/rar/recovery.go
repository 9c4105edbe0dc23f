package rar

import (
	"encoding/binary"
	"fmt"
	"io"

	"example.com/rescene/internal/checksum"
	"example.com/rescene/internal/container"
)

// SectorSize is the unit protected by a recovery record.
const SectorSize = 512

// RecoveryDataSize returns the size of the data that follows a recovery
// record header: two CRC bytes per protected sector, then the parity sectors.
func RecoveryDataSize(protectedSectors uint64, recoverySectors uint32) int64 {
	return int64(protectedSectors)*2 + int64(recoverySectors)*SectorSize
}

// RecoveryData computes the data of a recovery record protecting the first n
// bytes of src. The bytes are split into 512 byte sectors, the last one zero
// padded. For every sector the low 16 bits of its raw CRC state go to the
// table, and the sector is folded by XOR into parity slot i mod
// recoverySectors.
func RecoveryData(src io.ReaderAt, n int64, protectedSectors uint64, recoverySectors uint32) ([]byte, error) {
	if recoverySectors == 0 {
		return nil, fmt.Errorf("recovery record without recovery sectors")
	}
	out := make([]byte, RecoveryDataSize(protectedSectors, recoverySectors))
	crcs := out[:protectedSectors*2]
	parity := out[protectedSectors*2:]

	sector := make([]byte, SectorSize)
	slot := 0
	var index uint64
	for pos := int64(0); pos < n; pos += SectorSize {
		want := int64(SectorSize)
		if n-pos < want {
			want = n - pos
			clear(sector[want:])
		}
		if err := container.ReadFull(src, sector[:want], pos); err != nil {
			return nil, fmt.Errorf("read sector at %d: %w", pos, err)
		}
		if index < protectedSectors {
			binary.LittleEndian.PutUint16(crcs[index*2:], checksum.Sector16(sector))
		}
		index++

		p := parity[slot*SectorSize : (slot+1)*SectorSize]
		for i := range p {
			p[i] ^= sector[i]
		}
		slot++
		if slot == int(recoverySectors) {
			slot = 0
		}
	}
	return out, nil
}

// ProtectedSectors returns the number of sectors covering n bytes.
func ProtectedSectors(n int64) uint64 {
	return uint64((n + SectorSize - 1) / SectorSize)
}
