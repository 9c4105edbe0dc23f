package rar_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"example.com/rescene/internal/checksum"
	"example.com/rescene/internal/rar"
)

func TestRecoveryParityInvariant(t *testing.T) {
	data := testData(10*rar.SectorSize + 100)
	n := int64(len(data))
	protected := rar.ProtectedSectors(n)
	if protected != 11 {
		t.Fatalf("ProtectedSectors = %d", protected)
	}
	for _, slots := range []uint32{1, 3} {
		out, err := rar.RecoveryData(bytes.NewReader(data), n, protected, slots)
		if err != nil {
			t.Fatalf("RecoveryData(%d): %v", slots, err)
		}
		if int64(len(out)) != rar.RecoveryDataSize(protected, slots) {
			t.Fatalf("len = %d", len(out))
		}
		padded := make([]byte, protected*rar.SectorSize)
		copy(padded, data)
		parity := out[protected*2:]
		for slot := 0; slot < int(slots); slot++ {
			acc := make([]byte, rar.SectorSize)
			copy(acc, parity[slot*rar.SectorSize:(slot+1)*rar.SectorSize])
			for s := slot; s < int(protected); s += int(slots) {
				for i := range acc {
					acc[i] ^= padded[s*rar.SectorSize+i]
				}
			}
			if !bytes.Equal(acc, make([]byte, rar.SectorSize)) {
				t.Fatalf("slots=%d slot %d does not fold to zero", slots, slot)
			}
		}
		for s := 0; s < int(protected); s++ {
			got := binary.LittleEndian.Uint16(out[s*2:])
			if want := checksum.Sector16(padded[s*rar.SectorSize : (s+1)*rar.SectorSize]); got != want {
				t.Fatalf("sector %d crc %04x, want %04x", s, got, want)
			}
		}
	}
}

func TestRecoveryDataRejectsZeroSlots(t *testing.T) {
	if _, err := rar.RecoveryData(bytes.NewReader(nil), 0, 0, 0); err == nil {
		t.Fatalf("expected error")
	}
}
