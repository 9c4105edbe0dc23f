package ebml

import "errors"

var errVarint = errors.New("invalid variable length integer")

// VarintLength returns the encoded length announced by the first byte of a
// variable length integer: the position of its leading one bit. It returns 0
// for a zero byte.
func VarintLength(first byte) int {
	for i := 0; i < 8; i++ {
		if first&(0x80>>i) != 0 {
			return i + 1
		}
	}
	return 0
}

// Uint decodes the variable length integer at the start of b with its
// length marker masked off. It returns the value and the bytes consumed.
func Uint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errVarint
	}
	n := VarintLength(b[0])
	if n == 0 || n > len(b) {
		return 0, 0, errVarint
	}
	v := uint64(b[0] & (0xFF >> n))
	for _, c := range b[1:n] {
		v = v<<8 | uint64(c)
	}
	return v, n, nil
}

// AppendUint appends the shortest encoding of v. The all-ones value of each
// width is reserved and never produced.
func AppendUint(dst []byte, v uint64) []byte {
	n := 1
	for ; n < 8; n++ {
		if v < 1<<(7*n)-1 {
			break
		}
	}
	if n == 8 {
		// eight byte form
		dst = append(dst, 0x01)
		for i := 6; i >= 0; i-- {
			dst = append(dst, byte(v>>(8*i)))
		}
		return dst
	}
	v |= 1 << (7 * n)
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

// AppendID appends an element identifier. IDs keep their length marker, so
// the value is written with its significant bytes only.
func AppendID(dst []byte, id uint32) []byte {
	switch {
	case id > 0xFFFFFF:
		return append(dst, byte(id>>24), byte(id>>16), byte(id>>8), byte(id))
	case id > 0xFFFF:
		return append(dst, byte(id>>16), byte(id>>8), byte(id))
	case id > 0xFF:
		return append(dst, byte(id>>8), byte(id))
	default:
		return append(dst, byte(id))
	}
}

// AppendElement appends an element with its payload.
func AppendElement(dst []byte, id uint32, payload []byte) []byte {
	dst = AppendID(dst, id)
	dst = AppendUint(dst, uint64(len(payload)))
	return append(dst, payload...)
}
