package ebml

import "fmt"

// Lacing is the lacing mode stored in bits 1-2 of the block flags.
type Lacing byte

const (
	LacingNone  Lacing = 0
	LacingXiph  Lacing = 2
	LacingFixed Lacing = 4
	LacingEBML  Lacing = 6
)

func (l Lacing) String() string {
	switch l {
	case LacingNone:
		return "none"
	case LacingXiph:
		return "xiph"
	case LacingFixed:
		return "fixed"
	case LacingEBML:
		return "ebml"
	}
	return fmt.Sprintf("lacing(%d)", byte(l))
}

// FrameLengths decodes the lace header at the start of b for a block whose
// data after the track, timecode and flags fields is dataLength bytes long.
// It returns the frame lengths and the number of lace header bytes consumed.
// The frame lengths plus the consumed bytes add up to dataLength.
func FrameLengths(l Lacing, dataLength int64, b []byte) ([]int64, int, error) {
	if l == LacingNone {
		return []int64{dataLength}, 0, nil
	}
	if len(b) < 1 {
		return nil, 0, fmt.Errorf("lace header missing")
	}
	count := int(b[0]) + 1
	used := 1
	frames := make([]int64, count)
	var sum int64

	switch l {
	case LacingXiph:
		for i := 0; i < count-1; i++ {
			for {
				if used >= len(b) {
					return nil, 0, fmt.Errorf("xiph lace header truncated")
				}
				c := b[used]
				used++
				frames[i] += int64(c)
				if c != 0xFF {
					break
				}
			}
			sum += frames[i]
		}
	case LacingFixed:
		if rem := (dataLength - int64(used)) % int64(count); rem != 0 {
			return nil, 0, fmt.Errorf("fixed lacing of %d frames leaves %d stray bytes", count, rem)
		}
		size := (dataLength - int64(used)) / int64(count)
		for i := 0; i < count-1; i++ {
			frames[i] = size
			sum += size
		}
	case LacingEBML:
		for i := 0; i < count-1; i++ {
			v, n, err := Uint(b[used:])
			if err != nil {
				return nil, 0, fmt.Errorf("ebml lace size %d: %w", i, err)
			}
			used += n
			if i == 0 {
				frames[i] = int64(v)
			} else {
				delta := int64(v) - (int64(1)<<(7*n-1) - 1)
				frames[i] = frames[i-1] + delta
			}
			if frames[i] < 0 {
				return nil, 0, fmt.Errorf("negative lace size %d", frames[i])
			}
			sum += frames[i]
		}
	default:
		return nil, 0, fmt.Errorf("unknown lacing %d", byte(l))
	}
	last := dataLength - int64(used) - sum
	if last < 0 {
		return nil, 0, fmt.Errorf("lace sizes exceed block data (%d > %d)", sum+int64(used), dataLength)
	}
	frames[count-1] = last
	return frames, used, nil
}

// AppendXiphLace appends a Xiph lace header for frames.
func AppendXiphLace(dst []byte, frames []int64) []byte {
	dst = append(dst, byte(len(frames)-1))
	for _, f := range frames[:len(frames)-1] {
		for ; f >= 0xFF; f -= 0xFF {
			dst = append(dst, 0xFF)
		}
		dst = append(dst, byte(f))
	}
	return dst
}
