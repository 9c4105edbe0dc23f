package checksum

import "hash/crc32"

// Start is the initial running state. The published checksum of a byte
// sequence is the complement of the final state.
const Start uint32 = 0xFFFFFFFF

// Update folds p into a running state. Splitting the input across any number
// of calls yields the same state as a single call over the concatenation.
func Update(state uint32, p []byte) uint32 {
	if len(p) == 0 {
		return state
	}
	return ^crc32.Update(^state, crc32.IEEETable, p)
}

// Finish turns a running state into the published checksum.
func Finish(state uint32) uint32 {
	return ^state
}

// Sum returns the published checksum of p.
func Sum(p []byte) uint32 {
	return Finish(Update(Start, p))
}

// Sector16 returns the low 16 bits of the raw running state over one sector,
// the value archive recovery records store per protected sector.
func Sector16(sector []byte) uint16 {
	return uint16(Update(Start, sector) & 0xFFFF)
}

// Running accumulates a checksum over everything written to it.
type Running struct {
	state uint32
	n     int64
}

// NewRunning returns a Running at the start state.
func NewRunning() *Running {
	return &Running{state: Start}
}

// Write implements io.Writer.
func (r *Running) Write(p []byte) (int, error) {
	r.state = Update(r.state, p)
	r.n += int64(len(p))
	return len(p), nil
}

// WriteByte folds a single byte.
func (r *Running) WriteByte(b byte) error {
	_, err := r.Write([]byte{b})
	return err
}

// State returns the raw running state.
func (r *Running) State() uint32 { return r.state }

// Sum32 returns the published checksum of everything written so far.
func (r *Running) Sum32() uint32 { return Finish(r.state) }

// Len returns the number of bytes folded so far.
func (r *Running) Len() int64 { return r.n }

// Reset returns to the start state.
func (r *Running) Reset() {
	r.state = Start
	r.n = 0
}
