package srs

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"example.com/rescene/internal/common"
)

// DefaultSignatureSize is the number of leading track bytes recorded for
// locating a track in the full file.
const DefaultSignatureSize = 256

// BigFileThreshold is the sample size from which the big file flag is
// required.
const BigFileThreshold = 0x80000000

// Track is a track descriptor: the persisted record plus the state of the
// locator and the spill file holding extracted data.
type Track struct {
	TrackRecord

	check       []byte
	matchLength int64
	spill       *Spill
}

// HasSignature reports whether the track is searched for. Tracks that held
// no payload in the sample have no signature.
func (t *Track) HasSignature() bool { return len(t.Signature) > 0 }

// Located reports whether a match offset is known.
func (t *Track) Located() bool { return t.MatchOffset != 0 }

// Extracted returns the number of bytes spilled for the track.
func (t *Track) Extracted() int64 {
	if t.spill == nil {
		return 0
	}
	return t.spill.Len()
}

func (t *Track) complete() bool {
	return t.Extracted() >= t.DataLength
}

// grow appends payload to the signature until it holds size bytes.
func (t *Track) grow(payload []byte, size int) {
	if len(t.Signature) >= size {
		return
	}
	need := size - len(t.Signature)
	if need > len(payload) {
		need = len(payload)
	}
	t.Signature = append(t.Signature, payload[:need]...)
}

func (t *Track) resetMatch() {
	t.check = nil
	t.MatchOffset = 0
	t.matchLength = 0
}

// extend continues a partial match with data. It returns false and drops the
// candidate when the bytes diverge from the signature.
func (t *Track) extend(data []byte) bool {
	n := len(t.Signature) - len(t.check)
	if n > len(data) {
		n = len(data)
	}
	cand := append(append([]byte(nil), t.check...), data[:n]...)
	if !bytes.Equal(cand, t.Signature[:len(cand)]) {
		t.resetMatch()
		return false
	}
	t.check = cand
	t.addMatch(int64(len(data)))
	return true
}

// startAt tries to begin a match with data, which sits at absolute offset
// off.
func (t *Track) startAt(data []byte, off int64) bool {
	n := len(t.Signature)
	if n > len(data) {
		n = len(data)
	}
	if n == 0 || !bytes.Equal(data[:n], t.Signature[:n]) {
		return false
	}
	t.check = append([]byte(nil), data[:n]...)
	t.MatchOffset = off
	t.matchLength = 0
	t.addMatch(int64(len(data)))
	return true
}

func (t *Track) addMatch(n int64) {
	if left := t.DataLength - t.matchLength; n > left {
		n = left
	}
	t.matchLength += n
}

// matching reports whether a match is started but shorter than the
// signature.
func (t *Track) matching() bool {
	return t.check != nil && len(t.check) < len(t.Signature)
}

// confirmed reports whether the full signature matched.
func (t *Track) confirmed() bool {
	return t.MatchOffset != 0 && len(t.check) == len(t.Signature)
}

// Attachment is an attached file of a Matroska sample.
type Attachment struct {
	Name string
	Size int64

	spill *Spill
}

// Descriptor is the in-memory form of a sample descriptor, or the profile of
// a sample before one is written.
type Descriptor struct {
	Type FileType
	File FileRecord

	Tracks      []*Track
	Attachments []*Attachment

	// Metadata is the number of bytes outside track and attachment payload
	// counted while profiling.
	Metadata int64

	// sampleStrip holds the header bytes the sample strips from the frames
	// of each track.
	sampleStrip map[int][]byte
}

// restrip converts frames of the full file into the form the sample holds
// them in when the two files strip different frame headers.
type restrip struct {
	main, sample []byte
}

func (d *Descriptor) restrip(mainStrip map[int][]byte, track int) restrip {
	return restrip{main: mainStrip[track], sample: d.sampleStrip[track]}
}

func (s restrip) frame(f []byte) []byte {
	if bytes.Equal(s.main, s.sample) {
		return f
	}
	full := f
	if len(s.main) > 0 {
		full = make([]byte, 0, len(s.main)+len(f))
		full = append(append(full, s.main...), f...)
	}
	return full[min(len(s.sample), len(full)):]
}

// delta is the size difference of a converted frame.
func (s restrip) delta() int64 {
	if bytes.Equal(s.main, s.sample) {
		return 0
	}
	return int64(len(s.main) - len(s.sample))
}

// Track returns the descriptor of track n, or nil.
func (d *Descriptor) Track(n int) *Track {
	i := sort.Search(len(d.Tracks), func(i int) bool { return d.Tracks[i].Number >= n })
	if i < len(d.Tracks) && d.Tracks[i].Number == n {
		return d.Tracks[i]
	}
	return nil
}

// addTrack returns the descriptor of track n, creating it in number order.
func (d *Descriptor) addTrack(n int) *Track {
	if t := d.Track(n); t != nil {
		return t
	}
	t := &Track{TrackRecord: TrackRecord{Number: n}}
	i := sort.Search(len(d.Tracks), func(i int) bool { return d.Tracks[i].Number >= n })
	d.Tracks = append(d.Tracks, nil)
	copy(d.Tracks[i+1:], d.Tracks[i:])
	d.Tracks[i] = t
	return t
}

// Attachment returns the attachment called name, or nil.
func (d *Descriptor) Attachment(name string) *Attachment {
	for _, a := range d.Attachments {
		if a.Name == name {
			return a
		}
	}
	return nil
}

func (d *Descriptor) addAttachment(name string) *Attachment {
	if a := d.Attachment(name); a != nil {
		return a
	}
	a := &Attachment{Name: name}
	d.Attachments = append(d.Attachments, a)
	return a
}

// TrackBytes returns the payload bytes of all tracks.
func (d *Descriptor) TrackBytes() int64 {
	var n int64
	for _, t := range d.Tracks {
		n += t.DataLength
	}
	return n
}

// AttachmentBytes returns the payload bytes of all attachments.
func (d *Descriptor) AttachmentBytes() int64 {
	var n int64
	for _, a := range d.Attachments {
		n += a.Size
	}
	return n
}

// dropUnsigned removes the tracks that have no signature.
func (d *Descriptor) dropUnsigned() {
	kept := d.Tracks[:0]
	for _, t := range d.Tracks {
		if t.HasSignature() {
			kept = append(kept, t)
		}
	}
	d.Tracks = kept
}

// notFound returns one error per signed track the locator could not confirm.
func (d *Descriptor) notFound() error {
	var errs []error
	for _, t := range d.Tracks {
		if t.HasSignature() && !t.Located() {
			errs = append(errs, fmt.Errorf("track %d: %w", t.Number, common.ErrSignatureNotFound))
		}
	}
	return errors.Join(errs...)
}

// Close deletes every spill file.
func (d *Descriptor) Close() error {
	var errs []error
	for _, t := range d.Tracks {
		if err := t.spill.Close(); err != nil {
			errs = append(errs, err)
		}
		t.spill = nil
	}
	for _, a := range d.Attachments {
		if err := a.spill.Close(); err != nil {
			errs = append(errs, err)
		}
		a.spill = nil
	}
	return errors.Join(errs...)
}
