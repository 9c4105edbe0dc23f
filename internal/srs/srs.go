// Package srs creates sample descriptors from Matroska and AVI samples and
// rebuilds the samples from a descriptor and the full file they were cut
// from.
package srs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"example.com/rescene/internal/checksum"
	"example.com/rescene/internal/common"
	"example.com/rescene/internal/container"
	"example.com/rescene/internal/rar"
)

// FileType is the container format of a sample.
type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeMKV
	FileTypeAVI
)

func (t FileType) String() string {
	switch t {
	case FileTypeMKV:
		return "MKV"
	case FileTypeAVI:
		return "AVI"
	default:
		return "Unknown"
	}
}

var (
	magicMKV = []byte{0x1A, 0x45, 0xDF, 0xA3}
	magicAVI = []byte("RIFF")
	magicRAR = []byte("Rar!")
)

func sniff(head []byte) FileType {
	switch {
	case bytes.Equal(head, magicMKV):
		return FileTypeMKV
	case bytes.Equal(head, magicAVI):
		return FileTypeAVI
	}
	return FileTypeUnknown
}

// openSource opens path for reading. A RAR first volume is opened as the
// stored file it holds.
func openSource(path string) (*container.BufferedSource, FileType, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, FileTypeUnknown, fmt.Errorf("%s: %w", path, common.ErrMissingInput)
		}
		return nil, FileTypeUnknown, err
	}
	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		f.Close()
		return nil, FileTypeUnknown, nil
	}
	f.Close()

	var src *container.BufferedSource
	if bytes.Equal(head, magicRAR) {
		s, err := rar.NewStream(path)
		if err != nil {
			return nil, FileTypeUnknown, err
		}
		src = container.NewBufferedSource(s, s.Size(), 0)
	} else if src, err = container.OpenFile(path); err != nil {
		return nil, FileTypeUnknown, err
	}
	if err := container.ReadFull(src, head, 0); err != nil {
		src.Close()
		return nil, FileTypeUnknown, nil
	}
	return src, sniff(head), nil
}

// DetectFileType reports the container format of path, looking inside RAR
// volumes.
func DetectFileType(path string) (FileType, error) {
	src, ft, err := openSource(path)
	if src != nil {
		src.Close()
	}
	return ft, err
}

// Options tune a sample job.
type Options struct {
	AppName string
	// SignatureSize caps the signature recorded per track. Zero selects
	// DefaultSignatureSize.
	SignatureSize int
	// BigFile allows samples from BigFileThreshold up and stores eight byte
	// track lengths.
	BigFile bool
	// Check names a full file in which every track must be found before a
	// descriptor is written. The match offsets are stored.
	Check string
	// SpillDir holds spill files. Empty selects the output directory.
	SpillDir string

	Overwrite common.OverwriteFunc
	Warn      common.Sink
	Metrics   *common.Metrics
}

func (o Options) signatureSize() int {
	switch {
	case o.SignatureSize <= 0:
		return DefaultSignatureSize
	case o.SignatureSize > 0xFFFF:
		return 0xFFFF
	}
	return o.SignatureSize
}

func (o Options) warn(format string, args ...interface{}) {
	o.Metrics.IncWarning()
	o.Warn.Emit(format, args...)
}

// Result compares a rebuilt sample with its descriptor.
type Result struct {
	Path     string
	Expected FileRecord
	Size     int64
	CRC      uint32
}

// OK reports whether the rebuilt sample matches.
func (r *Result) OK() bool {
	return r.CRC == r.Expected.CRC && r.Size == r.Expected.Size
}

// Profile walks a sample and returns its descriptor without writing one.
// The bytes accounted for must add up to the file size.
func Profile(path string, opts Options) (*Descriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, common.ErrMissingInput)
		}
		return nil, err
	}
	ft, err := DetectFileType(path)
	if err != nil {
		return nil, err
	}
	appName := opts.AppName
	if appName == "" {
		appName = "rescene"
	}
	d := &Descriptor{
		Type: ft,
		File: FileRecord{
			Flags:   DefaultFileFlags,
			AppName: appName,
			Name:    filepath.Base(path),
			Size:    info.Size(),
		},
	}
	switch ft {
	case FileTypeMKV:
		err = profileMKV(path, d, opts)
	case FileTypeAVI:
		err = profileAVI(path, d, opts)
	default:
		err = fmt.Errorf("%s: %w: no MKV or AVI data", path, common.ErrUnsupported)
	}
	if err != nil {
		return nil, err
	}
	if len(d.Tracks) == 0 {
		return d, fmt.Errorf("%s: %w: no A/V data found", path, common.ErrInsufficientData)
	}
	if total := d.Metadata + d.AttachmentBytes() + d.TrackBytes(); total != d.File.Size {
		return d, fmt.Errorf("%s: %w: parsed %d bytes of a %d byte file", path, common.ErrInsufficientData, total, d.File.Size)
	}
	return d, nil
}

// Create profiles a sample and writes its descriptor to srsPath.
func Create(samplePath, srsPath string, opts Options) (*Descriptor, error) {
	if info, err := os.Stat(samplePath); err == nil && info.Size() >= BigFileThreshold && !opts.BigFile {
		return nil, fmt.Errorf("%s: %w: samples of %d bytes need the big file option", samplePath, common.ErrUnsupported, info.Size())
	}
	d, err := Profile(samplePath, opts)
	if err != nil {
		return d, err
	}
	if opts.Check != "" {
		if err := Locate(d, opts.Check, opts); err != nil {
			return d, err
		}
		d.dropUnsigned()
	}
	if !opts.Overwrite.Allow(srsPath, common.Exists(srsPath)) {
		return d, fmt.Errorf("%s: %w", srsPath, common.ErrAborted)
	}
	if opts.BigFile {
		for _, t := range d.Tracks {
			t.Flags |= TrackFlagBigFile
		}
	}

	out, err := common.CreatePending(srsPath)
	if err != nil {
		return d, err
	}
	w := bufio.NewWriter(out)
	switch d.Type {
	case FileTypeMKV:
		err = createMKV(samplePath, w, d, opts)
	default:
		err = createAVI(samplePath, w, d, opts)
	}
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		out.Discard()
		return d, err
	}
	return d, out.Commit()
}

// Load reads the records of a descriptor.
func Load(srsPath string) (*Descriptor, error) {
	ft, err := DetectFileType(srsPath)
	if err != nil {
		return nil, err
	}
	d := &Descriptor{Type: ft}
	switch ft {
	case FileTypeMKV:
		err = loadMKV(srsPath, d)
	case FileTypeAVI:
		err = loadAVI(srsPath, d)
	default:
		err = fmt.Errorf("%s: %w: not a sample descriptor", srsPath, common.ErrUnsupported)
	}
	if err != nil {
		return nil, err
	}
	if d.File.Name == "" {
		return nil, common.NewFormatError(srsPath, 0, "descriptor holds no file record")
	}
	return d, nil
}

func (d *Descriptor) loadTrack(body []byte) error {
	var rec TrackRecord
	if err := rec.UnmarshalBinary(body); err != nil {
		return err
	}
	d.addTrack(rec.Number).TrackRecord = rec
	return nil
}

// checkFlags warns about record flags this package does not know. The
// rebuild goes on.
func (d *Descriptor) checkFlags(opts Options) {
	if extra := d.File.Flags &^ FileSupportedFlags; extra != 0 {
		opts.warn("%s: unsupported file record flags 0x%04x", d.File.Name, extra)
	}
	for _, t := range d.Tracks {
		if extra := t.Flags &^ TrackSupportedFlags; extra != 0 {
			opts.warn("track %d: unsupported flags 0x%04x", t.Number, extra)
		}
	}
}

// Located reports whether every track carries a match offset.
func (d *Descriptor) Located() bool {
	for _, t := range d.Tracks {
		if t.HasSignature() && !t.Located() {
			return false
		}
	}
	return len(d.Tracks) > 0
}

func (d *Descriptor) allMatched() bool {
	for _, t := range d.Tracks {
		if t.HasSignature() && (!t.confirmed() || t.matchLength < t.DataLength) {
			return false
		}
	}
	return true
}

func (d *Descriptor) tracksComplete() bool {
	for _, t := range d.Tracks {
		if !t.complete() {
			return false
		}
	}
	return true
}

func (d *Descriptor) attachmentsComplete() bool {
	for _, a := range d.Attachments {
		if a.spill == nil && a.Size > 0 {
			return false
		}
	}
	return true
}

func (d *Descriptor) firstMatch() int64 {
	start := int64(-1)
	for _, t := range d.Tracks {
		if t.MatchOffset > 0 && (start < 0 || t.MatchOffset < start) {
			start = t.MatchOffset
		}
	}
	if start < 0 {
		return 1<<63 - 1
	}
	return start
}

func (d *Descriptor) spillTrack(t *Track, data []byte, base string, opts Options) error {
	if t.spill == nil {
		s, err := NewSpill(opts.SpillDir, fmt.Sprintf("%s.%03d.*", base, t.Number))
		if err != nil {
			return err
		}
		t.spill = s
	}
	if left := t.DataLength - t.spill.Len(); int64(len(data)) > left {
		data = data[:left]
	}
	_, err := t.spill.Write(data)
	return err
}

func (d *Descriptor) spillAttachment(a *Attachment, data []byte, opts Options) error {
	s, err := NewSpill(opts.SpillDir, filepath.Base(a.Name)+".*")
	if err != nil {
		return err
	}
	a.spill = s
	_, err = s.Write(data)
	return err
}

func copySpill(w io.Writer, s *Spill, n int64, what string) error {
	if n == 0 {
		return nil
	}
	if s == nil {
		return fmt.Errorf("%w: nothing extracted for %s", common.ErrExtractShort, what)
	}
	if _, err := io.CopyN(w, s, n); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s ends before %d bytes", common.ErrExtractShort, what, n)
		}
		return err
	}
	return nil
}

func copyTrack(w io.Writer, t *Track, number int, n int64) error {
	what := fmt.Sprintf("track %d", number)
	if t == nil {
		if n == 0 {
			return nil
		}
		return fmt.Errorf("%w: %s has no track record", common.ErrFormat, what)
	}
	return copySpill(w, t.spill, n, what)
}

func copyAttachment(w io.Writer, a *Attachment, name string, n int64) error {
	what := fmt.Sprintf("attachment %q", name)
	if a == nil {
		return copySpill(w, nil, n, what)
	}
	return copySpill(w, a.spill, n, what)
}

// Locate searches the full file for every track with a signature and sets
// the match offsets. Tracks that cannot be found are reported with
// ErrSignatureNotFound.
func Locate(d *Descriptor, fullPath string, opts Options) error {
	src, ft, err := openSource(fullPath)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("%s: %w: no MKV or AVI data", fullPath, common.ErrUnsupported)
	}
	defer src.Close()
	if ft != d.Type {
		return fmt.Errorf("%s: %w: %s file for a %s sample", fullPath, common.ErrUnsupported, ft, d.Type)
	}
	for _, t := range d.Tracks {
		t.resetMatch()
	}
	switch ft {
	case FileTypeMKV:
		err = locateMKV(src, fullPath, d, opts)
	default:
		err = locateAVI(src, fullPath, d, opts)
	}
	if err != nil {
		return err
	}
	for _, t := range d.Tracks {
		if !t.confirmed() {
			t.resetMatch()
		}
	}
	return d.notFound()
}

// Extract copies the data of every located track, and the attachments the
// sample needs, from the full file into spill files.
func Extract(d *Descriptor, fullPath string, opts Options) error {
	src, ft, err := openSource(fullPath)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("%s: %w: no MKV or AVI data", fullPath, common.ErrUnsupported)
	}
	defer src.Close()
	if ft != d.Type {
		return fmt.Errorf("%s: %w: %s file for a %s sample", fullPath, common.ErrUnsupported, ft, d.Type)
	}
	if err := d.Close(); err != nil {
		return err
	}
	switch ft {
	case FileTypeMKV:
		err = extractMKV(src, fullPath, d, opts)
	default:
		err = extractAVI(src, fullPath, d, opts)
	}
	if err != nil {
		return err
	}

	var errs []error
	for _, t := range d.Tracks {
		if t.HasSignature() && !t.complete() {
			errs = append(errs, fmt.Errorf("track %d: %w: %d of %d bytes", t.Number, common.ErrExtractShort, t.Extracted(), t.DataLength))
		}
	}
	if d.File.HasFlag(FileFlagAttachmentsRemoved) {
		for _, a := range d.Attachments {
			if a.spill == nil && a.Size > 0 {
				errs = append(errs, fmt.Errorf("attachment %q: %w", a.Name, common.ErrMissingInput))
			}
		}
	}
	return errors.Join(errs...)
}

// Rebuild writes the sample described by the descriptor at srsPath into
// outDir from the extracted spill files. A checksum mismatch still publishes
// the output and returns the Result with ErrChecksumMismatch.
func Rebuild(d *Descriptor, srsPath, outDir string, opts Options) (*Result, error) {
	final := filepath.Join(outDir, filepath.Base(d.File.Name))
	if !opts.Overwrite.Allow(final, common.Exists(final)) {
		return nil, fmt.Errorf("%s: %w", final, common.ErrAborted)
	}
	for _, t := range d.Tracks {
		if t.spill != nil {
			t.spill.Rewind()
		}
	}
	for _, a := range d.Attachments {
		if a.spill != nil {
			a.spill.Rewind()
		}
	}

	out, err := common.CreatePending(final)
	if err != nil {
		return nil, err
	}
	crc := checksum.NewRunning()
	bw := bufio.NewWriterSize(out, 1<<16)
	w := io.MultiWriter(bw, crc)
	switch d.Type {
	case FileTypeMKV:
		err = rebuildMKV(srsPath, w, d, opts)
	default:
		err = rebuildAVI(srsPath, w, d, opts)
	}
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		out.Discard()
		return nil, err
	}
	if err := out.Commit(); err != nil {
		return nil, err
	}

	res := &Result{Path: final, Expected: d.File, Size: crc.Len(), CRC: crc.Sum32()}
	if !res.OK() {
		return res, fmt.Errorf("%s: %w: expected %d bytes %08X, rebuilt %d bytes %08X",
			final, common.ErrChecksumMismatch, d.File.Size, d.File.CRC, res.Size, res.CRC)
	}
	return res, nil
}

// Reconstruct rebuilds the sample described by srsPath from the full file
// at fullPath, which may be the first volume of a RAR set storing it. Track
// location is skipped when the descriptor already records every offset.
func Reconstruct(srsPath, fullPath, outDir string, opts Options) (*Result, error) {
	d, err := Load(srsPath)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	d.checkFlags(opts)
	if opts.SpillDir == "" {
		opts.SpillDir = outDir
	}
	if !d.Located() {
		if err := Locate(d, fullPath, opts); err != nil {
			return nil, err
		}
	}
	if err := Extract(d, fullPath, opts); err != nil {
		return nil, err
	}
	return Rebuild(d, srsPath, outDir, opts)
}
