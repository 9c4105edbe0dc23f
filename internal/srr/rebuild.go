package srr

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"example.com/rescene/internal/checksum"
	"example.com/rescene/internal/common"
	"example.com/rescene/internal/container"
	"example.com/rescene/internal/rar"
)

// VolumeResult describes one rebuilt volume.
type VolumeResult struct {
	Path string
	Size int64
	CRC  uint32
}

// Result lists the files written by Rebuild.
type Result struct {
	Volumes []VolumeResult
	Stored  []string
	// Mismatches names the archived files whose data did not match the
	// checksum recorded in the archive.
	Mismatches []string
}

// OK reports whether every checked file matched.
func (r *Result) OK() bool { return len(r.Mismatches) == 0 }

// volumeWriter writes one output volume under a temporary name.
type volumeWriter struct {
	out *common.PendingFile
	bw  *bufio.Writer
	crc *checksum.Running
}

func newVolumeWriter(final string) (*volumeWriter, error) {
	out, err := common.CreatePending(final)
	if err != nil {
		return nil, err
	}
	return &volumeWriter{out: out, bw: bufio.NewWriterSize(out, 1<<16), crc: checksum.NewRunning()}, nil
}

func (v *volumeWriter) Write(p []byte) (int, error) {
	n, err := v.bw.Write(p)
	v.crc.Write(p[:n])
	return n, err
}

func (v *volumeWriter) Len() int64 { return v.crc.Len() }

// recoveryData computes recovery data over the first n bytes written.
func (v *volumeWriter) recoveryData(n int64, rec *rar.Recovery) ([]byte, error) {
	if err := v.bw.Flush(); err != nil {
		return nil, err
	}
	return rar.RecoveryData(v.out.File, n, rec.DataSectors, rec.RecoverySectors)
}

func (v *volumeWriter) commit() (VolumeResult, error) {
	res := VolumeResult{Path: v.out.Final(), Size: v.Len(), CRC: v.crc.Sum32()}
	if err := v.bw.Flush(); err != nil {
		v.out.Discard()
		return res, err
	}
	return res, v.out.Commit()
}

// dataSource is the archived file being read into the volumes.
type dataSource struct {
	name string
	f    *os.File
	crc  *checksum.Running
}

func (s *dataSource) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	return s.f.Close()
}

// openData resolves the file holding the data of the archived file name
// below dir, through the rename hints and, when enabled, by extension and
// size. The file must be exactly size bytes long.
func openData(dir, name string, size uint64, opts Options) (*dataSource, error) {
	local := filepath.FromSlash(strings.ReplaceAll(opts.hint(name), "\\", "/"))
	p := filepath.Join(dir, local)
	info, err := os.Stat(p)
	if err != nil && opts.AutoLocate {
		opts.warn("could not locate data file %s", p)
		if alt := locateRenamed(dir, name, size); alt != "" {
			opts.warn("substituting %s for %s", alt, name)
			p = alt
			info, err = os.Stat(p)
		}
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("data file %s: %w", p, common.ErrMissingInput)
		}
		return nil, err
	}
	if uint64(info.Size()) != size {
		return nil, fmt.Errorf("data file %s: %w: found %d bytes, expected %d", p, common.ErrSizeMismatch, info.Size(), size)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	return &dataSource{name: name, f: f, crc: checksum.NewRunning()}, nil
}

// locateRenamed returns a file under dir, subdirectories included, with the
// extension of name and the given size, or "".
func locateRenamed(dir, name string, size uint64) string {
	ext := filepath.Ext(strings.ReplaceAll(name, "\\", "/"))
	found := ""
	filepath.WalkDir(dir, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ext) {
			return nil
		}
		info, err := e.Info()
		if err == nil && uint64(info.Size()) == size {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	return found
}

// copyData writes n bytes of src to w, zero padding past the end of src.
// The bytes read are added to the checksums unless they are nil.
func copyData(w io.Writer, src io.Reader, n int64, sums ...*checksum.Running) error {
	dst := w
	var ws []io.Writer
	for _, s := range sums {
		if s != nil {
			ws = append(ws, s)
		}
	}
	if len(ws) > 0 {
		dst = io.MultiWriter(append([]io.Writer{w}, ws...)...)
	}
	copied, err := io.CopyN(dst, src, n)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if pad := n - copied; pad > 0 {
		_, err = io.CopyN(w, zeroReader{}, pad)
		return err
	}
	return nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// rebuilder holds the state of one Rebuild pass.
type rebuilder struct {
	srrPath string
	inDir   string
	outDir  string
	opts    Options
	res     *Result

	vol     *volumeWriter
	volName string
	regen   bool
	src     *dataSource
}

func (b *rebuilder) closeVolume() error {
	if b.vol == nil {
		return nil
	}
	vr, err := b.vol.commit()
	b.vol = nil
	if err != nil {
		return err
	}
	b.res.Volumes = append(b.res.Volumes, vr)
	return nil
}

func (b *rebuilder) discard() {
	if b.vol != nil {
		b.vol.out.Discard()
		b.vol = nil
	}
	b.src.Close()
	b.src = nil
}

func (b *rebuilder) openVolume(blk *rar.Block) error {
	if blk.Flags&^rar.SrrRarSupportedFlags != 0 {
		b.opts.warn("volume marker %q: unsupported flags 0x%04x", blk.Srr.Name, blk.Flags)
	}
	if blk.Srr.Name == b.volName && b.vol != nil {
		return nil
	}
	if err := b.closeVolume(); err != nil {
		return err
	}
	b.regen = blk.Flags&rar.SrrRarFlagRecoveryGone != 0
	b.volName = blk.Srr.Name
	final, err := outputPath(b.outDir, blk.Srr.Name, b.opts.SavePaths)
	if err != nil {
		return err
	}
	if !b.opts.Overwrite.Allow(final, common.Exists(final)) {
		return fmt.Errorf("%s: %w", final, common.ErrAborted)
	}
	b.vol, err = newVolumeWriter(final)
	return err
}

func (b *rebuilder) writeStored(blk *rar.Block, data []byte) error {
	if blk.Flags&^rar.SrrStoredSupportedFlags != 0 {
		b.opts.warn("stored file %q: unsupported flags 0x%04x", blk.Srr.Name, blk.Flags)
	}
	final, err := writeStoredFile(b.outDir, blk, data, b.opts)
	if err != nil {
		return err
	}
	b.res.Stored = append(b.res.Stored, final)
	return nil
}

// writeFileData refills the data of a file block from the archived file.
func (b *rebuilder) writeFileData(blk *rar.Block) error {
	fh := blk.File
	if fh.PackedSize == 0 {
		return nil
	}
	if b.src == nil || b.src.name != fh.Name {
		b.src.Close()
		b.src = nil
		src, err := openData(b.inDir, fh.Name, fh.UnpackedSize, b.opts)
		if err != nil {
			return err
		}
		b.src = src
	}
	var part *checksum.Running
	if !b.opts.SkipCRC {
		part = checksum.NewRunning()
	}
	running := b.src.crc
	if b.opts.SkipCRC {
		running = nil
	}
	if err := copyData(b.vol, b.src.f, int64(fh.PackedSize), part, running); err != nil {
		return fmt.Errorf("%s: %w", b.volName, err)
	}
	b.opts.Metrics.AddBytes(int64(fh.PackedSize))
	if b.opts.SkipCRC {
		return nil
	}
	if blk.Flags&rar.FileFlagSplitAfter != 0 {
		if fh.FileCRC != part.Sum32() {
			b.mismatch(b.volName)
		}
	} else if fh.FileCRC != running.Sum32() {
		b.mismatch(fh.Name)
	}
	return nil
}

func (b *rebuilder) mismatch(name string) {
	b.opts.warn("CRC mismatch in file: %s", name)
	b.res.Mismatches = append(b.res.Mismatches, name)
}

// writeRecovery writes a recovery record header and, when the volume had
// its recovery data removed, the regenerated data.
func (b *rebuilder) writeRecovery(blk *rar.Block) error {
	if _, err := b.vol.Write(blk.Header); err != nil {
		return err
	}
	if !b.regen || blk.Recovery == nil || blk.Recovery.RecoverySectors == 0 {
		return nil
	}
	want := rar.RecoveryDataSize(blk.Recovery.DataSectors, blk.Recovery.RecoverySectors)
	if want != blk.Length {
		b.opts.warn("%s: recovery record declares %d bytes, geometry gives %d", b.volName, blk.Length, want)
	}
	// the header just written is not protected
	data, err := b.vol.recoveryData(b.vol.Len()-int64(len(blk.Header)), blk.Recovery)
	if err != nil {
		return fmt.Errorf("%s: %w", b.volName, err)
	}
	_, err = b.vol.Write(data)
	return err
}

func (b *rebuilder) block(r *rar.Reader, blk *rar.Block) error {
	switch blk.Kind {
	case rar.KindSrrHeader:
		if blk.Flags&^rar.SrrHeaderSupportedFlags != 0 {
			b.opts.warn("descriptor header: unsupported flags 0x%04x", blk.Flags)
		}
		return r.SkipPayload()
	case rar.KindSrrStoredFile:
		data, err := r.ReadPayload()
		if err != nil {
			return err
		}
		return b.writeStored(blk, data)
	case rar.KindSrrRarFile:
		if err := b.openVolume(blk); err != nil {
			return err
		}
		return r.SkipPayload()
	case rar.KindSrrOsoHash:
		return r.SkipPayload()
	}

	if !rar.IsArchiveType(blk.Type) && blk.Kind != rar.KindSrrPadding {
		b.opts.warn("unknown block type 0x%02x of %d bytes at 0x%x skipped", byte(blk.Type), int64(len(blk.Header))+blk.Length, blk.Offset)
		return r.SkipPayload()
	}
	if b.vol == nil {
		return common.NewFormatError(b.srrPath, blk.Offset, "archive block 0x%02x before any volume marker", byte(blk.Type))
	}

	switch blk.Kind {
	case rar.KindFile:
		if _, err := b.vol.Write(blk.Header); err != nil {
			return err
		}
		if err := b.writeFileData(blk); err != nil {
			return err
		}
		return r.SkipPayload()
	case rar.KindRecovery, rar.KindOldRecovery:
		if err := b.writeRecovery(blk); err != nil {
			return err
		}
		return r.SkipPayload()
	case rar.KindSrrPadding:
		data, err := r.ReadPayload()
		if err == nil {
			_, err = b.vol.Write(data)
		}
		return err
	}
	data, err := r.ReadPayload()
	if err != nil {
		return err
	}
	if _, err := b.vol.Write(blk.Header); err != nil {
		return err
	}
	_, err = b.vol.Write(data)
	return err
}

// Rebuild recreates the volumes and stored files of the descriptor at
// srrPath in outDir, reading archived file data from inDir. Checksum
// mismatches of archived files are warnings listed in the Result. On a
// fatal error the volume being written is removed; volumes completed before
// it are kept.
func Rebuild(srrPath, inDir, outDir string, opts Options) (*Result, error) {
	r, err := rar.Open(srrPath, container.ModeDescriptor)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", srrPath, common.ErrMissingInput)
		}
		return nil, err
	}
	defer r.Close()
	r.SetMetrics(opts.Metrics)

	b := &rebuilder{srrPath: srrPath, inDir: inDir, outDir: outDir, opts: opts, res: &Result{}}
	for {
		blk, err := r.Next()
		if err == io.EOF {
			break
		}
		if err == nil {
			err = b.block(r, blk)
		}
		if err != nil {
			b.discard()
			return b.res, err
		}
	}
	b.src.Close()
	if err := b.closeVolume(); err != nil {
		return b.res, err
	}
	return b.res, nil
}
