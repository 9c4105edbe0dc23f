package srr

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"example.com/rescene/internal/common"
	"example.com/rescene/internal/container"
	"example.com/rescene/internal/rar"
	"example.com/rescene/internal/sfv"
)

func isSFV(p string) bool {
	return strings.EqualFold(filepath.Ext(p), ".sfv")
}

// volumeSet is the volumes of one input in sequence order.
type volumeSet struct {
	first   string
	volumes []string
}

// collectSets expands the inputs into volume sets. Checksum lists name
// their volumes; a first volume is followed by name while the next file
// exists.
func collectSets(inputs []string, opts Options) ([]volumeSet, error) {
	var sets []volumeSet
	for _, in := range inputs {
		if isSFV(in) {
			entries, err := sfv.ReadFile(in)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil, fmt.Errorf("%s: %w", in, common.ErrMissingInput)
				}
				return nil, err
			}
			var names []string
			for _, e := range entries {
				if !rar.IsRarFile(e.Name) {
					opts.warn("non-RAR file referenced in %s: %s; it can only be recreated when stored", filepath.Base(in), e.Name)
					continue
				}
				names = append(names, filepath.Join(filepath.Dir(in), filepath.FromSlash(e.Name)))
			}
			rar.SortVolumes(names)
			if len(names) > 0 {
				sets = append(sets, volumeSet{first: names[0], volumes: names})
			}
			continue
		}

		if !common.Exists(in) {
			return nil, fmt.Errorf("%s: %w", in, common.ErrMissingInput)
		}
		oldNaming, err := rar.VolumeScheme(in)
		if err != nil {
			return nil, err
		}
		set := volumeSet{first: in}
		next, ok := in, true
		for ok && common.Exists(next) {
			set.volumes = append(set.volumes, next)
			next, ok = rar.NextVolumeName(next, oldNaming)
		}
		sets = append(sets, set)
	}
	return sets, nil
}

// writeStored appends a stored file block holding the content of p.
func writeStored(w io.Writer, p string, opts Options) error {
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", p, common.ErrMissingInput)
		}
		return err
	}
	if int64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("%s: %w: %d bytes is too large to store", p, common.ErrUnsupported, len(data))
	}
	hdr, err := rar.SrrStoredFileBlock(storedName(p, opts.BaseDir, opts.SavePaths), uint32(len(data)), opts.SavePaths)
	if err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// writeVolume appends the marker of volume p and its blocks without file
// and recovery data.
func writeVolume(w io.Writer, p string, opts Options) error {
	flags := rar.SrrRarFlagRecoveryGone
	if opts.SavePaths {
		flags |= rar.SrrRarFlagPaths
	}
	marker, err := rar.SrrRarFileBlock(storedName(p, opts.BaseDir, opts.SavePaths), flags)
	if err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	if _, err := w.Write(marker); err != nil {
		return err
	}

	r, err := rar.Open(p, container.ModeFull)
	if err != nil {
		return err
	}
	defer r.Close()
	r.SetMetrics(opts.Metrics)
	for {
		b, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if b.Kind == rar.KindFile && !b.IsDirectory() && b.File.Method != rar.MethodStore {
			return fmt.Errorf("%s: %w: %q uses compression method 0x%02x", p, common.ErrUnsupported, b.File.Name, b.File.Method)
		}
		if _, err := w.Write(b.Header); err != nil {
			return err
		}
		switch b.Kind {
		case rar.KindFile, rar.KindRecovery, rar.KindOldRecovery:
			err = r.SkipPayload()
		default:
			var data []byte
			if data, err = r.ReadPayload(); err == nil {
				_, err = w.Write(data)
			}
		}
		if err != nil {
			return err
		}
	}

	pad, err := r.ReadTrailing()
	if err != nil || len(pad) == 0 {
		return err
	}
	if int64(len(pad)) > math.MaxUint32 {
		return fmt.Errorf("%s: %w: %d bytes after the archive end", p, common.ErrUnsupported, len(pad))
	}
	if _, err := w.Write(rar.SrrPaddingBlock(uint32(len(pad)))); err != nil {
		return err
	}
	_, err = w.Write(pad)
	return err
}

// writeOsoHash appends the OSO hash of the packed file of the set starting
// at first. Files smaller than the hash window get no block.
func writeOsoHash(w io.Writer, first string, opts Options) error {
	s, err := rar.NewStream(first)
	if err != nil {
		return err
	}
	defer s.Close()
	hash, err := rar.OsoHash(s)
	if errors.Is(err, common.ErrInsufficientData) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", first, err)
	}
	blk, err := rar.SrrOsoHashBlock(s.Name(), uint64(s.Size()), hash)
	if err != nil {
		return err
	}
	_, err = w.Write(blk)
	return err
}

// Create writes the descriptor of the volume sets named by inputs to
// srrPath. An input is either the first volume of a set or a checksum list
// naming the volumes; checksum lists are stored in the descriptor along with
// opts.Store. Nothing is left at srrPath when creation fails.
func Create(srrPath string, inputs []string, opts Options) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: no input files", common.ErrMissingInput)
	}
	if !opts.Overwrite.Allow(srrPath, common.Exists(srrPath)) {
		return fmt.Errorf("%s: %w", srrPath, common.ErrAborted)
	}
	sets, err := collectSets(inputs, opts)
	if err != nil {
		return err
	}
	var total int64
	for _, set := range sets {
		for _, v := range set.volumes {
			if info, err := os.Stat(v); err == nil {
				total += info.Size()
			}
		}
	}

	opts.Metrics.SetTotalBytes(total)

	out, err := common.CreatePending(srrPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	if err := writeDescriptor(w, inputs, sets, opts); err != nil {
		out.Discard()
		return err
	}
	if err := w.Flush(); err != nil {
		out.Discard()
		return err
	}
	return out.Commit()
}

func writeDescriptor(w io.Writer, inputs []string, sets []volumeSet, opts Options) error {
	hdr, err := rar.SrrHeaderBlock(opts.appName())
	if err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}

	store := append([]string(nil), opts.Store...)
	for _, in := range inputs {
		if isSFV(in) {
			store = append(store, in)
		}
	}
	for _, p := range store {
		if err := writeStored(w, p, opts); err != nil {
			return err
		}
	}

	for _, set := range sets {
		for _, v := range set.volumes {
			if !common.Exists(v) {
				return fmt.Errorf("referenced file %s: %w", v, common.ErrMissingInput)
			}
			if err := writeVolume(w, v, opts); err != nil {
				return err
			}
		}
	}

	if opts.OsoHashes {
		for _, set := range sets {
			if err := writeOsoHash(w, set.first, opts); err != nil {
				return err
			}
		}
	}
	return nil
}
