package rar

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"example.com/rescene/internal/common"
	"example.com/rescene/internal/container"
)

const defaultOpenVolumes = 8

// Volume is one archive file's contribution to a packed file. Start and End
// bound the half-open range of packed-file offsets it holds and DataOffset
// is where that range begins on disk.
type Volume struct {
	Path       string
	Start      int64
	End        int64
	DataOffset int64
}

// Stream is a read-only view of one stored packed file split across a
// volume set. It implements io.Reader, io.Seeker and io.ReaderAt.
type Stream struct {
	name    string
	volumes []Volume
	size    int64
	pos     int64
	handles *lru.Cache[int, *os.File]
}

// VolumeScheme walks the blocks of the first volume and reports whether the
// set uses old style naming. It fails with ErrProtocol when path is not the
// first volume of its set.
func VolumeScheme(path string) (oldNaming bool, err error) {
	r, err := Open(path, container.ModeFull)
	if err != nil {
		return false, err
	}
	defer r.Close()
	oldNaming = true
	for {
		b, err := r.Next()
		if err == io.EOF {
			return oldNaming, nil
		}
		if err != nil {
			return false, err
		}
		switch b.Kind {
		case KindVolumeHeader:
			if b.Flags&VolumeFlagVolume != 0 {
				oldNaming = b.Flags&VolumeFlagNewNumbering == 0
				// new numbering writers always mark the first volume
				if !oldNaming && b.Flags&VolumeFlagFirstVolume == 0 {
					return false, fmt.Errorf("%s: %w: not the first volume of the set", path, common.ErrProtocol)
				}
			}
		case KindFile:
			if b.Flags&FileFlagSplitBefore != 0 {
				return false, fmt.Errorf("%s: %w: not the first volume of the set", path, common.ErrProtocol)
			}
			return oldNaming, nil
		}
		if err := r.SkipPayload(); err != nil {
			return false, err
		}
	}
}

// NewStream opens the set starting at firstVolume and exposes the first
// packed file found in it. Volumes are followed by name for as long as the
// next file exists.
func NewStream(firstVolume string) (*Stream, error) {
	oldNaming, err := VolumeScheme(firstVolume)
	if err != nil {
		return nil, err
	}
	s := &Stream{}
	next, ok := firstVolume, true
	for ok && common.Exists(next) {
		if err := s.addVolume(next); err != nil {
			return nil, err
		}
		next, ok = NextVolumeName(next, oldNaming)
	}
	if len(s.volumes) == 0 {
		return nil, fmt.Errorf("%s: %w: no packed file found", firstVolume, common.ErrInsufficientData)
	}
	s.handles, err = lru.NewWithEvict[int, *os.File](defaultOpenVolumes, func(_ int, f *os.File) {
		f.Close()
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stream) addVolume(path string) error {
	r, err := Open(path, container.ModeFull)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		b, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if b.Kind == KindFile {
			if s.name == "" {
				s.name = b.File.Name
			}
			if b.File.Name == s.name {
				if b.File.Method != MethodStore {
					return fmt.Errorf("%s: %w: packed file %q is compressed (method 0x%02x)", path, common.ErrUnsupported, b.File.Name, b.File.Method)
				}
				n := int64(b.File.PackedSize)
				s.volumes = append(s.volumes, Volume{
					Path:       path,
					Start:      s.size,
					End:        s.size + n,
					DataOffset: b.PayloadOffset(),
				})
				s.size += n
			}
		}
		if err := r.SkipPayload(); err != nil {
			return err
		}
	}
}

// Name returns the name of the packed file.
func (s *Stream) Name() string { return s.name }

// Size returns the packed file length.
func (s *Stream) Size() int64 { return s.size }

// Volumes returns the volume ranges in sequence order.
func (s *Stream) Volumes() []Volume {
	out := make([]Volume, len(s.volumes))
	copy(out, s.volumes)
	return out
}

// Seek implements io.Seeker. Positions past the end are allowed and read as
// end of stream.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var dest int64
	switch whence {
	case io.SeekStart:
		dest = offset
	case io.SeekCurrent:
		dest = s.pos + offset
	case io.SeekEnd:
		dest = s.size + offset
	default:
		return s.pos, errors.New("rar: invalid whence")
	}
	if dest < 0 {
		return s.pos, errors.New("rar: negative position")
	}
	s.pos = dest
	return dest, nil
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.ReadAt(p, s.pos)
	s.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// volumeAt returns the index of the volume holding off, or -1.
func (s *Stream) volumeAt(off int64) int {
	i := sort.Search(len(s.volumes), func(i int) bool { return s.volumes[i].End > off })
	if i == len(s.volumes) || off < s.volumes[i].Start {
		return -1
	}
	return i
}

// ReadAt implements io.ReaderAt. A read crossing a volume boundary continues
// in the next volume.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("rar: negative offset")
	}
	total := 0
	for total < len(p) {
		i := s.volumeAt(off)
		if i < 0 {
			return total, io.EOF
		}
		v := s.volumes[i]
		want := p[total:]
		if left := v.End - off; int64(len(want)) > left {
			want = want[:left]
		}
		f, err := s.handle(i)
		if err != nil {
			return total, err
		}
		n, err := f.ReadAt(want, v.DataOffset+(off-v.Start))
		total += n
		off += int64(n)
		if err != nil && !(errors.Is(err, io.EOF) && n == len(want)) {
			if errors.Is(err, io.EOF) {
				return total, io.ErrUnexpectedEOF
			}
			return total, err
		}
	}
	return total, nil
}

func (s *Stream) handle(i int) (*os.File, error) {
	if f, ok := s.handles.Get(i); ok {
		return f, nil
	}
	f, err := os.Open(s.volumes[i].Path)
	if err != nil {
		return nil, err
	}
	s.handles.Add(i, f)
	return f, nil
}

// Close releases every open volume handle.
func (s *Stream) Close() error {
	if s.handles != nil {
		s.handles.Purge()
	}
	return nil
}

var _ container.Source = (*Stream)(nil)
