package srr

import (
	"bytes"
	"io"
	"path"
	"strings"

	"example.com/rescene/internal/rar"
	"example.com/rescene/internal/sfv"
)

// StoredFile is a file copied verbatim into a descriptor.
type StoredFile struct {
	Name string
	Size uint64
}

// VolumeInfo is a volume a descriptor rebuilds and its rebuilt size.
type VolumeInfo struct {
	Name string
	Size int64
}

// ArchivedFile is a file packed in the volumes. CRC is the checksum
// recorded by the last volume holding a part of it.
type ArchivedFile struct {
	Name       string
	Size       uint64
	CRC        uint32
	Compressed bool
}

// OsoHash is a recorded OSO hash.
type OsoHash struct {
	Name string
	Size uint64
	Hash uint64
}

// Info summarizes a descriptor.
type Info struct {
	AppName   string
	Stored    []StoredFile
	Volumes   []VolumeInfo
	Archived  []ArchivedFile
	OsoHashes []OsoHash
	// RecoverySize is the recovery data removed from all volumes.
	RecoverySize int64
	// Extra lists checksum list entries that are not volumes.
	Extra []sfv.Entry
}

// Compressed reports whether any archived file uses compression.
func (i *Info) Compressed() bool {
	for _, f := range i.Archived {
		if f.Compressed {
			return true
		}
	}
	return false
}

// ReadInfo walks the descriptor at srrPath.
func ReadInfo(srrPath string) (*Info, error) {
	r, err := openDescriptor(srrPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	info := &Info{}
	var lists []sfv.Entry
	archived := map[string]int{}
	var vol *VolumeInfo
	for {
		blk, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		var data []byte
		if data, err = r.ReadPayload(); err != nil {
			return nil, err
		}

		switch blk.Kind {
		case rar.KindSrrHeader:
			info.AppName = blk.Srr.AppName
			vol = nil
			continue
		case rar.KindSrrStoredFile:
			info.Stored = append(info.Stored, StoredFile{Name: blk.Srr.Name, Size: blk.Srr.FileSize})
			if strings.EqualFold(path.Ext(blk.Srr.Name), ".sfv") {
				entries, err := sfv.Parse(bytes.NewReader(data))
				if err != nil {
					return nil, err
				}
				lists = append(lists, entries...)
			}
			vol = nil
			continue
		case rar.KindSrrRarFile:
			info.Volumes = append(info.Volumes, VolumeInfo{Name: blk.Srr.Name})
			vol = &info.Volumes[len(info.Volumes)-1]
			continue
		case rar.KindSrrOsoHash:
			info.OsoHashes = append(info.OsoHashes, OsoHash{Name: blk.Srr.Name, Size: blk.Srr.FileSize, Hash: blk.Srr.OsoHash})
			continue
		case rar.KindFile:
			f := ArchivedFile{
				Name:       blk.File.Name,
				Size:       blk.File.UnpackedSize,
				CRC:        blk.File.FileCRC,
				Compressed: !blk.IsDirectory() && blk.File.Method != rar.MethodStore,
			}
			if i, ok := archived[f.Name]; ok {
				info.Archived[i].CRC = f.CRC
			} else {
				archived[f.Name] = len(info.Archived)
				info.Archived = append(info.Archived, f)
			}
		case rar.KindRecovery, rar.KindOldRecovery:
			info.RecoverySize += blk.Length
		case rar.KindSrrPadding:
			if vol != nil {
				vol.Size += blk.Length
			}
			continue
		}
		if vol != nil && rar.IsArchiveType(blk.Type) {
			vol.Size += int64(len(blk.Header)) + blk.Length
		}
	}

	for _, e := range lists {
		if !info.hasVolume(e.Name) {
			info.Extra = append(info.Extra, e)
		}
	}
	return info, nil
}

func (i *Info) hasVolume(name string) bool {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	for _, v := range i.Volumes {
		if strings.EqualFold(path.Base(v.Name), base) {
			return true
		}
	}
	return false
}
