package ebml

import "fmt"

// Track list element IDs.
const (
	IDTracks              uint32 = 0x1654AE6B
	IDTrackEntry          uint32 = 0xAE
	IDTrackNumber         uint32 = 0xD7
	IDContentEncodings    uint32 = 0x6D80
	IDContentEncoding     uint32 = 0x6240
	IDContentCompression  uint32 = 0x5034
	IDContentCompAlgo     uint32 = 0x4254
	IDContentCompSettings uint32 = 0x4255
)

// CompressionHeaderStripping is the ContentCompAlgo value of header
// stripping. The other algorithms leave frames untouched here.
const CompressionHeaderStripping = 3

type child struct {
	id      uint32
	payload []byte
}

// children splits an element payload held in memory into its children.
func children(b []byte) ([]child, error) {
	var out []child
	for pos := 0; pos < len(b); {
		idLen := VarintLength(b[pos])
		if idLen == 0 || idLen > 4 || pos+idLen > len(b) {
			return nil, fmt.Errorf("invalid element id at %d", pos)
		}
		var id uint32
		for _, c := range b[pos : pos+idLen] {
			id = id<<8 | uint32(c)
		}
		pos += idLen
		size, n, err := Uint(b[pos:])
		if err != nil {
			return nil, fmt.Errorf("element 0x%X: %w", id, err)
		}
		pos += n
		if size > uint64(len(b)-pos) {
			return nil, fmt.Errorf("element 0x%X length %d overruns its parent", id, size)
		}
		out = append(out, child{id: id, payload: b[pos : pos+int(size)]})
		pos += int(size)
	}
	return out, nil
}

func unsigned(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// StrippedHeaders reads a Tracks payload and returns, per track number, the
// bytes removed from the front of every frame by header stripping. Tracks
// without header stripping are absent.
func StrippedHeaders(tracks []byte) (map[int][]byte, error) {
	entries, err := children(tracks)
	if err != nil {
		return nil, fmt.Errorf("track list: %w", err)
	}
	out := map[int][]byte{}
	for _, entry := range entries {
		if entry.id != IDTrackEntry {
			continue
		}
		fields, err := children(entry.payload)
		if err != nil {
			return nil, fmt.Errorf("track entry: %w", err)
		}
		number := -1
		var settings []byte
		for _, f := range fields {
			switch f.id {
			case IDTrackNumber:
				number = int(unsigned(f.payload))
			case IDContentEncodings:
				if settings, err = strippedBytes(f.payload); err != nil {
					return nil, err
				}
			}
		}
		if number >= 0 && len(settings) > 0 {
			out[number] = settings
		}
	}
	return out, nil
}

func strippedBytes(encodings []byte) ([]byte, error) {
	list, err := children(encodings)
	if err != nil {
		return nil, fmt.Errorf("content encodings: %w", err)
	}
	for _, enc := range list {
		if enc.id != IDContentEncoding {
			continue
		}
		fields, err := children(enc.payload)
		if err != nil {
			return nil, fmt.Errorf("content encoding: %w", err)
		}
		for _, f := range fields {
			if f.id != IDContentCompression {
				continue
			}
			comp, err := children(f.payload)
			if err != nil {
				return nil, fmt.Errorf("content compression: %w", err)
			}
			// zlib unless stated otherwise
			algo := uint64(0)
			var settings []byte
			for _, c := range comp {
				switch c.id {
				case IDContentCompAlgo:
					algo = unsigned(c.payload)
				case IDContentCompSettings:
					settings = c.payload
				}
			}
			if algo == CompressionHeaderStripping {
				return settings, nil
			}
		}
	}
	return nil, nil
}
