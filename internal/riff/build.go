package riff

import "encoding/binary"

// ChunkHeader returns the eight byte header of a chunk.
func ChunkHeader(tag string, length uint32) []byte {
	hdr := make([]byte, chunkHeaderSize)
	copy(hdr, tag)
	binary.LittleEndian.PutUint32(hdr[4:], length)
	return hdr
}

// AppendChunk appends a complete chunk with its pad byte to dst.
func AppendChunk(dst []byte, tag string, payload []byte) []byte {
	dst = append(dst, ChunkHeader(tag, uint32(len(payload)))...)
	dst = append(dst, payload...)
	if len(payload)%2 == 1 {
		dst = append(dst, 0)
	}
	return dst
}

// AppendList appends a RIFF or LIST chunk holding children, which must
// already be encoded chunks.
func AppendList(dst []byte, listType, fourCC string, children []byte) []byte {
	hdr := make([]byte, listHeaderSize)
	copy(hdr, listType)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(children)+4))
	copy(hdr[8:], fourCC)
	dst = append(dst, hdr...)
	return append(dst, children...)
}
