package ebml

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/rescene/internal/common"
	"example.com/rescene/internal/container"
)

func sourceOf(b []byte) container.Source {
	return container.Sized{ReaderAt: bytes.NewReader(b), N: int64(len(b))}
}

func TestVarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 126, 127, 128, 16382, 16383, 1 << 20, 1<<49 - 2, 1 << 50} {
		enc := AppendUint(nil, v)
		got, n, err := Uint(enc)
		if err != nil || got != v || n != len(enc) {
			t.Fatalf("Uint(AppendUint(%d)) = %d, %d, %v (enc % x)", v, got, n, err, enc)
		}
	}
	if got := AppendUint(nil, 126); !bytes.Equal(got, []byte{0xFE}) {
		t.Fatalf("AppendUint(126) = % x", got)
	}
	if got := AppendUint(nil, 127); !bytes.Equal(got, []byte{0x40, 0x7F}) {
		t.Fatalf("AppendUint(127) = % x", got)
	}
	if _, _, err := Uint([]byte{0x00}); err == nil {
		t.Fatalf("zero marker accepted")
	}
	if _, _, err := Uint([]byte{0x40}); err == nil {
		t.Fatalf("truncated varint accepted")
	}
}

func TestXiphLacing(t *testing.T) {
	tests := []struct {
		name   string
		frames []int64
	}{
		{name: "small", frames: []int64{100, 250, 50}},
		{name: "continuation bytes", frames: []int64{300, 255, 10}},
		{name: "single", frames: []int64{42}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hdr := AppendXiphLace(nil, tc.frames)
			var total int64
			for _, f := range tc.frames {
				total += f
			}
			dataLength := total + int64(len(hdr))
			got, used, err := FrameLengths(LacingXiph, dataLength, append(hdr, 0xAA, 0xBB))
			require.NoError(t, err)
			require.Equal(t, tc.frames, got)
			require.Equal(t, len(hdr), used)

			var sum int64
			for _, f := range got {
				sum += f
			}
			require.Equal(t, dataLength, sum+int64(used))
		})
	}
}

func appendSigned(dst []byte, delta int64, n int) []byte {
	v := uint64(delta + (int64(1)<<(7*n-1) - 1))
	v |= 1 << (7 * n)
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

func TestEBMLLacing(t *testing.T) {
	frames := []int64{500, 480, 520, 100}
	hdr := []byte{byte(len(frames) - 1)}
	hdr = AppendUint(hdr, 500)
	hdr = appendSigned(hdr, -20, 2)
	hdr = appendSigned(hdr, 40, 1)
	dataLength := int64(len(hdr)) + 1600
	got, used, err := FrameLengths(LacingEBML, dataLength, hdr)
	require.NoError(t, err)
	require.Equal(t, frames, got)
	require.Equal(t, len(hdr), used)
}

func TestFixedLacing(t *testing.T) {
	got, used, err := FrameLengths(LacingFixed, 1+3*40, []byte{2})
	require.NoError(t, err)
	require.Equal(t, 1, used)
	require.Equal(t, []int64{40, 40, 40}, got)

	_, _, err = FrameLengths(LacingFixed, 1+3*40+2, []byte{2})
	require.ErrorContains(t, err, "2 stray bytes")
}

func TestLacingOverrun(t *testing.T) {
	_, _, err := FrameLengths(LacingXiph, 10, []byte{1, 0xFF, 0x05})
	require.Error(t, err)
}

func blockPayload(track byte, flags byte, lace []byte, frames ...[]byte) []byte {
	p := []byte{0x80 | track, 0x00, 0x10, flags}
	p = append(p, lace...)
	for _, f := range frames {
		p = append(p, f...)
	}
	return p
}

func sampleMKV() []byte {
	var cluster []byte
	cluster = AppendElement(cluster, IDTimecode, []byte{0})
	cluster = AppendElement(cluster, IDSimpleBlock, blockPayload(1, 0x80, nil, []byte("frame-one")))
	laced := blockPayload(2, 0x82, AppendXiphLace(nil, []int64{3, 4}), []byte("abc"), []byte("defg"))
	cluster = AppendElement(cluster, IDBlockGroup, AppendElement(nil, IDBlock, laced))

	var segment []byte
	segment = AppendElement(segment, 0x1549A966, []byte("info"))
	segment = AppendElement(segment, IDCluster, cluster)

	var out []byte
	out = AppendElement(out, IDEBML, []byte("hdr"))
	return AppendElement(out, IDSegment, segment)
}

type visit struct {
	kind  Kind
	depth int
	data  string
	track int
}

func walk(t *testing.T, r *Reader) []visit {
	t.Helper()
	var out []visit
	for {
		e, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		v := visit{kind: e.Kind, depth: r.Depth()}
		if e.Kind.IsContainer() {
			require.NoError(t, r.Descend())
			out = append(out, v)
			continue
		}
		if e.Block != nil {
			v.track = e.Block.Track
		}
		data, err := r.ReadPayload()
		require.NoError(t, err)
		v.data = string(data)
		out = append(out, v)
	}
}

func TestReaderWalksTree(t *testing.T) {
	data := sampleMKV()
	got := walk(t, NewReader(sourceOf(data), "s.mkv", container.ModeProfile))
	want := []visit{
		{kind: KindEBML, depth: 0, data: "hdr"},
		{kind: KindSegment, depth: 0},
		{kind: KindUnknown, depth: 1, data: "info"},
		{kind: KindCluster, depth: 1},
		{kind: KindTimecode, depth: 2, data: "\x00"},
		{kind: KindBlock, depth: 2, data: "frame-one", track: 1},
		{kind: KindBlockGroup, depth: 2},
		{kind: KindBlock, depth: 3, data: "abcdefg", track: 2},
	}
	require.Equal(t, want, got)
}

func TestBlockHeaderFields(t *testing.T) {
	laced := blockPayload(2, 0x82, AppendXiphLace(nil, []int64{3, 4}), []byte("abc"), []byte("defg"))
	data := AppendElement(nil, IDBlock, laced)
	r := NewReader(sourceOf(data), "x", container.ModeProfile)
	e, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, 2, e.Block.Track)
	require.Equal(t, int16(0x10), e.Block.Timecode)
	require.Equal(t, LacingXiph, e.Block.Lacing)
	require.Equal(t, []int64{3, 4}, e.Block.FrameLengths)
	require.Equal(t, laced[:6], e.Block.Raw)
	require.Equal(t, int64(7), e.Length)
	require.Equal(t, int64(2+6), e.DataOffset())
	require.Equal(t, int64(len(data)), e.End())
}

func TestDescriptorModeStripsFrames(t *testing.T) {
	block := AppendElement(nil, IDSimpleBlock, blockPayload(1, 0x80, nil, []byte("payload")))
	desc := append([]byte(nil), block[:len(block)-len("payload")]...)
	desc = AppendElement(desc, IDReSampleFile, []byte("rec"))
	desc = AppendUint(AppendID(desc, IDAttachedFileData), 1000)

	r := NewReader(sourceOf(desc), "x.srs", container.ModeDescriptor)
	e, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, KindBlock, e.Kind)
	require.False(t, r.PayloadPresent(e))
	p, err := r.ReadPayload()
	require.NoError(t, err)
	require.Nil(t, p)

	e, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, KindReSampleFile, e.Kind)
	p, err = r.ReadPayload()
	require.NoError(t, err)
	require.Equal(t, "rec", string(p))

	e, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, KindAttachedFileData, e.Kind)
	require.Equal(t, int64(1000), e.Length)
	require.NoError(t, r.SkipPayload())
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestDescriptorIDsIgnoredOutsideDescriptors(t *testing.T) {
	data := AppendElement(nil, IDReSampleFile, []byte("x"))
	r := NewReader(sourceOf(data), "x", container.ModeProfile)
	e, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, KindUnknown, e.Kind)
}

func TestReaderFormatErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "zero id marker", data: []byte{0x00, 0x81}},
		{name: "length past end", data: []byte{0xEC, 0x85, 1}},
		{name: "truncated size", data: []byte{0xEC, 0x40}},
		{name: "child overruns parent", data: append(AppendID(nil, IDCluster), 0x82, 0xEC, 0x85)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReader(sourceOf(tc.data), "bad.mkv", container.ModeProfile)
			var err error
			for err == nil {
				var e *Element
				e, err = r.Next()
				if err == nil {
					if e.Kind.IsContainer() {
						err = r.Descend()
					} else {
						err = r.SkipPayload()
					}
				}
			}
			if !errors.Is(err, common.ErrFormat) {
				t.Fatalf("err = %v, want ErrFormat", err)
			}
		})
	}
}

func TestFrameLengthsNoLacing(t *testing.T) {
	got, used, err := FrameLengths(LacingNone, 77, nil)
	if err != nil || used != 0 || !reflect.DeepEqual(got, []int64{77}) {
		t.Fatalf("FrameLengths = %v, %d, %v", got, used, err)
	}
}

func TestStrippedHeaders(t *testing.T) {
	compression := func(algo byte, settings []byte) []byte {
		comp := AppendElement(nil, IDContentCompAlgo, []byte{algo})
		comp = AppendElement(comp, IDContentCompSettings, settings)
		enc := AppendElement(nil, IDContentCompression, comp)
		return AppendElement(nil, IDContentEncodings, AppendElement(nil, IDContentEncoding, enc))
	}
	var list []byte
	list = AppendElement(list, IDTrackEntry, append(AppendElement(nil, IDTrackNumber, []byte{1}), compression(CompressionHeaderStripping, []byte{0x00, 0x00, 0x01})...))
	list = AppendElement(list, IDTrackEntry, append(AppendElement(nil, IDTrackNumber, []byte{2}), compression(0, []byte{0x78})...))
	list = AppendElement(list, IDTrackEntry, AppendElement(nil, IDTrackNumber, []byte{3}))
	// a large track number and the number after the encodings
	list = AppendElement(list, IDTrackEntry, append(compression(CompressionHeaderStripping, []byte{0xFF}), AppendElement(nil, IDTrackNumber, []byte{0x01, 0x00})...))

	got, err := StrippedHeaders(list)
	require.NoError(t, err)
	require.Equal(t, map[int][]byte{1: {0x00, 0x00, 0x01}, 256: {0xFF}}, got)

	_, err = StrippedHeaders(append(list, 0xAE, 0x85, 0xD7))
	require.Error(t, err)
}
