package srr

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/rescene/internal/checksum"
	"example.com/rescene/internal/common"
	"example.com/rescene/internal/container"
	"example.com/rescene/internal/rar"
	"example.com/rescene/internal/rar/rartest"
)

func randBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

// release is a volume set plus the file it archives.
type release struct {
	data    []byte
	volumes []string
	dataDir string
}

func newRelease(t *testing.T, n int, sizes []int64, opts rartest.Options) *release {
	t.Helper()
	rel := &release{data: randBytes(int64(n), n)}
	volDir := filepath.Join(t.TempDir(), "release")
	require.NoError(t, os.MkdirAll(volDir, 0o755))
	var err error
	rel.volumes, err = rartest.WriteSet(volDir, "set", rel.data, sizes, opts)
	require.NoError(t, err)
	rel.dataDir = t.TempDir()
	name := opts.FileName
	if name == "" {
		name = "data.bin"
	}
	writeFile(t, rel.dataDir, name, rel.data)
	return rel
}

func (rel *release) requireRebuilt(t *testing.T, res *Result, outDir string) {
	t.Helper()
	require.Len(t, res.Volumes, len(rel.volumes))
	for i, p := range rel.volumes {
		want, err := os.ReadFile(p)
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(outDir, filepath.Base(p)))
		require.NoError(t, err)
		require.True(t, bytes.Equal(want, got), "volume %s differs", filepath.Base(p))
		require.Equal(t, int64(len(want)), res.Volumes[i].Size)
		require.Equal(t, checksum.Sum(want), res.Volumes[i].CRC)
	}
}

type warnings []string

func (w *warnings) sink() common.Sink {
	return func(msg string) { *w = append(*w, msg) }
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		opts rartest.Options
	}{
		{"old numbering", rartest.Options{}},
		{"new numbering", rartest.Options{NewNumbering: true}},
		{"recovery records", rartest.Options{RecoverySectors: 3}},
		{"single recovery sector", rartest.Options{NewNumbering: true, RecoverySectors: 1}},
		{"trailing padding", rartest.Options{RecoverySectors: 2, Trailing: []byte("padding after the end")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rel := newRelease(t, 2500, []int64{1000, 1000, 500}, tc.opts)
			nfo := writeFile(t, t.TempDir(), "release.nfo", []byte("release notes"))

			srrPath := filepath.Join(t.TempDir(), "set.srr")
			require.NoError(t, Create(srrPath, []string{rel.volumes[0]}, Options{Store: []string{nfo}}))

			var total int64
			for _, p := range rel.volumes {
				info, err := os.Stat(p)
				require.NoError(t, err)
				total += info.Size()
			}
			info, err := os.Stat(srrPath)
			require.NoError(t, err)
			require.Less(t, info.Size(), total)

			outDir := t.TempDir()
			var warned warnings
			res, err := Rebuild(srrPath, rel.dataDir, outDir, Options{Warn: warned.sink()})
			require.NoError(t, err)
			require.True(t, res.OK())
			require.Empty(t, warned)
			rel.requireRebuilt(t, res, outDir)

			require.Equal(t, []string{filepath.Join(outDir, "release.nfo")}, res.Stored)
			got, err := os.ReadFile(res.Stored[0])
			require.NoError(t, err)
			require.Equal(t, "release notes", string(got))
		})
	}
}

func TestRoundTripTwoFiles(t *testing.T) {
	dir := t.TempDir()
	first := randBytes(1, 700)
	second := randBytes(2, 300)
	var buf bytes.Buffer
	buf.Write(rartest.Marker())
	buf.Write(rartest.VolumeHeader(0))
	buf.Write(rartest.FileHeader("first.bin", 0, 700, 700, checksum.Sum(first), rar.MethodStore))
	buf.Write(first)
	buf.Write(rartest.FileHeader("second.bin", 0, 300, 300, checksum.Sum(second), rar.MethodStore))
	buf.Write(second)
	buf.Write(rartest.EndBlock())
	vol := writeFile(t, dir, "two.rar", buf.Bytes())
	writeFile(t, dir, "first.bin", first)
	writeFile(t, dir, "second.bin", second)

	srrPath := filepath.Join(dir, "two.srr")
	require.NoError(t, Create(srrPath, []string{vol}, Options{}))
	outDir := t.TempDir()
	res, err := Rebuild(srrPath, dir, outDir, Options{})
	require.NoError(t, err)
	require.True(t, res.OK())
	got, err := os.ReadFile(filepath.Join(outDir, "two.rar"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(buf.Bytes(), got))
}

func TestCreateFromSFV(t *testing.T) {
	rel := newRelease(t, 2500, []int64{1000, 1000, 500}, rartest.Options{})
	dir := filepath.Dir(rel.volumes[0])
	var sb strings.Builder
	sb.WriteString("; generated\n")
	for _, i := range []int{2, 0, 1} {
		fmt.Fprintf(&sb, "%s %08X\n", filepath.Base(rel.volumes[i]), i)
	}
	sb.WriteString("readme.txt 0000ABCD\n")
	sfvPath := writeFile(t, dir, "set.sfv", []byte(sb.String()))

	srrPath := filepath.Join(t.TempDir(), "set.srr")
	var warned warnings
	require.NoError(t, Create(srrPath, []string{sfvPath}, Options{Warn: warned.sink()}))
	require.Len(t, warned, 1)
	require.Contains(t, warned[0], "readme.txt")

	info, err := ReadInfo(srrPath)
	require.NoError(t, err)
	require.Equal(t, DefaultAppName, info.AppName)
	require.Equal(t, []StoredFile{{Name: "set.sfv", Size: uint64(sb.Len())}}, info.Stored)
	require.Len(t, info.Volumes, 3)
	for i, v := range info.Volumes {
		require.Equal(t, filepath.Base(rel.volumes[i]), v.Name)
	}
	require.Len(t, info.Extra, 1)
	require.Equal(t, "readme.txt", info.Extra[0].Name)

	outDir := t.TempDir()
	res, err := Rebuild(srrPath, rel.dataDir, outDir, Options{})
	require.NoError(t, err)
	rel.requireRebuilt(t, res, outDir)
	require.FileExists(t, filepath.Join(outDir, "set.sfv"))
}

func TestCreateErrors(t *testing.T) {
	t.Run("compressed", func(t *testing.T) {
		rel := newRelease(t, 600, []int64{300, 300}, rartest.Options{Method: 0x33})
		srrPath := filepath.Join(t.TempDir(), "set.srr")
		err := Create(srrPath, []string{rel.volumes[0]}, Options{})
		require.ErrorIs(t, err, common.ErrUnsupported)
		require.Equal(t, common.ExitUnsupported, common.ExitCode(err))
		require.NoFileExists(t, srrPath)
	})
	t.Run("not the first volume", func(t *testing.T) {
		for _, newNumbering := range []bool{false, true} {
			rel := newRelease(t, 600, []int64{300, 300}, rartest.Options{NewNumbering: newNumbering})
			srrPath := filepath.Join(t.TempDir(), "set.srr")
			err := Create(srrPath, []string{rel.volumes[1]}, Options{})
			require.ErrorIs(t, err, common.ErrProtocol)
			require.NoFileExists(t, srrPath)
		}
	})
	t.Run("missing volume", func(t *testing.T) {
		rel := newRelease(t, 600, []int64{300, 300}, rartest.Options{})
		dir := filepath.Dir(rel.volumes[0])
		sfvPath := writeFile(t, dir, "set.sfv", []byte("set.rar 00000000\nset.r00 00000000\nset.r01 00000000\n"))
		srrPath := filepath.Join(t.TempDir(), "set.srr")
		err := Create(srrPath, []string{sfvPath}, Options{})
		require.ErrorIs(t, err, common.ErrMissingInput)
		require.NoFileExists(t, srrPath)
	})
	t.Run("overwrite refused", func(t *testing.T) {
		rel := newRelease(t, 600, []int64{600}, rartest.Options{})
		srrPath := writeFile(t, t.TempDir(), "set.srr", []byte("old"))
		err := Create(srrPath, []string{rel.volumes[0]}, Options{Overwrite: func(string) bool { return false }})
		require.ErrorIs(t, err, common.ErrAborted)
		got, err := os.ReadFile(srrPath)
		require.NoError(t, err)
		require.Equal(t, "old", string(got))
	})
}

func createSRR(t *testing.T, rel *release, opts Options) string {
	t.Helper()
	srrPath := filepath.Join(t.TempDir(), "set.srr")
	require.NoError(t, Create(srrPath, []string{rel.volumes[0]}, opts))
	return srrPath
}

func TestRebuildLocatesRenamedData(t *testing.T) {
	rel := newRelease(t, 1500, []int64{1000, 500}, rartest.Options{})
	srrPath := createSRR(t, rel, Options{})
	require.NoError(t, os.Rename(filepath.Join(rel.dataDir, "data.bin"), filepath.Join(rel.dataDir, "renamed.bin")))

	_, err := Rebuild(srrPath, rel.dataDir, t.TempDir(), Options{})
	require.ErrorIs(t, err, common.ErrMissingInput)

	outDir := t.TempDir()
	res, err := Rebuild(srrPath, rel.dataDir, outDir, Options{Hints: map[string]string{"DATA.BIN": "renamed.bin"}})
	require.NoError(t, err)
	rel.requireRebuilt(t, res, outDir)

	outDir = t.TempDir()
	var warned warnings
	res, err = Rebuild(srrPath, rel.dataDir, outDir, Options{AutoLocate: true, Warn: warned.sink()})
	require.NoError(t, err)
	rel.requireRebuilt(t, res, outDir)
	require.NotEmpty(t, warned)
}

func TestRebuildLocatesRenamedDataInSubfolder(t *testing.T) {
	rel := newRelease(t, 1500, []int64{1000, 500}, rartest.Options{})
	srrPath := createSRR(t, rel, Options{})
	writeFile(t, rel.dataDir, "decoy.bin", rel.data[:100])
	nested := filepath.Join(rel.dataDir, "CD1", "movie.BIN")
	require.NoError(t, os.MkdirAll(filepath.Dir(nested), 0o755))
	require.NoError(t, os.Rename(filepath.Join(rel.dataDir, "data.bin"), nested))

	outDir := t.TempDir()
	var warned warnings
	res, err := Rebuild(srrPath, rel.dataDir, outDir, Options{AutoLocate: true, Warn: warned.sink()})
	require.NoError(t, err)
	rel.requireRebuilt(t, res, outDir)
	require.Contains(t, strings.Join(warned, "\n"), nested)
}

func TestRebuildSizeMismatch(t *testing.T) {
	rel := newRelease(t, 1500, []int64{1000, 500}, rartest.Options{})
	srrPath := createSRR(t, rel, Options{})
	writeFile(t, rel.dataDir, "data.bin", rel.data[:1400])

	outDir := t.TempDir()
	_, err := Rebuild(srrPath, rel.dataDir, outDir, Options{})
	require.ErrorIs(t, err, common.ErrSizeMismatch)
	require.Equal(t, common.ExitSizeMismatch, common.ExitCode(err))
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRebuildChecksumMismatch(t *testing.T) {
	rel := newRelease(t, 1500, []int64{1000, 500}, rartest.Options{})
	srrPath := createSRR(t, rel, Options{})
	bad := append([]byte(nil), rel.data...)
	bad[1200] ^= 0xFF
	writeFile(t, rel.dataDir, "data.bin", bad)

	var warned warnings
	res, err := Rebuild(srrPath, rel.dataDir, t.TempDir(), Options{Warn: warned.sink()})
	require.NoError(t, err)
	require.False(t, res.OK())
	require.Equal(t, []string{"data.bin"}, res.Mismatches)
	require.Len(t, res.Volumes, 2)
	require.Len(t, warned, 1)

	res, err = Rebuild(srrPath, rel.dataDir, t.TempDir(), Options{SkipCRC: true})
	require.NoError(t, err)
	require.True(t, res.OK())
}

func TestRebuildSkipsUnknownBlocks(t *testing.T) {
	rel := newRelease(t, 800, []int64{800}, rartest.Options{})
	srrPath := createSRR(t, rel, Options{})
	f, err := os.OpenFile(srrPath, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00, 0x00, 0x50, 0x00, 0x00, 0x07, 0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	outDir := t.TempDir()
	var warned warnings
	metrics := common.NewMetrics()
	res, err := Rebuild(srrPath, rel.dataDir, outDir, Options{Warn: warned.sink(), Metrics: metrics})
	require.NoError(t, err)
	rel.requireRebuilt(t, res, outDir)
	require.Len(t, warned, 1)
	require.Contains(t, warned[0], "0x50")
	require.Equal(t, int64(1), metrics.Snapshot().Warnings)
}

func TestRebuildWarnsOnUnknownFlags(t *testing.T) {
	rel := newRelease(t, 800, []int64{800}, rartest.Options{})
	nfo := writeFile(t, t.TempDir(), "release.nfo", []byte("notes"))
	srrPath := createSRR(t, rel, Options{AppName: "app", Store: []string{nfo}})

	r, err := openDescriptor(srrPath)
	require.NoError(t, err)
	var offsets []int64
	for {
		blk, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch blk.Kind {
		case rar.KindSrrHeader, rar.KindSrrStoredFile, rar.KindSrrRarFile:
			offsets = append(offsets, blk.Offset)
		}
		require.NoError(t, r.SkipPayload())
	}
	require.NoError(t, r.Close())
	require.Len(t, offsets, 3)

	raw, err := os.ReadFile(srrPath)
	require.NoError(t, err)
	for _, off := range offsets {
		raw[off+4] |= 0x04
	}
	require.NoError(t, os.WriteFile(srrPath, raw, 0o644))

	outDir := t.TempDir()
	var warned warnings
	metrics := common.NewMetrics()
	res, err := Rebuild(srrPath, rel.dataDir, outDir, Options{Warn: warned.sink(), Metrics: metrics})
	require.NoError(t, err)
	require.True(t, res.OK())
	rel.requireRebuilt(t, res, outDir)
	require.Len(t, res.Stored, 1)
	require.Len(t, warned, 3)
	require.Contains(t, warned[0], "descriptor header")
	require.Contains(t, warned[1], "release.nfo")
	require.Contains(t, warned[2], "set.rar")
	for _, w := range warned {
		require.Contains(t, w, "unsupported flags")
	}
	require.EqualValues(t, 3, metrics.Snapshot().Warnings)
}

func TestRebuildOverwriteRefused(t *testing.T) {
	rel := newRelease(t, 800, []int64{800}, rartest.Options{})
	srrPath := createSRR(t, rel, Options{})
	outDir := t.TempDir()
	writeFile(t, outDir, "set.rar", []byte("keep"))
	_, err := Rebuild(srrPath, rel.dataDir, outDir, Options{Overwrite: func(string) bool { return false }})
	require.ErrorIs(t, err, common.ErrAborted)
	got, err := os.ReadFile(filepath.Join(outDir, "set.rar"))
	require.NoError(t, err)
	require.Equal(t, "keep", string(got))
}

func TestInfo(t *testing.T) {
	n := 150000
	rel := newRelease(t, n, []int64{70000, 80000}, rartest.Options{RecoverySectors: 2, Trailing: []byte{1, 2, 3}})
	srrPath := createSRR(t, rel, Options{AppName: "test app", OsoHashes: true})

	info, err := ReadInfo(srrPath)
	require.NoError(t, err)
	require.Equal(t, "test app", info.AppName)
	require.Empty(t, info.Stored)
	require.Len(t, info.Volumes, 2)
	for i, v := range info.Volumes {
		st, err := os.Stat(rel.volumes[i])
		require.NoError(t, err)
		require.Equal(t, st.Size(), v.Size)
	}
	require.Equal(t, []ArchivedFile{{Name: "data.bin", Size: uint64(n), CRC: checksum.Sum(rel.data)}}, info.Archived)
	require.False(t, info.Compressed())
	require.Positive(t, info.RecoverySize)

	want, err := rar.OsoHash(container.NewBufferedSource(bytes.NewReader(rel.data), int64(n), 0))
	require.NoError(t, err)
	require.Equal(t, []OsoHash{{Name: "data.bin", Size: uint64(n), Hash: want}}, info.OsoHashes)

	res, err := Rebuild(srrPath, rel.dataDir, t.TempDir(), Options{})
	require.NoError(t, err)
	require.True(t, res.OK())
}

func TestStoredFiles(t *testing.T) {
	rel := newRelease(t, 800, []int64{800}, rartest.Options{})
	base := t.TempDir()
	proof := writeFile(t, base, "Proof/proof.jpg", []byte("jpeg bytes"))
	nfo := writeFile(t, base, "release.nfo", []byte("notes"))

	srrPath := createSRR(t, rel, Options{Store: []string{nfo}})
	require.NoError(t, AddStored(srrPath, []string{proof}, Options{BaseDir: base, SavePaths: true}))

	info, err := ReadInfo(srrPath)
	require.NoError(t, err)
	require.Equal(t, []StoredFile{{Name: "release.nfo", Size: 5}, {Name: "Proof/proof.jpg", Size: 10}}, info.Stored)
	require.Len(t, info.Volumes, 1)

	flat := t.TempDir()
	written, err := ExtractStored(srrPath, flat, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(flat, "release.nfo"), filepath.Join(flat, "proof.jpg")}, written)

	nested := t.TempDir()
	written, err = ExtractStored(srrPath, nested, Options{SavePaths: true})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(nested, "Proof", "proof.jpg"), written[1])
	got, err := os.ReadFile(written[1])
	require.NoError(t, err)
	require.Equal(t, "jpeg bytes", string(got))

	_, err = ExtractStored(srrPath, flat, Options{Overwrite: func(string) bool { return false }})
	require.ErrorIs(t, err, common.ErrAborted)

	outDir := t.TempDir()
	res, err := Rebuild(srrPath, rel.dataDir, outDir, Options{})
	require.NoError(t, err)
	rel.requireRebuilt(t, res, outDir)
	require.Len(t, res.Stored, 2)
}

func TestOutputPath(t *testing.T) {
	p, err := outputPath("out", "Sample/a.mkv", true)
	require.NoError(t, err)
	require.Equal(t, filepath.Join("out", "Sample", "a.mkv"), p)

	p, err = outputPath("out", "Sample\\a.mkv", false)
	require.NoError(t, err)
	require.Equal(t, filepath.Join("out", "a.mkv"), p)

	_, err = outputPath("out", "../escape.txt", true)
	require.ErrorIs(t, err, common.ErrFormat)

	require.Equal(t, "Sample/a.mkv", storedName(filepath.Join("base", "Sample", "a.mkv"), "base", true))
	require.Equal(t, "a.mkv", storedName(filepath.Join("base", "Sample", "a.mkv"), "base", false))
	require.Equal(t, "a.mkv", storedName(filepath.Join("elsewhere", "a.mkv"), "base", true))
}
