package report

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"example.com/rescene/internal/common"
)

func sampleJob(t *testing.T) Job {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "release.rar")
	require.NoError(t, os.WriteFile(p, []byte("volume"), 0o644))
	j := Job{Op: "srr-rebuild", Tool: "rescenectl", Started: time.Now().Add(-time.Second)}
	j.Inputs = []File{{Path: "release.srr", Size: 120, Status: "read"}}
	require.NoError(t, j.AddOutput(p, "rebuilt"))
	j.Warnings = []string{"unknown block type 0x50 of 0 bytes at 0x80 skipped"}
	j.ManifestDigest = digest.FromString("manifest").String()
	return j
}

func TestJobFinish(t *testing.T) {
	j := sampleJob(t)
	j.Finish(nil)
	require.True(t, j.OK())
	require.Greater(t, j.Duration, time.Duration(0))

	j.Mismatches = []string{"data.bin"}
	j.Finish(nil)
	require.False(t, j.OK())
	require.Equal(t, common.ExitChecksumMismatch, j.ExitCode)

	j = sampleJob(t)
	j.Finish(fmt.Errorf("volume: %w", common.ErrSizeMismatch))
	require.Equal(t, common.ExitSizeMismatch, j.ExitCode)
	require.Contains(t, j.Error, "volume")
}

func TestAddOutput(t *testing.T) {
	j := sampleJob(t)
	require.Len(t, j.Outputs, 1)
	require.EqualValues(t, 6, j.Outputs[0].Size)
	require.Len(t, j.Outputs[0].CRC, 8)

	err := j.AddOutput(filepath.Join(t.TempDir(), "missing"), "rebuilt")
	require.True(t, errors.Is(err, os.ErrNotExist))

	entries := j.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "srr-rebuild", entries[0].Op)
	require.Equal(t, j.Outputs[0].CRC, entries[0].CRC)
}

func TestSaveLoadJSON(t *testing.T) {
	j := sampleJob(t)
	j.Finish(nil)
	out := filepath.Join(t.TempDir(), "job.json")
	require.NoError(t, SaveJSON(j, out))
	loaded, err := LoadJSON(out)
	require.NoError(t, err)
	require.Equal(t, j.Outputs, loaded.Outputs)
	require.Equal(t, j.Warnings, loaded.Warnings)
	require.Equal(t, j.ManifestDigest, loaded.ManifestDigest)
}

func TestSavePDF(t *testing.T) {
	for _, lang := range []Language{LangEnglish, LangTurkish} {
		t.Run(string(lang), func(t *testing.T) {
			j := sampleJob(t)
			j.Finish(nil)
			out := filepath.Join(t.TempDir(), "job.pdf")
			require.NoError(t, SavePDF(j, out, PDFOptions{Lang: lang}))
			b, err := os.ReadFile(out)
			require.NoError(t, err)
			require.True(t, bytes.HasPrefix(b, []byte("%PDF-")))
		})
	}
}

func TestSavePDFRejectsBadDigest(t *testing.T) {
	j := sampleJob(t)
	j.ManifestDigest = "not-a-digest"
	err := SavePDF(j, filepath.Join(t.TempDir(), "job.pdf"), PDFOptions{})
	require.Error(t, err)
}

func TestManifestDigestToQR(t *testing.T) {
	png, err := ManifestDigestToQR(" "+digest.FromString("x").String()+" ", 0)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	_, err = ManifestDigestToQR("", 64)
	require.Error(t, err)
}

func TestLabels(t *testing.T) {
	require.Equal(t, "Summary", NewLabels(LangEnglish).T("summary"))
	require.Equal(t, "Özet", NewLabels(LangTurkish).T("summary"))
	require.Equal(t, "no-such-key", NewLabels(LangTurkish).T("no-such-key"))
	require.Equal(t, LangEnglish, NewLabels(Language("de")).Lang())

	lang, err := ParseLanguage("TR")
	require.NoError(t, err)
	require.Equal(t, LangTurkish, lang)
	_, err = ParseLanguage("klingon")
	require.ErrorIs(t, err, ErrUnsupportedLanguage)
}
