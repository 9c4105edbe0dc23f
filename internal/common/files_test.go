package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, []byte("123456789"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if got.Size != 9 {
		t.Fatalf("Size = %d, want 9", got.Size)
	}
	if got.CRC != 0xCBF43926 {
		t.Fatalf("CRC = %08X, want CBF43926", got.CRC)
	}
	if want := digest.FromString("123456789"); got.Digest != want {
		t.Fatalf("Digest = %s, want %s", got.Digest, want)
	}
}

func TestPendingFileCommitAndDiscard(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "sub", "out.rar")

	p, err := CreatePending(final)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if _, err := p.Write([]byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if Exists(final) {
		t.Fatalf("final path visible before commit")
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	b, err := os.ReadFile(final)
	if err != nil || string(b) != "abc" {
		t.Fatalf("published content = %q, %v", b, err)
	}

	q, err := CreatePending(filepath.Join(dir, "gone.bin"))
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	tmp := q.Name()
	q.Discard()
	if Exists(tmp) || Exists(filepath.Join(dir, "gone.bin")) {
		t.Fatalf("discarded output left on disk")
	}
}

func TestJobLogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "jobs.jsonl")
	log := NewJobLog(path)
	if err := log.Append(JobEntry{Op: "srr-rebuild", File: "a.rar", Size: 10, CRC: FormatCRC(0xAB), Status: "ok"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Append(JobEntry{Op: "srs-rebuild"}); err == nil {
		t.Fatalf("expected error for entry without file")
	}
	entries, err := ReadJobLog(path)
	if err != nil {
		t.Fatalf("ReadJobLog: %v", err)
	}
	if len(entries) != 1 || entries[0].CRC != "000000AB" || entries[0].Ts.IsZero() {
		t.Fatalf("entries = %+v", entries)
	}
}
