package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"example.com/rescene/internal/checksum"
)

// Hasher computes a content digest and a CRC32 over the same stream.
type Hasher struct {
	d   digest.Digester
	crc *checksum.Running
}

func NewHasher() *Hasher {
	return &Hasher{d: digest.Canonical.Digester(), crc: checksum.NewRunning()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	h.crc.Write(p)
	return h.d.Hash().Write(p)
}

func (h *Hasher) Digest() digest.Digest {
	return h.d.Digest()
}

func (h *Hasher) CRC() uint32 {
	return h.crc.Sum32()
}

// FileHash describes a file on disk.
type FileHash struct {
	Path   string
	Size   int64
	Digest digest.Digest
	CRC    uint32
}

// HashFile reads path once and returns its digest and CRC32.
func HashFile(path string) (FileHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileHash{}, err
	}
	defer f.Close()
	h := NewHasher()
	n, err := io.Copy(h, f)
	if err != nil {
		return FileHash{}, err
	}
	return FileHash{Path: path, Size: n, Digest: h.Digest(), CRC: h.CRC()}, nil
}

// PendingFile is an output written under a temporary name and published by
// renaming it into place once the job completes.
type PendingFile struct {
	*os.File
	final string
	done  bool
}

// CreatePending creates a temporary file next to final.
func CreatePending(final string) (*PendingFile, error) {
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(final)+".*.tmp")
	if err != nil {
		return nil, err
	}
	return &PendingFile{File: f, final: final}, nil
}

// Final returns the path the file is published under.
func (p *PendingFile) Final() string { return p.final }

// Commit closes the temporary file and renames it to its final path.
func (p *PendingFile) Commit() error {
	if p.done {
		return nil
	}
	p.done = true
	tmp := p.File.Name()
	if err := p.File.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, p.final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish %s: %w", p.final, err)
	}
	return nil
}

// Discard closes and removes the temporary file. It is a no-op after Commit.
func (p *PendingFile) Discard() {
	if p.done {
		return
	}
	p.done = true
	tmp := p.File.Name()
	p.File.Close()
	os.Remove(tmp)
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
