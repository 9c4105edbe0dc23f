// Package manifest records content digests of the files a job produced.
package manifest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"example.com/rescene/internal/common"
)

type Item struct {
	Path   string        `json:"path"`
	Size   int64         `json:"size"`
	Digest digest.Digest `json:"digest"`
	CRC    string        `json:"crc32"`
	Type   string        `json:"type"`
}

type Manifest struct {
	CreatedAt time.Time  `json:"createdAt"`
	Algorithm string     `json:"algorithm"`
	Items     []Item     `json:"items"`
	Signature *Signature `json:"signature,omitempty"`
}

type Signature struct {
	Type          string `json:"type"`
	CertSubject   string `json:"certSubject,omitempty"`
	Issuer        string `json:"issuer,omitempty"`
	SignatureFile string `json:"signatureFile,omitempty"`
}

// Build hashes paths with up to workers files in flight. Items keep the
// order of paths. Zero workers selects one per CPU.
func Build(ctx context.Context, paths []string, workers int) (Manifest, error) {
	m := Manifest{CreatedAt: time.Now().UTC(), Algorithm: string(digest.Canonical)}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	items := make([]Item, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := common.HashFile(p)
			if err != nil {
				return err
			}
			items[i] = Item{Path: p, Size: h.Size, Digest: h.Digest, CRC: common.FormatCRC(h.CRC), Type: fileType(p)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return m, err
	}
	m.Items = items
	return m, nil
}

func fileType(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	switch {
	case ext == ".srr":
		return "srr"
	case ext == ".srs":
		return "srs"
	case ext == ".sfv":
		return "sfv"
	case ext == ".mkv", ext == ".avi":
		return "sample"
	case ext == ".json", ext == ".jsonl":
		return "json"
	case ext == ".pdf":
		return "pdf"
	case hasVolumeExt(ext):
		return "rar"
	}
	return "other"
}

func hasVolumeExt(ext string) bool {
	if ext == ".rar" {
		return true
	}
	if len(ext) != 4 {
		return false
	}
	c := ext[1]
	isDigit := func(b byte) bool { return b >= '0' && b <= '9' }
	return (isDigit(c) || (c >= 'r' && c <= 'v')) && isDigit(ext[2]) && isDigit(ext[3])
}

// Marshal renders m the way Save writes it.
func Marshal(m Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Digest returns the digest of the saved form of m.
func Digest(m Manifest) (digest.Digest, error) {
	b, err := Marshal(m)
	if err != nil {
		return "", err
	}
	return digest.FromBytes(b), nil
}

func Save(m Manifest, out string) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0o644)
}

func Load(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

// Verify rehashes every item and returns the paths whose size or digest
// changed.
func Verify(ctx context.Context, m Manifest, workers int) ([]string, error) {
	paths := make([]string, len(m.Items))
	for i, it := range m.Items {
		paths[i] = it.Path
	}
	now, err := Build(ctx, paths, workers)
	if err != nil {
		return nil, err
	}
	var changed []string
	for i, it := range m.Items {
		if now.Items[i].Digest != it.Digest || now.Items[i].Size != it.Size {
			changed = append(changed, it.Path)
		}
	}
	return changed, nil
}
