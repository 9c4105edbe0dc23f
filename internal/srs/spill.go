package srs

import (
	"errors"
	"io"
	"os"
)

// Spill is a scratch file holding bytes extracted from a full file for one
// track or attachment. It is written sequentially, then read back from the
// start, and removed on Close.
type Spill struct {
	f    *os.File
	wpos int64
	rpos int64
}

// NewSpill creates a scratch file in dir. pattern follows os.CreateTemp.
func NewSpill(dir, pattern string) (*Spill, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return &Spill{f: f}, nil
}

func (s *Spill) Write(p []byte) (int, error) {
	n, err := s.f.WriteAt(p, s.wpos)
	s.wpos += int64(n)
	return n, err
}

func (s *Spill) Read(p []byte) (int, error) {
	if s.rpos >= s.wpos {
		return 0, io.EOF
	}
	if left := s.wpos - s.rpos; int64(len(p)) > left {
		p = p[:left]
	}
	n, err := s.f.ReadAt(p, s.rpos)
	s.rpos += int64(n)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

// Len returns the number of bytes written.
func (s *Spill) Len() int64 { return s.wpos }

// Rewind moves the read position back to the start.
func (s *Spill) Rewind() { s.rpos = 0 }

// Path returns the scratch file location.
func (s *Spill) Path() string { return s.f.Name() }

// Close closes and deletes the scratch file.
func (s *Spill) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	name := s.f.Name()
	err := s.f.Close()
	s.f = nil
	if rerr := os.Remove(name); rerr != nil && err == nil && !errors.Is(rerr, os.ErrNotExist) {
		err = rerr
	}
	return err
}
