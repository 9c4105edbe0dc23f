// Package sfv reads and writes simple file verification lists.
package sfv

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Entry is one listed file and its published CRC32.
type Entry struct {
	Name string
	CRC  uint32
}

// Parse reads entries from r. Comment lines starting with ';' and lines too
// short to hold a name and an eight digit checksum are skipped.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if len(line) < 10 || strings.HasPrefix(line, ";") {
			continue
		}
		crc, err := strconv.ParseUint(line[len(line)-8:], 16, 32)
		if err != nil {
			continue
		}
		name := strings.TrimSpace(line[:len(line)-9])
		if name == "" {
			continue
		}
		entries = append(entries, Entry{Name: name, CRC: uint32(crc)})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ReadFile parses the list stored at path.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// Write renders entries as checksum list lines, one "name CRC" pair each.
func Write(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "%s %08X\r\n", e.Name, e.CRC); err != nil {
			return err
		}
	}
	return bw.Flush()
}
