package common

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// JobEntry records one file produced or verified by a create or rebuild job.
type JobEntry struct {
	Op     string    `json:"op"`
	File   string    `json:"file"`
	Size   int64     `json:"size,omitempty"`
	CRC    string    `json:"crc,omitempty"`
	Status string    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	Ts     time.Time `json:"ts"`
}

// FormatCRC renders a checksum the way job entries store it.
func FormatCRC(crc uint32) string {
	return fmt.Sprintf("%08X", crc)
}

// JobLog provides append-only access to a JSONL audit log of job results.
type JobLog struct {
	path string
	mu   sync.Mutex
}

// NewJobLog returns a JobLog that writes to the provided path.
func NewJobLog(path string) *JobLog {
	return &JobLog{path: path}
}

// Path returns the backing file path for the log.
func (p *JobLog) Path() string {
	if p == nil {
		return ""
	}
	return p.path
}

// Append writes a new entry to the audit log, one JSON object per line.
func (p *JobLog) Append(entry JobEntry) error {
	if p == nil {
		return errors.New("nil job log")
	}
	if entry.Op == "" || entry.File == "" {
		return errors.New("job entry missing op or file")
	}
	if entry.Ts.IsZero() {
		entry.Ts = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadJobLog loads every entry from the supplied JSONL file.
func ReadJobLog(path string) ([]JobEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var entries []JobEntry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry JobEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("decode job entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
