package common

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Metrics tracks the progress of one create or rebuild job. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	began, ended time.Time
	bytes        int64
	total        int64
	totalFixed   bool
	nodes        int64
	warnings     int64
	files        int64
	current      string
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) update(fn func()) {
	if m == nil {
		return
	}
	m.mu.Lock()
	fn()
	m.mu.Unlock()
}

// Start marks the beginning of the job. Later calls are ignored.
func (m *Metrics) Start() {
	m.update(func() {
		if m.began.IsZero() {
			m.began = time.Now()
		}
	})
}

// Stop freezes the job duration.
func (m *Metrics) Stop() {
	m.update(func() {
		if !m.began.IsZero() && m.ended.IsZero() {
			m.ended = time.Now()
		}
	})
}

// OpenFile records that a container file of size bytes is being walked.
// Its size counts toward the total unless SetTotalBytes fixed one.
func (m *Metrics) OpenFile(path string, size int64) {
	m.update(func() {
		m.files++
		m.current = filepath.Base(path)
		if !m.totalFixed && size > 0 {
			m.total += size
		}
	})
}

// AddNode records one structural node and the bytes it occupied.
func (m *Metrics) AddNode(size int64) {
	m.update(func() {
		m.nodes++
		if size > 0 {
			m.bytes += size
		}
	})
}

func (m *Metrics) AddBytes(n int64) {
	if n <= 0 {
		return
	}
	m.update(func() { m.bytes += n })
}

func (m *Metrics) IncWarning() {
	m.update(func() { m.warnings++ })
}

// SetTotalBytes fixes the number of bytes the job is expected to process.
func (m *Metrics) SetTotalBytes(total int64) {
	m.update(func() {
		m.total = max(total, 0)
		m.totalFixed = true
	})
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	var s MetricsSnapshot
	m.update(func() {
		s = MetricsSnapshot{
			Bytes:      m.bytes,
			TotalBytes: m.total,
			Nodes:      m.nodes,
			Warnings:   m.warnings,
			Files:      m.files,
			Current:    m.current,
		}
		switch {
		case m.began.IsZero():
		case m.ended.IsZero():
			s.Duration = time.Since(m.began)
		default:
			s.Duration = m.ended.Sub(m.began)
		}
	})
	return s
}

type MetricsSnapshot struct {
	Duration   time.Duration
	Bytes      int64
	TotalBytes int64
	Nodes      int64
	Warnings   int64
	Files      int64
	// Current is the base name of the file opened last.
	Current string
}

func (s MetricsSnapshot) ThroughputBytesPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Duration.Seconds()
}

// Completion returns the processed share of the total in [0, 1].
func (s MetricsSnapshot) Completion() float64 {
	if s.TotalBytes <= 0 || s.Bytes <= 0 {
		return 0
	}
	return min(float64(s.Bytes)/float64(s.TotalBytes), 1)
}

var byteUnits = []string{"KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}

func FormatBytes(b int64) string {
	if b < 1024 {
		return fmt.Sprintf("%d B", b)
	}
	v := float64(b) / 1024
	i := 0
	for v >= 1024 && i < len(byteUnits)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", v, byteUnits[i])
}

func (s MetricsSnapshot) progressLine() string {
	rate := s.ThroughputBytesPerSecond() / (1 << 20)
	var b strings.Builder
	if s.TotalBytes > 0 {
		fmt.Fprintf(&b, "Progress: %6.2f%% (%s / %s)", s.Completion()*100, FormatBytes(s.Bytes), FormatBytes(s.TotalBytes))
	} else {
		fmt.Fprintf(&b, "Processed: %s in %d blocks", FormatBytes(s.Bytes), s.Nodes)
	}
	fmt.Fprintf(&b, " %.2f MiB/s", rate)
	if s.Current != "" {
		fmt.Fprintf(&b, " [%d: %s]", s.Files, s.Current)
	}
	return b.String()
}

// StartProgressPrinter rewrites one status line on w every interval until
// the returned func is called.
func StartProgressPrinter(w io.Writer, m *Metrics, interval time.Duration) func() {
	if m == nil || w == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = time.Second
	}
	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		tick := time.NewTicker(interval)
		defer tick.Stop()
		width := 0
		for {
			select {
			case <-tick.C:
				line := m.Snapshot().progressLine()
				if n := width - len(line); n > 0 {
					line += strings.Repeat(" ", n)
				}
				width = len(line)
				fmt.Fprint(w, "\r"+line)
			case <-stop:
				if width > 0 {
					fmt.Fprint(w, "\r"+strings.Repeat(" ", width)+"\r\n")
				}
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-finished
	}
}
