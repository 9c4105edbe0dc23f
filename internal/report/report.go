// Package report renders the outcome of a create or rebuild job as JSON and
// as a printable PDF.
package report

import (
	"encoding/json"
	"os"
	"time"

	"example.com/rescene/internal/common"
)

// File is one input read or output written by a job.
type File struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	CRC    string `json:"crc32,omitempty"`
	Status string `json:"status"`
}

// Job summarizes a single rescenectl invocation.
type Job struct {
	Op             string        `json:"op"`
	Tool           string        `json:"tool"`
	Started        time.Time     `json:"started"`
	Duration       time.Duration `json:"duration"`
	Inputs         []File        `json:"inputs,omitempty"`
	Outputs        []File        `json:"outputs,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
	Mismatches     []string      `json:"mismatches,omitempty"`
	Error          string        `json:"error,omitempty"`
	ExitCode       int           `json:"exitCode"`
	ManifestDigest string        `json:"manifestDigest,omitempty"`
}

// OK reports whether the job finished without an error or mismatch.
func (j *Job) OK() bool {
	return j.ExitCode == 0 && j.Error == "" && len(j.Mismatches) == 0
}

// Finish records the terminal error of the job and its duration.
func (j *Job) Finish(err error) {
	j.Duration = time.Since(j.Started).Round(time.Millisecond)
	j.ExitCode = common.ExitCode(err)
	if err != nil {
		j.Error = err.Error()
	} else if len(j.Mismatches) > 0 {
		j.ExitCode = common.ExitChecksumMismatch
	}
}

// AddOutput hashes path and appends it to the outputs.
func (j *Job) AddOutput(path, status string) error {
	h, err := common.HashFile(path)
	if err != nil {
		return err
	}
	j.Outputs = append(j.Outputs, File{Path: path, Size: h.Size, CRC: common.FormatCRC(h.CRC), Status: status})
	return nil
}

// Entries converts the outputs into job log entries.
func (j *Job) Entries() []common.JobEntry {
	entries := make([]common.JobEntry, 0, len(j.Outputs))
	for _, f := range j.Outputs {
		entries = append(entries, common.JobEntry{
			Op:     j.Op,
			File:   f.Path,
			Size:   f.Size,
			CRC:    f.CRC,
			Status: f.Status,
			Ts:     j.Started.Add(j.Duration),
		})
	}
	return entries
}

func SaveJSON(j Job, out string) error {
	b, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func LoadJSON(path string) (Job, error) {
	var j Job
	b, err := os.ReadFile(path)
	if err != nil {
		return j, err
	}
	err = json.Unmarshal(b, &j)
	return j, err
}
