package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"example.com/rescene/internal/common"
	"example.com/rescene/internal/manifest"
	"example.com/rescene/internal/report"
)

// stringList is a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// jobFlags are accepted by every command that writes files.
type jobFlags struct {
	config     *string
	yes        *bool
	progress   *bool
	jobLog     *string
	reportJSON *string
	reportPDF  *string
	manifest   *string
	lang       *string
}

func addJobFlags(fs *flag.FlagSet) *jobFlags {
	return &jobFlags{
		config:     fs.String("config", "", "YAML job config"),
		yes:        fs.Bool("yes", false, "overwrite existing files without asking"),
		progress:   fs.Bool("progress", false, "display progress updates"),
		jobLog:     fs.String("joblog", "", "append results to this JSONL audit log"),
		reportJSON: fs.String("report-json", "", "write a JSON job report"),
		reportPDF:  fs.String("report-pdf", "", "write a PDF job report"),
		manifest:   fs.String("manifest", "", "write a digest manifest of the produced files"),
		lang:       fs.String("lang", "", "report language (en, tr)"),
	}
}

type job struct {
	cli     *cli
	cfg     config
	rep     report.Job
	metrics *common.Metrics

	stopProgress func()
	closeLog     func()
	stdin        *bufio.Reader
}

// startJob loads the config named by jf, applies the flag overrides and
// installs logging.
func (c *cli) startJob(op string, jf *jobFlags) (*job, error) {
	cfg, err := loadConfig(*jf.config)
	if err != nil {
		return nil, err
	}
	if *jf.yes {
		cfg.AssumeYes = true
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.JobLog, *jf.jobLog)
	override(&cfg.Report.JSON, *jf.reportJSON)
	override(&cfg.Report.PDF, *jf.reportPDF)
	override(&cfg.Report.Manifest, *jf.manifest)
	override(&cfg.Report.Lang, *jf.lang)

	closeLog, err := setupLogging(cfg, c.stderr)
	if err != nil {
		return nil, err
	}
	j := &job{
		cli:          c,
		cfg:          cfg,
		rep:          report.Job{Op: op, Tool: "rescenectl " + version, Started: time.Now().UTC()},
		metrics:      common.NewMetrics(),
		stopProgress: func() {},
		closeLog:     closeLog,
		stdin:        bufio.NewReader(c.stdin),
	}
	j.metrics.Start()
	if *jf.progress {
		j.stopProgress = common.StartProgressPrinter(c.stderr, j.metrics, 500*time.Millisecond)
	}
	return j, nil
}

func (j *job) warn(msg string) {
	j.rep.Warnings = append(j.rep.Warnings, msg)
	common.Warn(msg)
}

// overwrite asks on stdin before an existing file is replaced.
func (j *job) overwrite() common.OverwriteFunc {
	if j.cfg.AssumeYes {
		return nil
	}
	return func(path string) bool {
		fmt.Fprintf(j.cli.stderr, "%s exists, overwrite? [y/N] ", path)
		line, _ := j.stdin.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}

func (j *job) input(path string) {
	f := report.File{Path: path, Status: "read"}
	if info, err := os.Stat(path); err == nil {
		f.Size = info.Size()
	}
	j.rep.Inputs = append(j.rep.Inputs, f)
}

func (j *job) output(path, status string) {
	if err := j.rep.AddOutput(path, status); err != nil {
		j.warn(fmt.Sprintf("hash %s: %v", path, err))
	}
}

// finish records err, writes the audit log entries, manifest and reports,
// and returns the process exit code.
func (j *job) finish(err error) int {
	j.stopProgress()
	j.metrics.Stop()
	defer j.closeLog()

	j.rep.Finish(err)
	if err != nil {
		common.Logf("%s: %v", j.rep.Op, err)
	}
	if j.cfg.JobLog != "" {
		jl := common.NewJobLog(j.cfg.JobLog)
		for _, e := range j.rep.Entries() {
			if lerr := jl.Append(e); lerr != nil {
				common.Logf("job log: %v", lerr)
			}
		}
	}
	if j.cfg.Report.Manifest != "" && len(j.rep.Outputs) > 0 {
		if d, merr := j.writeManifest(); merr != nil {
			common.Logf("manifest: %v", merr)
		} else {
			j.rep.ManifestDigest = d
		}
	}
	if j.cfg.Report.JSON != "" {
		if rerr := report.SaveJSON(j.rep, j.cfg.Report.JSON); rerr != nil {
			common.Logf("report: %v", rerr)
		}
	}
	if j.cfg.Report.PDF != "" {
		lang, lerr := report.ParseLanguage(j.cfg.Report.Lang)
		if lerr != nil {
			common.Logf("report: %v", lerr)
		}
		opts := report.PDFOptions{Lang: lang, QRSize: j.cfg.Report.QRSize}
		if rerr := report.SavePDF(j.rep, j.cfg.Report.PDF, opts); rerr != nil {
			common.Logf("report: %v", rerr)
		}
	}
	s := j.metrics.Snapshot()
	common.Logf("%s finished in %s: %s processed, %d warnings, exit %d",
		j.rep.Op, s.Duration.Round(time.Millisecond), common.FormatBytes(s.Bytes), len(j.rep.Warnings), j.rep.ExitCode)
	return j.rep.ExitCode
}

func (j *job) writeManifest() (string, error) {
	paths := make([]string, len(j.rep.Outputs))
	for i, f := range j.rep.Outputs {
		paths[i] = f.Path
	}
	m, err := manifest.Build(context.Background(), paths, j.cfg.Workers)
	if err != nil {
		return "", err
	}
	out := j.cfg.Report.Manifest
	if j.cfg.Signing.PrivateKey != "" {
		key, err := os.ReadFile(j.cfg.Signing.PrivateKey)
		if err != nil {
			return "", err
		}
		var cert []byte
		if j.cfg.Signing.Certificate != "" {
			if cert, err = os.ReadFile(j.cfg.Signing.Certificate); err != nil {
				return "", err
			}
		}
		if err := manifest.SignFile(&m, out, jwsPath(out), key, cert); err != nil {
			return "", err
		}
	} else if err := manifest.Save(m, out); err != nil {
		return "", err
	}
	d, err := manifest.Digest(m)
	return d.String(), err
}

func jwsPath(manifestPath string) string {
	ext := filepath.Ext(manifestPath)
	return strings.TrimSuffix(manifestPath, ext) + ".jws"
}

// expandGlobs replaces every pattern with its matches. Patterns without a
// match are kept so the caller reports them as missing.
func expandGlobs(patterns []string) []string {
	var out []string
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil || len(matches) == 0 {
			out = append(out, p)
			continue
		}
		out = append(out, matches...)
	}
	return out
}
