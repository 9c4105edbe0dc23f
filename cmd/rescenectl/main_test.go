package main

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"example.com/rescene/internal/common"
	"example.com/rescene/internal/manifest"
	"example.com/rescene/internal/rar/rartest"
	"example.com/rescene/internal/report"
)

func newTestCLI(stdin string) (*cli, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	return &cli{stdin: strings.NewReader(stdin), stdout: &stdout, stderr: &stderr}, &stdout, &stderr
}

func writeRelease(t *testing.T, root string) ([]string, []byte) {
	t.Helper()
	data := make([]byte, 3000)
	rand.New(rand.NewSource(7)).Read(data)
	volDir := filepath.Join(root, "release")
	if err := os.MkdirAll(volDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	vols, err := rartest.WriteSet(volDir, "set", data, []int64{1200, 1200, 600}, rartest.Options{})
	if err != nil {
		t.Fatalf("WriteSet: %v", err)
	}
	if err := os.WriteFile(filepath.Join(volDir, "set.nfo"), []byte("release notes"), 0o644); err != nil {
		t.Fatalf("WriteFile nfo: %v", err)
	}
	return vols, data
}

func TestSrrCreateAndRebuild(t *testing.T) {
	root := t.TempDir()
	vols, data := writeRelease(t, root)
	srrPath := filepath.Join(root, "set.srr")
	jobLog := filepath.Join(root, "jobs.jsonl")

	c, _, stderr := newTestCLI("")
	code := c.run([]string{"srr-create",
		"--out", srrPath,
		"--store", filepath.Join(root, "release", "*.nfo"),
		"--joblog", jobLog,
		vols[0],
	})
	if code != common.ExitOK {
		t.Fatalf("srr-create exit %d: %s", code, stderr.String())
	}

	dataDir := filepath.Join(root, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "data.bin"), data, 0o644); err != nil {
		t.Fatalf("WriteFile data: %v", err)
	}
	outDir := filepath.Join(root, "out")
	reportPath := filepath.Join(root, "job.json")
	manifestPath := filepath.Join(root, "manifest.json")
	code = c.run([]string{"srr-rebuild",
		"--srr", srrPath,
		"--in", dataDir,
		"--out", outDir,
		"--joblog", jobLog,
		"--report-json", reportPath,
		"--manifest", manifestPath,
	})
	if code != common.ExitOK {
		t.Fatalf("srr-rebuild exit %d: %s", code, stderr.String())
	}
	for _, v := range vols {
		want, _ := os.ReadFile(v)
		got, err := os.ReadFile(filepath.Join(outDir, filepath.Base(v)))
		if err != nil {
			t.Fatalf("ReadFile rebuilt: %v", err)
		}
		if !bytes.Equal(want, got) {
			t.Fatalf("volume %s differs", filepath.Base(v))
		}
	}
	if _, err := os.Stat(filepath.Join(outDir, "set.nfo")); err != nil {
		t.Fatalf("stored file not restored: %v", err)
	}

	entries, err := common.ReadJobLog(jobLog)
	if err != nil {
		t.Fatalf("ReadJobLog: %v", err)
	}
	// one descriptor plus three volumes and the stored file
	if len(entries) != 5 {
		t.Fatalf("job log has %d entries", len(entries))
	}

	rep, err := report.LoadJSON(reportPath)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if !rep.OK() || len(rep.Outputs) != 4 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	m, err := manifest.Load(manifestPath)
	if err != nil {
		t.Fatalf("manifest.Load: %v", err)
	}
	d, err := manifest.Digest(m)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if rep.ManifestDigest != d.String() {
		t.Fatalf("report digest %s, manifest %s", rep.ManifestDigest, d)
	}

	pdfPath := filepath.Join(root, "job.pdf")
	if code := c.run([]string{"report", "--json", reportPath, "--pdf", pdfPath, "--lang", "tr"}); code != common.ExitOK {
		t.Fatalf("report exit %d: %s", code, stderr.String())
	}
	if _, err := os.Stat(pdfPath); err != nil {
		t.Fatalf("pdf missing: %v", err)
	}

	if code := c.run([]string{"verify-manifest", "--manifest", manifestPath}); code != common.ExitOK {
		t.Fatalf("verify-manifest exit %d: %s", code, stderr.String())
	}
}

func TestSrrRebuildRefusesOverwrite(t *testing.T) {
	root := t.TempDir()
	vols, data := writeRelease(t, root)
	srrPath := filepath.Join(root, "set.srr")
	c, _, stderr := newTestCLI("n\n")
	if code := c.run([]string{"srr-create", "--out", srrPath, vols[0]}); code != common.ExitOK {
		t.Fatalf("srr-create exit %d: %s", code, stderr.String())
	}
	if err := os.WriteFile(filepath.Join(root, "data.bin"), data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	outDir := filepath.Join(root, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	existing := filepath.Join(outDir, filepath.Base(vols[0]))
	if err := os.WriteFile(existing, []byte("keep"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	code := c.run([]string{"srr-rebuild", "--srr", srrPath, "--in", root, "--out", outDir})
	if code != common.ExitAborted {
		t.Fatalf("expected exit %d, got %d", common.ExitAborted, code)
	}
	got, _ := os.ReadFile(existing)
	if string(got) != "keep" {
		t.Fatalf("existing volume replaced")
	}
}

func TestSrrCreateMissingInput(t *testing.T) {
	root := t.TempDir()
	c, _, _ := newTestCLI("")
	code := c.run([]string{"srr-create", "--out", filepath.Join(root, "x.srr"), filepath.Join(root, "none.rar")})
	if code != common.ExitMissingInput {
		t.Fatalf("expected exit %d, got %d", common.ExitMissingInput, code)
	}
	if _, err := os.Stat(filepath.Join(root, "x.srr")); !os.IsNotExist(err) {
		t.Fatalf("descriptor left behind: %v", err)
	}
}

func TestSrrInfo(t *testing.T) {
	root := t.TempDir()
	vols, _ := writeRelease(t, root)
	srrPath := filepath.Join(root, "set.srr")
	c, stdout, stderr := newTestCLI("")
	if code := c.run([]string{"srr-create", "--out", srrPath, "--app", "testapp", vols[0]}); code != common.ExitOK {
		t.Fatalf("srr-create exit %d: %s", code, stderr.String())
	}
	stdout.Reset()
	if code := c.run([]string{"srr-info", srrPath}); code != common.ExitOK {
		t.Fatalf("srr-info exit %d: %s", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"testapp", "set.rar", "set.r01", "data.bin"} {
		if !strings.Contains(out, want) {
			t.Fatalf("srr-info output lacks %q:\n%s", want, out)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	c, _, stderr := newTestCLI("")
	if code := c.run([]string{"frobnicate"}); code != common.ExitMalformed {
		t.Fatalf("unexpected exit %d", code)
	}
	if !strings.Contains(stderr.String(), "frobnicate") {
		t.Fatalf("stderr lacks command name: %s", stderr.String())
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	hints := filepath.Join(dir, "hints.yaml")
	if err := os.WriteFile(hints, []byte("Data.BIN: renamed.bin\nother.mkv: b.mkv\n"), 0o644); err != nil {
		t.Fatalf("WriteFile hints: %v", err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	body := `appName: myapp
spillDir: spill
hintsFile: hints.yaml
hints:
  other.mkv: a.mkv
autoLocate: true
logs:
  directory: logs
report:
  pdf: out/report.pdf
`
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile config: %v", err)
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.AppName != "myapp" || !cfg.AutoLocate {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.SignatureSize != 256 {
		t.Fatalf("signature size default %d", cfg.SignatureSize)
	}
	if cfg.SpillDir != filepath.Join(dir, "spill") || cfg.Report.PDF != filepath.Join(dir, "out", "report.pdf") {
		t.Fatalf("paths not resolved: %+v", cfg)
	}
	if cfg.Hints["Data.BIN"] != "renamed.bin" || cfg.Hints["other.mkv"] != "a.mkv" {
		t.Fatalf("unexpected hints: %v", cfg.Hints)
	}
	if cfg.Logs.MaxSizeMB != 25 || cfg.Logs.MaxBackups != 5 {
		t.Fatalf("log defaults not applied: %+v", cfg.Logs)
	}

	if err := os.WriteFile(cfgPath, []byte("signatureSize: 70000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile config: %v", err)
	}
	if _, err := loadConfig(cfgPath); err == nil {
		t.Fatalf("expected error for oversized signature")
	}

	cfg, err = loadConfig("")
	if err != nil || cfg.SignatureSize != 256 {
		t.Fatalf("defaults: %+v %v", cfg, err)
	}
}

func TestSetupLoggingWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	cfg := defaultConfig()
	cfg.Logs = logConfig{Directory: dir, MaxSizeMB: 1, MaxAgeDays: 1, MaxBackups: 1}
	var stderr bytes.Buffer
	closeLog, err := setupLogging(cfg, &stderr)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	common.Logf("hello %s", "log")
	closeLog()
	b, err := os.ReadFile(filepath.Join(dir, "rescenectl.log"))
	if err != nil {
		t.Fatalf("ReadFile log: %v", err)
	}
	if !strings.Contains(string(b), "hello log") || !strings.Contains(stderr.String(), "hello log") {
		t.Fatalf("log line missing")
	}
}
