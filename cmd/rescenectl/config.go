package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"example.com/rescene/internal/common"
	"example.com/rescene/internal/srs"
)

type logConfig struct {
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type reportConfig struct {
	JSON     string `yaml:"json"`
	PDF      string `yaml:"pdf"`
	Manifest string `yaml:"manifest"`
	QRSize   int    `yaml:"qrSize"`
	Lang     string `yaml:"lang"`
}

type signingConfig struct {
	PrivateKey  string `yaml:"privateKey"`
	Certificate string `yaml:"certificate"`
}

type config struct {
	AppName       string            `yaml:"appName"`
	SignatureSize int               `yaml:"signatureSize"`
	SpillDir      string            `yaml:"spillDir"`
	Hints         map[string]string `yaml:"hints"`
	HintsFile     string            `yaml:"hintsFile"`
	AutoLocate    bool              `yaml:"autoLocate"`
	SkipRarCRC    bool              `yaml:"skipRarCrc"`
	SavePaths     bool              `yaml:"savePaths"`
	AssumeYes     bool              `yaml:"assumeYes"`
	JobLog        string            `yaml:"jobLog"`
	Workers       int               `yaml:"workers"`
	Logs          logConfig         `yaml:"logs"`
	Report        reportConfig      `yaml:"report"`
	Signing       signingConfig     `yaml:"signing"`
}

func defaultConfig() config {
	return config{SignatureSize: srs.DefaultSignatureSize}
}

// loadConfig reads the YAML job config at path. An empty path yields the
// defaults. Relative paths in the file resolve against its directory.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	baseDir := filepath.Dir(path)
	resolvePath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}
	cfg.SpillDir = resolvePath(cfg.SpillDir)
	cfg.HintsFile = resolvePath(cfg.HintsFile)
	cfg.JobLog = resolvePath(cfg.JobLog)
	cfg.Logs.Directory = resolvePath(cfg.Logs.Directory)
	cfg.Report.JSON = resolvePath(cfg.Report.JSON)
	cfg.Report.PDF = resolvePath(cfg.Report.PDF)
	cfg.Report.Manifest = resolvePath(cfg.Report.Manifest)
	cfg.Signing.PrivateKey = resolvePath(cfg.Signing.PrivateKey)
	cfg.Signing.Certificate = resolvePath(cfg.Signing.Certificate)

	if cfg.SignatureSize <= 0 {
		cfg.SignatureSize = srs.DefaultSignatureSize
	}
	if cfg.SignatureSize > 0xFFFF {
		return cfg, fmt.Errorf("%s: signatureSize %d exceeds 65535", path, cfg.SignatureSize)
	}
	if cfg.HintsFile != "" {
		hints, err := loadHints(cfg.HintsFile)
		if err != nil {
			return cfg, err
		}
		if cfg.Hints == nil {
			cfg.Hints = map[string]string{}
		}
		for k, v := range hints {
			if _, ok := cfg.Hints[k]; !ok {
				cfg.Hints[k] = v
			}
		}
	}
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
	return cfg, nil
}

// loadHints reads a YAML map from original archived names to the names of
// the files on disk holding their data.
func loadHints(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	hints := map[string]string{}
	if err := yaml.NewDecoder(f).Decode(&hints); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return hints, nil
}

// setupLogging sends the package logger to stderr and, when a log
// directory is configured, to a rotating file. The returned func closes the
// file.
func setupLogging(cfg config, stderr io.Writer) (func(), error) {
	if cfg.Logs.Directory == "" {
		common.SetOutput(stderr)
		return func() {}, nil
	}
	if err := os.MkdirAll(cfg.Logs.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Logs.Directory, "rescenectl.log"),
		MaxSize:    cfg.Logs.MaxSizeMB,
		MaxAge:     cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	}
	common.SetOutput(io.MultiWriter(stderr, rotator))
	return func() {
		common.SetOutput(stderr)
		rotator.Close()
	}, nil
}
