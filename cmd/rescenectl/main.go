package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"example.com/rescene/internal/common"
	"example.com/rescene/internal/manifest"
	"example.com/rescene/internal/report"
	"example.com/rescene/internal/srr"
	"example.com/rescene/internal/srs"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	c := &cli{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	os.Exit(c.run(os.Args[1:]))
}

func (c *cli) run(args []string) int {
	if len(args) == 0 {
		c.usage()
		return common.ExitOK
	}
	cmds := map[string]func([]string) int{
		"srr-create":       c.srrCreateCmd,
		"srr-rebuild":      c.srrRebuildCmd,
		"srr-info":         c.srrInfoCmd,
		"srr-extract":      c.srrExtractCmd,
		"srr-add":          c.srrAddCmd,
		"srs-create":       c.srsCreateCmd,
		"srs-profile":      c.srsProfileCmd,
		"srs-info":         c.srsInfoCmd,
		"srs-rebuild":      c.srsRebuildCmd,
		"manifest":         c.manifestCmd,
		"verify-manifest":  c.verifyManifestCmd,
		"verify-signature": c.verifySignatureCmd,
		"report":           c.reportCmd,
	}
	cmd, ok := cmds[args[0]]
	if !ok {
		fmt.Fprintf(c.stderr, "unknown command %q\n", args[0])
		c.usage()
		return common.ExitMalformed
	}
	return cmd(args[1:])
}

func (c *cli) usage() {
	fmt.Fprintf(c.stdout, `rescenectl %s (built %s) <command> [options]

Commands:
  srr-create   --out <release.srr> [--store <file>]... [--save-paths] [--oso] <first.rar | list.sfv>...
  srr-rebuild  --srr <release.srr> [--in <dir>] [--out <dir>] [--hints <hints.yaml>] [--auto-locate] [--skip-crc]
  srr-info     --srr <release.srr>
  srr-extract  --srr <release.srr> [--out <dir>] [--save-paths]
  srr-add      --srr <release.srr> [--save-paths] <file>...
  srs-create   --out <sample.srs> [--check <full file>] [--big-file] [--signature-size <n>] <sample>
  srs-profile  <sample>
  srs-info     <sample.srs>
  srs-rebuild  --srs <sample.srs> --full <full file | first.rar> [--out <dir>]
  manifest     --out <manifest.json> [--sign --key <key.pem> [--cert <cert.pem>]] <file>...
  verify-manifest  --manifest <manifest.json>
  verify-signature --manifest <manifest.json> --jws <signature.jws> --cert <cert.pem>
  report       --json <job.json> --pdf <report.pdf> [--lang en|tr]

Commands writing files also accept:
  --config <config.yaml> --yes --progress --joblog <jobs.jsonl>
  --report-json <file> --report-pdf <file> --manifest <file> --lang <en|tr>
`, version, buildDate)
}

func (c *cli) fail(msg string, args ...interface{}) int {
	fmt.Fprintf(c.stderr, msg+"\n", args...)
	return common.ExitMalformed
}

func (c *cli) srrOptions(j *job) srr.Options {
	return srr.Options{
		AppName:    j.cfg.AppName,
		SavePaths:  j.cfg.SavePaths,
		Hints:      j.cfg.Hints,
		AutoLocate: j.cfg.AutoLocate,
		SkipCRC:    j.cfg.SkipRarCRC,
		Overwrite:  j.overwrite(),
		Warn:       j.warn,
		Metrics:    j.metrics,
	}
}

func (c *cli) srrCreateCmd(args []string) int {
	fs := flag.NewFlagSet("srr-create", flag.ExitOnError)
	out := fs.String("out", "", "output .srr")
	var store stringList
	fs.Var(&store, "store", "extra file to store (repeatable, globs allowed)")
	savePaths := fs.Bool("save-paths", false, "store paths relative to --base-dir")
	baseDir := fs.String("base-dir", "", "base directory for stored paths (defaults to the first input's directory)")
	oso := fs.Bool("oso", false, "record OSO hashes of the archived files")
	app := fs.String("app", "", "application name written to the descriptor")
	jf := addJobFlags(fs)
	fs.Parse(args)

	inputs := expandGlobs(fs.Args())
	if *out == "" || len(inputs) == 0 {
		return c.fail("required: --out and at least one input")
	}
	j, err := c.startJob("srr-create", jf)
	if err != nil {
		return c.fail("config: %v", err)
	}
	opts := c.srrOptions(j)
	opts.Store = expandGlobs(store)
	opts.OsoHashes = *oso
	opts.SavePaths = opts.SavePaths || *savePaths
	if *app != "" {
		opts.AppName = *app
	}
	opts.BaseDir = *baseDir
	if opts.BaseDir == "" {
		opts.BaseDir = filepath.Dir(inputs[0])
	}
	for _, in := range inputs {
		j.input(in)
	}
	err = srr.Create(*out, inputs, opts)
	if err == nil {
		j.output(*out, "created")
	}
	return j.finish(err)
}

func (c *cli) srrRebuildCmd(args []string) int {
	fs := flag.NewFlagSet("srr-rebuild", flag.ExitOnError)
	srrPath := fs.String("srr", "", "input .srr")
	inDir := fs.String("in", ".", "directory holding the archived files")
	outDir := fs.String("out", ".", "output directory")
	hints := fs.String("hints", "", "YAML map of archived names to files on disk")
	autoLocate := fs.Bool("auto-locate", false, "use a file of matching extension and size for a missing archived file")
	skipCRC := fs.Bool("skip-crc", false, "do not verify archived file checksums")
	savePaths := fs.Bool("save-paths", false, "restore stored files below their recorded paths")
	jf := addJobFlags(fs)
	fs.Parse(args)

	if *srrPath == "" {
		return c.fail("required: --srr")
	}
	j, err := c.startJob("srr-rebuild", jf)
	if err != nil {
		return c.fail("config: %v", err)
	}
	opts := c.srrOptions(j)
	if *hints != "" {
		h, err := loadHints(*hints)
		if err != nil {
			return j.finish(err)
		}
		if opts.Hints == nil {
			opts.Hints = map[string]string{}
		}
		for k, v := range h {
			opts.Hints[k] = v
		}
	}
	opts.AutoLocate = opts.AutoLocate || *autoLocate
	opts.SkipCRC = opts.SkipCRC || *skipCRC
	opts.SavePaths = opts.SavePaths || *savePaths

	j.input(*srrPath)
	res, err := srr.Rebuild(*srrPath, *inDir, *outDir, opts)
	if res != nil {
		for _, v := range res.Volumes {
			j.output(v.Path, "rebuilt")
		}
		for _, p := range res.Stored {
			j.output(p, "stored")
		}
		j.rep.Mismatches = res.Mismatches
	}
	return j.finish(err)
}

func (c *cli) srrInfoCmd(args []string) int {
	fs := flag.NewFlagSet("srr-info", flag.ExitOnError)
	srrPath := fs.String("srr", "", "input .srr")
	asJSON := fs.Bool("json", false, "print JSON")
	fs.Parse(args)
	if *srrPath == "" && fs.NArg() == 1 {
		*srrPath = fs.Arg(0)
	}
	if *srrPath == "" {
		return c.fail("required: --srr")
	}
	info, err := srr.ReadInfo(*srrPath)
	if err != nil {
		fmt.Fprintln(c.stderr, err)
		return common.ExitCode(err)
	}
	if *asJSON {
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(info); err != nil {
			return c.fail("encode: %v", err)
		}
		return common.ExitOK
	}

	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Creating application:\t%s\n", info.AppName)
	if len(info.Stored) > 0 {
		fmt.Fprintln(tw, "\nStored files:")
		for _, f := range info.Stored {
			fmt.Fprintf(tw, "  %s\t%d bytes\n", f.Name, f.Size)
		}
	}
	fmt.Fprintln(tw, "\nVolumes:")
	for _, v := range info.Volumes {
		fmt.Fprintf(tw, "  %s\t%d bytes\n", v.Name, v.Size)
	}
	fmt.Fprintln(tw, "\nArchived files:")
	for _, f := range info.Archived {
		method := "stored"
		if f.Compressed {
			method = "compressed"
		}
		fmt.Fprintf(tw, "  %s\t%d bytes\t%s\t%s\n", f.Name, f.Size, common.FormatCRC(f.CRC), method)
	}
	if len(info.OsoHashes) > 0 {
		fmt.Fprintln(tw, "\nOSO hashes:")
		for _, h := range info.OsoHashes {
			fmt.Fprintf(tw, "  %s\t%016x\t%d bytes\n", h.Name, h.Hash, h.Size)
		}
	}
	if info.RecoverySize > 0 {
		fmt.Fprintf(tw, "\nRecovery data removed:\t%d bytes\n", info.RecoverySize)
	}
	if len(info.Extra) > 0 {
		fmt.Fprintln(tw, "\nOther checksum list entries:")
		for _, e := range info.Extra {
			fmt.Fprintf(tw, "  %s\t%s\n", e.Name, common.FormatCRC(e.CRC))
		}
	}
	tw.Flush()
	return common.ExitOK
}

func (c *cli) srrExtractCmd(args []string) int {
	fs := flag.NewFlagSet("srr-extract", flag.ExitOnError)
	srrPath := fs.String("srr", "", "input .srr")
	outDir := fs.String("out", ".", "output directory")
	savePaths := fs.Bool("save-paths", false, "restore stored files below their recorded paths")
	jf := addJobFlags(fs)
	fs.Parse(args)
	if *srrPath == "" {
		return c.fail("required: --srr")
	}
	j, err := c.startJob("srr-extract", jf)
	if err != nil {
		return c.fail("config: %v", err)
	}
	opts := c.srrOptions(j)
	opts.SavePaths = opts.SavePaths || *savePaths
	j.input(*srrPath)
	written, err := srr.ExtractStored(*srrPath, *outDir, opts)
	for _, p := range written {
		j.output(p, "extracted")
	}
	return j.finish(err)
}

func (c *cli) srrAddCmd(args []string) int {
	fs := flag.NewFlagSet("srr-add", flag.ExitOnError)
	srrPath := fs.String("srr", "", "descriptor to update")
	savePaths := fs.Bool("save-paths", false, "store paths relative to --base-dir")
	baseDir := fs.String("base-dir", ".", "base directory for stored paths")
	jf := addJobFlags(fs)
	fs.Parse(args)
	files := expandGlobs(fs.Args())
	if *srrPath == "" || len(files) == 0 {
		return c.fail("required: --srr and at least one file")
	}
	j, err := c.startJob("srr-add", jf)
	if err != nil {
		return c.fail("config: %v", err)
	}
	opts := c.srrOptions(j)
	opts.SavePaths = opts.SavePaths || *savePaths
	opts.BaseDir = *baseDir
	for _, f := range files {
		j.input(f)
	}
	err = srr.AddStored(*srrPath, files, opts)
	if err == nil {
		j.output(*srrPath, "updated")
	}
	return j.finish(err)
}

func (c *cli) srsOptions(j *job) srs.Options {
	return srs.Options{
		AppName:       j.cfg.AppName,
		SignatureSize: j.cfg.SignatureSize,
		SpillDir:      j.cfg.SpillDir,
		Overwrite:     j.overwrite(),
		Warn:          j.warn,
		Metrics:       j.metrics,
	}
}

func (c *cli) srsCreateCmd(args []string) int {
	fs := flag.NewFlagSet("srs-create", flag.ExitOnError)
	out := fs.String("out", "", "output .srs (defaults to the sample name with .srs)")
	check := fs.String("check", "", "full file in which every track must be found")
	bigFile := fs.Bool("big-file", false, "allow samples of 2 GiB and more")
	sigSize := fs.Int("signature-size", 0, "signature bytes per track")
	app := fs.String("app", "", "application name written to the descriptor")
	jf := addJobFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return c.fail("required: exactly one sample")
	}
	sample := fs.Arg(0)
	if *out == "" {
		*out = sample[:len(sample)-len(filepath.Ext(sample))] + ".srs"
	}
	j, err := c.startJob("srs-create", jf)
	if err != nil {
		return c.fail("config: %v", err)
	}
	opts := c.srsOptions(j)
	opts.Check = *check
	opts.BigFile = *bigFile
	if *sigSize > 0 {
		opts.SignatureSize = *sigSize
	}
	if *app != "" {
		opts.AppName = *app
	}
	j.input(sample)
	if *check != "" {
		j.input(*check)
	}
	d, err := srs.Create(sample, *out, opts)
	if d != nil {
		d.Close()
	}
	if err == nil {
		j.output(*out, "created")
	}
	return j.finish(err)
}

func (c *cli) srsProfileCmd(args []string) int {
	fs := flag.NewFlagSet("srs-profile", flag.ExitOnError)
	sigSize := fs.Int("signature-size", srs.DefaultSignatureSize, "signature bytes per track")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return c.fail("required: exactly one sample")
	}
	d, err := srs.Profile(fs.Arg(0), srs.Options{SignatureSize: *sigSize, Warn: common.Warn})
	if d != nil {
		c.printDescriptor(d)
		d.Close()
	}
	if err != nil {
		fmt.Fprintln(c.stderr, err)
	}
	return common.ExitCode(err)
}

func (c *cli) srsInfoCmd(args []string) int {
	fs := flag.NewFlagSet("srs-info", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return c.fail("required: exactly one .srs")
	}
	d, err := srs.Load(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(c.stderr, err)
		return common.ExitCode(err)
	}
	defer d.Close()
	c.printDescriptor(d)
	return common.ExitOK
}

func (c *cli) printDescriptor(d *srs.Descriptor) {
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Type:\t%s\n", d.Type)
	if d.File.AppName != "" {
		fmt.Fprintf(tw, "Creating application:\t%s\n", d.File.AppName)
	}
	fmt.Fprintf(tw, "Sample name:\t%s\n", d.File.Name)
	fmt.Fprintf(tw, "Sample size:\t%d\n", d.File.Size)
	fmt.Fprintf(tw, "Sample CRC:\t%s\n", common.FormatCRC(d.File.CRC))
	fmt.Fprintln(tw, "\nTracks:")
	for _, t := range d.Tracks {
		match := "unknown"
		if t.Located() {
			match = fmt.Sprintf("0x%x", t.MatchOffset)
		}
		fmt.Fprintf(tw, "  %d\t%d bytes\tsignature %d bytes\tmatch %s\n", t.Number, t.DataLength, len(t.Signature), match)
	}
	if len(d.Attachments) > 0 {
		fmt.Fprintln(tw, "\nAttachments:")
		for _, a := range d.Attachments {
			fmt.Fprintf(tw, "  %s\t%d bytes\n", a.Name, a.Size)
		}
	}
	tw.Flush()
}

func (c *cli) srsRebuildCmd(args []string) int {
	fs := flag.NewFlagSet("srs-rebuild", flag.ExitOnError)
	srsPath := fs.String("srs", "", "input .srs")
	full := fs.String("full", "", "full file, or the first volume of the RAR set storing it")
	outDir := fs.String("out", ".", "output directory")
	jf := addJobFlags(fs)
	fs.Parse(args)
	if *srsPath == "" || *full == "" {
		return c.fail("required: --srs and --full")
	}
	j, err := c.startJob("srs-rebuild", jf)
	if err != nil {
		return c.fail("config: %v", err)
	}
	j.input(*srsPath)
	j.input(*full)
	res, err := srs.Reconstruct(*srsPath, *full, *outDir, c.srsOptions(j))
	if res != nil {
		status := "rebuilt"
		if !res.OK() {
			status = "mismatch"
		}
		j.output(res.Path, status)
	}
	return j.finish(err)
}

func (c *cli) manifestCmd(args []string) int {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	out := fs.String("out", "manifest.json", "output json")
	sign := fs.Bool("sign", false, "sign manifest (detached JWS over JSON)")
	keyPath := fs.String("key", "", "PEM private key for signing (requires --sign)")
	certPath := fs.String("cert", "", "PEM certificate describing signer")
	jwsOut := fs.String("jws-out", "", "output JWS file (defaults to manifest path with .jws)")
	workers := fs.Int("workers", 0, "files hashed in parallel (0 = one per CPU)")
	fs.Parse(args)

	paths := expandGlobs(fs.Args())
	if len(paths) == 0 {
		return c.fail("no input paths specified")
	}
	m, err := manifest.Build(context.Background(), paths, *workers)
	if err != nil {
		fmt.Fprintln(c.stderr, "manifest build:", err)
		if errors.Is(err, os.ErrNotExist) {
			return common.ExitMissingInput
		}
		return common.ExitMalformed
	}
	if !*sign {
		if err := manifest.Save(m, *out); err != nil {
			return c.fail("manifest save: %v", err)
		}
		fmt.Fprintln(c.stdout, "Wrote", *out)
		return common.ExitOK
	}
	if *keyPath == "" {
		return c.fail("--sign requires --key")
	}
	key, err := os.ReadFile(*keyPath)
	if err != nil {
		return c.fail("read key: %v", err)
	}
	var cert []byte
	if *certPath != "" {
		if cert, err = os.ReadFile(*certPath); err != nil {
			return c.fail("read cert: %v", err)
		}
	}
	sigPath := *jwsOut
	if sigPath == "" {
		sigPath = jwsPath(*out)
	}
	if err := manifest.SignFile(&m, *out, sigPath, key, cert); err != nil {
		return c.fail("manifest sign: %v", err)
	}
	fmt.Fprintln(c.stdout, "Wrote", *out)
	fmt.Fprintln(c.stdout, "Wrote signature", sigPath)
	return common.ExitOK
}

func (c *cli) verifyManifestCmd(args []string) int {
	fs := flag.NewFlagSet("verify-manifest", flag.ExitOnError)
	path := fs.String("manifest", "", "manifest JSON file")
	workers := fs.Int("workers", 0, "files hashed in parallel (0 = one per CPU)")
	fs.Parse(args)
	if *path == "" {
		return c.fail("required: --manifest")
	}
	m, err := manifest.Load(*path)
	if err != nil {
		return c.fail("load manifest: %v", err)
	}
	changed, err := manifest.Verify(context.Background(), m, *workers)
	if err != nil {
		fmt.Fprintln(c.stderr, "verify:", err)
		if errors.Is(err, os.ErrNotExist) {
			return common.ExitMissingInput
		}
		return common.ExitMalformed
	}
	for _, p := range changed {
		fmt.Fprintln(c.stdout, "CHANGED", p)
	}
	if len(changed) > 0 {
		return common.ExitChecksumMismatch
	}
	fmt.Fprintf(c.stdout, "All %d files match\n", len(m.Items))
	return common.ExitOK
}

func (c *cli) verifySignatureCmd(args []string) int {
	fs := flag.NewFlagSet("verify-signature", flag.ExitOnError)
	manifestPath := fs.String("manifest", "", "manifest JSON file")
	jwsFile := fs.String("jws", "", "manifest JWS signature file")
	certPath := fs.String("cert", "", "signer certificate (PEM)")
	fs.Parse(args)
	if *manifestPath == "" || *jwsFile == "" || *certPath == "" {
		return c.fail("required: --manifest, --jws, --cert")
	}
	payload, err := os.ReadFile(*manifestPath)
	if err != nil {
		return c.fail("read manifest: %v", err)
	}
	raw, err := os.ReadFile(*jwsFile)
	if err != nil {
		return c.fail("read jws: %v", err)
	}
	cert, err := os.ReadFile(*certPath)
	if err != nil {
		return c.fail("read cert: %v", err)
	}
	var sig manifest.JWS
	if err := json.Unmarshal(raw, &sig); err != nil {
		return c.fail("parse jws: %v", err)
	}
	if err := manifest.VerifyDetached(payload, sig, cert); err != nil {
		fmt.Fprintln(c.stderr, "verify signature:", err)
		return common.ExitChecksumMismatch
	}
	fmt.Fprintln(c.stdout, "Signature OK")
	return common.ExitOK
}

func (c *cli) reportCmd(args []string) int {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	jsonPath := fs.String("json", "", "job report JSON")
	pdfPath := fs.String("pdf", "", "output PDF")
	lang := fs.String("lang", "en", "report language (en, tr)")
	qrSize := fs.Int("qr-size", 0, "manifest QR code size in pixels")
	fs.Parse(args)
	if *jsonPath == "" || *pdfPath == "" {
		return c.fail("required: --json and --pdf")
	}
	l, err := report.ParseLanguage(*lang)
	if err != nil {
		return c.fail("%v", err)
	}
	rep, err := report.LoadJSON(*jsonPath)
	if err != nil {
		return c.fail("load report: %v", err)
	}
	if err := report.SavePDF(rep, *pdfPath, report.PDFOptions{Lang: l, QRSize: *qrSize}); err != nil {
		return c.fail("write pdf: %v", err)
	}
	fmt.Fprintln(c.stdout, "Wrote PDF:", *pdfPath)
	return common.ExitOK
}
