package srr

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"example.com/rescene/internal/common"
	"example.com/rescene/internal/container"
	"example.com/rescene/internal/rar"
)

// writeStoredFile publishes the content of a stored file block below dir.
func writeStoredFile(dir string, blk *rar.Block, data []byte, opts Options) (string, error) {
	final, err := outputPath(dir, blk.Srr.Name, opts.SavePaths)
	if err != nil {
		return "", err
	}
	if !opts.Overwrite.Allow(final, common.Exists(final)) {
		return "", fmt.Errorf("%s: %w", final, common.ErrAborted)
	}
	out, err := common.CreatePending(final)
	if err != nil {
		return "", err
	}
	if _, err := out.Write(data); err != nil {
		out.Discard()
		return "", err
	}
	return final, out.Commit()
}

// ExtractStored writes the stored files of the descriptor at srrPath into
// outDir and returns their paths.
func ExtractStored(srrPath, outDir string, opts Options) ([]string, error) {
	r, err := openDescriptor(srrPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var written []string
	for {
		blk, err := r.Next()
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		if blk.Kind != rar.KindSrrStoredFile {
			if err := r.SkipPayload(); err != nil {
				return written, err
			}
			continue
		}
		data, err := r.ReadPayload()
		if err != nil {
			return written, err
		}
		final, err := writeStoredFile(outDir, blk, data, opts)
		if err != nil {
			return written, err
		}
		written = append(written, final)
	}
}

func openDescriptor(srrPath string) (*rar.Reader, error) {
	r, err := rar.Open(srrPath, container.ModeDescriptor)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", srrPath, common.ErrMissingInput)
	}
	return r, err
}

// AddStored copies the files in paths into the descriptor at srrPath. The
// new stored file blocks go before the first volume marker. The descriptor
// is rewritten under a temporary name and replaced once complete.
func AddStored(srrPath string, paths []string, opts Options) error {
	r, err := openDescriptor(srrPath)
	if err != nil {
		return err
	}
	defer r.Close()

	out, err := common.CreatePending(srrPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	if err := addStored(r, w, paths, opts); err != nil {
		out.Discard()
		return err
	}
	if err := w.Flush(); err != nil {
		out.Discard()
		return err
	}
	r.Close()
	return out.Commit()
}

func addStored(r *rar.Reader, w io.Writer, paths []string, opts Options) error {
	added := false
	add := func() error {
		added = true
		for _, p := range paths {
			if err := writeStored(w, p, opts); err != nil {
				return err
			}
		}
		return nil
	}
	for {
		blk, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if blk.Kind == rar.KindSrrRarFile && !added {
			if err := add(); err != nil {
				return err
			}
		}
		data, err := r.ReadPayload()
		if err != nil {
			return err
		}
		if _, err := w.Write(blk.Header); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	if !added {
		return add()
	}
	return nil
}
