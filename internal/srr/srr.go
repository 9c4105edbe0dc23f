// Package srr creates archive descriptors from stored RAR volume sets and
// rebuilds the volumes from a descriptor and the files they archived.
//
// A descriptor is itself a stream of RAR blocks. It opens with a header
// block, carries small side files verbatim in stored file blocks, and holds
// for every volume a marker block followed by that volume's blocks with the
// file data and recovery data left out.
package srr

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"example.com/rescene/internal/common"
)

// DefaultAppName is written to the header block when Options.AppName is
// empty.
const DefaultAppName = "rescene"

// Options tune an archive descriptor job.
type Options struct {
	AppName string
	// BaseDir is the directory names are stored relative to when SavePaths
	// is set.
	BaseDir   string
	SavePaths bool
	// Store lists extra files copied into the descriptor.
	Store []string
	// OsoHashes adds an OSO hash block for the packed file of every set.
	OsoHashes bool

	// Hints maps an archived file name, compared case-insensitively, to
	// the name of the file holding its data.
	Hints map[string]string
	// AutoLocate substitutes a file with the same extension and size when
	// an archived file is missing.
	AutoLocate bool
	// SkipCRC disables the checksum comparison of rebuilt file data.
	SkipCRC bool

	Overwrite common.OverwriteFunc
	Warn      common.Sink
	Metrics   *common.Metrics
}

func (o Options) appName() string {
	if o.AppName == "" {
		return DefaultAppName
	}
	return o.AppName
}

func (o Options) warn(format string, args ...interface{}) {
	o.Metrics.IncWarning()
	o.Warn.Emit(format, args...)
}

// hint returns the file name to read the data of name from.
func (o Options) hint(name string) string {
	lower := strings.ToLower(name)
	for k, v := range o.Hints {
		if strings.ToLower(k) == lower {
			return v
		}
	}
	return name
}

// storedName returns the name p is recorded under: relative to base with
// forward slashes when savePaths is set, the base name otherwise. Paths
// outside base fall back to the base name.
func storedName(p, base string, savePaths bool) string {
	if savePaths && base != "" {
		if abs, err := filepath.Abs(p); err == nil {
			if absBase, err := filepath.Abs(base); err == nil {
				if rel, err := filepath.Rel(absBase, abs); err == nil && filepath.IsLocal(rel) {
					return filepath.ToSlash(rel)
				}
			}
		}
	}
	return filepath.Base(p)
}

// outputPath resolves a recorded name below dir. Without savePaths only
// the last element of the name is used.
func outputPath(dir, name string, savePaths bool) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if !savePaths {
		name = path.Base(name)
	}
	local := filepath.FromSlash(name)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: stored name %q leaves the output directory", common.ErrFormat, name)
	}
	return filepath.Join(dir, local), nil
}
