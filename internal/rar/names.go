package rar

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var volumeExt = regexp.MustCompile(`(?i)\.((rar)|([r-v]\d{2})|(\d{3}))$`)

// IsRarFile reports whether name carries an archive volume extension:
// .rar, .r00 through .v99, or a three digit extension.
func IsRarFile(name string) bool {
	return volumeExt.MatchString(name)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// incrementExt adds one to the trailing digits of ext. A carry out of the
// leading digit bumps the preceding character, so ".r99" becomes ".s00".
func incrementExt(ext []byte) {
	for i := len(ext) - 1; i >= 0; i-- {
		ext[i]++
		if ext[i] != '9'+1 {
			return
		}
		ext[i] = '0'
	}
}

// NextVolumeName returns the file name of the volume that follows name. With
// oldNaming the sequence is .rar .r00 .r01 ... (or .001 .002 ...). Otherwise
// the sequence is .part1.rar .part2.rar ... and ok is false when name has no
// numbered part.
func NextVolumeName(name string, oldNaming bool) (next string, ok bool) {
	if oldNaming {
		ext := filepath.Ext(name)
		if len(ext) != 4 {
			return "", false
		}
		b := []byte(ext)
		if !isDigit(b[2]) && !isDigit(b[3]) {
			b[2], b[3] = '0', '0'
		} else {
			incrementExt(b)
		}
		return strings.TrimSuffix(name, ext) + string(b), true
	}
	rarExt := filepath.Ext(name)
	part := strings.TrimSuffix(name, rarExt)
	ext := filepath.Ext(part)
	if ext == "" || !isDigit(ext[len(ext)-1]) {
		return "", false
	}
	b := []byte(ext)
	incrementExt(b)
	return strings.TrimSuffix(part, ext) + string(b) + rarExt, true
}

// LessVolume orders volume names with .rar files first and the rest by
// ordinal comparison, which puts .r00 .r01 ... in sequence after .rar.
func LessVolume(a, b string) bool {
	ar := strings.EqualFold(filepath.Ext(a), ".rar")
	br := strings.EqualFold(filepath.Ext(b), ".rar")
	if ar != br {
		return ar
	}
	return a < b
}

// SortVolumes sorts names in place with LessVolume.
func SortVolumes(names []string) {
	sort.SliceStable(names, func(i, j int) bool { return LessVolume(names[i], names[j]) })
}
