package common

import (
	"errors"
	"fmt"
)

var (
	ErrFormat            = errors.New("malformed container")
	ErrUnsupported       = errors.New("unsupported format")
	ErrMissingInput      = errors.New("missing input")
	ErrInsufficientData  = errors.New("insufficient data")
	ErrSignatureNotFound = errors.New("track signature not found")
	ErrExtractShort      = errors.New("extracted data shorter than expected")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrSizeMismatch      = errors.New("size mismatch")
	ErrProtocol          = errors.New("protocol error")
	ErrAborted           = errors.New("operation aborted")
)

// FormatError reports a malformed node inside a recognized container.
type FormatError struct {
	Path   string
	Offset int64
	Msg    string
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s at 0x%08x", e.Msg, e.Offset)
	}
	return fmt.Sprintf("%s: %s at 0x%08x", e.Path, e.Msg, e.Offset)
}

func (e *FormatError) Unwrap() error { return ErrFormat }

// NewFormatError builds a FormatError with a formatted message.
func NewFormatError(path string, offset int64, format string, args ...interface{}) error {
	return &FormatError{Path: path, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// Exit codes surfaced by the command line tool.
const (
	ExitOK               = 0
	ExitMalformed        = 1
	ExitMissingInput     = 2
	ExitUnsupported      = 3
	ExitNotLocated       = 4
	ExitSizeMismatch     = 5
	ExitChecksumMismatch = 6
	ExitAborted          = 7
)

// ExitCode maps a job error onto the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrAborted):
		return ExitAborted
	case errors.Is(err, ErrUnsupported):
		return ExitUnsupported
	case errors.Is(err, ErrMissingInput), errors.Is(err, ErrInsufficientData):
		return ExitMissingInput
	case errors.Is(err, ErrSignatureNotFound), errors.Is(err, ErrExtractShort):
		return ExitNotLocated
	case errors.Is(err, ErrSizeMismatch):
		return ExitSizeMismatch
	case errors.Is(err, ErrChecksumMismatch):
		return ExitChecksumMismatch
	default:
		return ExitMalformed
	}
}

// Sink receives human readable warnings from a job.
type Sink func(msg string)

// Emit calls s when it is set.
func (s Sink) Emit(format string, args ...interface{}) {
	if s == nil {
		return
	}
	s(fmt.Sprintf(format, args...))
}

// OverwriteFunc decides whether an existing path may be replaced.
type OverwriteFunc func(path string) bool

// Allow reports whether path may be written. Paths that do not exist yet
// are always allowed.
func (f OverwriteFunc) Allow(path string, exists bool) bool {
	if !exists || f == nil {
		return true
	}
	return f(path)
}
