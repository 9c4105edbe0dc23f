package common

import (
	"io"
	"log"
	"os"
	"sync"
)

var (
	logMu  sync.Mutex
	logger = log.New(os.Stderr, "[rescene] ", log.LstdFlags|log.Lmicroseconds)
)

// SetOutput redirects the package logger, typically to a rotating file
// combined with stderr.
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logger.SetOutput(w)
}

func Logf(format string, args ...interface{}) {
	logger.Printf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}

// Warn adapts Logf to the warning sink signature used by the job packages.
func Warn(msg string) {
	logger.Print("warning: " + msg)
}
