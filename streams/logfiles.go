package streams

import (
	"io"
	"log"
	"os"
	"sync"

	"github.com/arduino/go-paths-helper"
	"github.com/pkg/errors"
)

// GlobalLogDirectory is the directory where traffic dumps and server logs are
// written. When nil, logging to file is disabled.
var GlobalLogDirectory *paths.Path

var openFilesLock sync.Mutex

// OpenLogFileAs creates (or appends to) the log file with the given name inside
// GlobalLogDirectory.
func OpenLogFileAs(filename string) (*os.File, error) {
	if GlobalLogDirectory == nil {
		return nil, errors.New("log directory not set")
	}
	openFilesLock.Lock()
	defer openFilesLock.Unlock()

	if err := GlobalLogDirectory.MkdirAll(); err != nil {
		return nil, errors.Wrap(err, "creating log directory")
	}
	path := GlobalLogDirectory.Join(filename)
	f, err := os.OpenFile(path.String(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening log file %s", path)
	}
	return f, nil
}

// LogReadWriteCloserAs wraps upstream so that all the traffic is dumped into
// the log file with the given name. If logging to file is disabled, or the
// file could not be opened, upstream is returned unchanged.
func LogReadWriteCloserAs(upstream io.ReadWriteCloser, filename string) io.ReadWriteCloser {
	if GlobalLogDirectory == nil {
		return upstream
	}
	f, err := OpenLogFileAs(filename)
	if err != nil {
		log.Printf("Error opening log file: %s", err)
		return upstream
	}
	return LogReadWriteCloserToFile(upstream, f)
}

// LogWriterAs returns a writer for the log file with the given name, or
// fallback if logging to file is disabled.
func LogWriterAs(filename string, fallback io.Writer) io.Writer {
	if GlobalLogDirectory == nil {
		return fallback
	}
	f, err := OpenLogFileAs(filename)
	if err != nil {
		log.Printf("Error opening log file: %s", err)
		return fallback
	}
	return f
}
