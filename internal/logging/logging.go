// Package logging builds the daemon's loggers with file rotation.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options control log destination and rotation.
type Options struct {
	// Path is the rotating log file. Empty means stderr only.
	Path string

	// MaxSizeMB rotates the file past this size (default 10).
	MaxSizeMB int

	// MaxBackups keeps this many rotated files (default 3).
	MaxBackups int

	// Console mirrors output to stderr as well.
	Console bool
}

// New returns a prefixed logger writing to the rotating file and,
// optionally, stderr.
func New(prefix string, opts Options) *log.Logger {
	return log.New(writer(opts), prefix, log.LstdFlags)
}

func writer(opts Options) io.Writer {
	if opts.Path == "" {
		return os.Stderr
	}

	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	rotated := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
	}
	if opts.Console {
		return io.MultiWriter(rotated, os.Stderr)
	}
	return rotated
}
