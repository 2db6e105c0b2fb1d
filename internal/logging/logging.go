// Package logging builds the process logger shared by every component.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/phuslu/log"
)

// New returns a logger at the given level. format "json" always writes JSON lines;
// anything else uses the console writer when stderr is a terminal.
func New(level, format string) *log.Logger {
	logger := &log.Logger{
		Level:      log.ParseLevel(strings.ToLower(strings.TrimSpace(level))),
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	}
	if !strings.EqualFold(format, "json") && log.IsTerminal(os.Stderr.Fd()) {
		logger.Writer = &log.ConsoleWriter{ColorOutput: true, EndWithMessage: true}
	} else {
		logger.Writer = &log.IOWriter{Writer: os.Stderr}
	}
	return logger
}

// To writes JSON lines to w at debug level. Tests use it to capture output.
func To(w io.Writer) *log.Logger {
	return &log.Logger{Level: log.DebugLevel, Writer: &log.IOWriter{Writer: w}}
}

// Discard drops everything.
func Discard() *log.Logger {
	return To(io.Discard)
}

// OrDiscard lets constructors accept a nil logger.
func OrDiscard(logger *log.Logger) *log.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}
