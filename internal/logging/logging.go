// Package logging builds the process logger. There is no package level
// state: main constructs one *slog.Logger and hands it to every component.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"k8s.io/klog/v2"
)

// TimeFormat is the timestamp layout used on every log line.
const TimeFormat = "2006-01-02 15:04:05"

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn or error. Empty means info.
	Level string
	// File is truncated on start. Empty disables the file sink.
	File string
	// Console receives a copy of every line. Nil means os.Stdout.
	Console io.Writer
}

// Logger is the process logger plus the file it owns.
type Logger struct {
	*slog.Logger
	file *os.File
}

// New opens the log file and returns a logger writing to it and to the
// console. klog output from client-go is routed into the same logger.
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	var (
		out  = console
		file *os.File
	)
	if opts.File != "" {
		file, err = os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		out = io.MultiWriter(file, console)
	}

	logger := slog.New(NewHandler(out, level))
	klog.SetSlogLogger(logger.With("component", "client-go"))

	return &Logger{Logger: logger, file: file}, nil
}

// NewHandler returns the text handler used for every sink.
func NewHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(TimeFormat))
			}
			return a
		},
	})
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	klog.Flush()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
