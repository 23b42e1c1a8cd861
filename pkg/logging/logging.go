// Package logging builds the structured loggers used across coigraph.
//
// All components take a *log.Logger from charmbracelet/log. The root logger
// is built once from Options; components derive prefixed sub-loggers with
// Component so their lines can be told apart:
//
//	root, err := logging.New(logging.Options{Level: "debug", Format: "text"})
//	if err != nil {
//		return err
//	}
//	store := graph.NewStore(graph.WithLogger(logging.Component(root, "graph")))
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Output formats.
const (
	FormatText   = "text"
	FormatJSON   = "json"
	FormatLogfmt = "logfmt"
)

// Options configures the root logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, json, logfmt

	// Timestamps toggles per-line timestamps.
	Timestamps bool

	// Output defaults to stderr.
	Output io.Writer
}

// New creates the root logger.
func New(opts Options) (*log.Logger, error) {
	level := log.InfoLevel
	if opts.Level != "" {
		l, err := log.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = l
	}

	var formatter log.Formatter
	switch strings.ToLower(opts.Format) {
	case "", FormatText:
		formatter = log.TextFormatter
	case FormatJSON:
		formatter = log.JSONFormatter
	case FormatLogfmt:
		formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return log.NewWithOptions(out, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: opts.Timestamps,
		TimeFormat:      time.RFC3339,
	}), nil
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// Component returns a sub-logger tagged with name. A nil parent yields a
// discarding logger.
func Component(parent *log.Logger, name string) *log.Logger {
	if parent == nil {
		return Discard()
	}
	return parent.WithPrefix(name)
}

// Badger adapts l to badger's Logger interface. Badger is chatty at info
// level, so its info lines are demoted to debug.
func Badger(l *log.Logger) *BadgerLogger {
	return &BadgerLogger{l: Component(l, "badger")}
}

// BadgerLogger implements badger.Logger.
type BadgerLogger struct {
	l *log.Logger
}

func (b *BadgerLogger) Errorf(format string, args ...any) {
	b.l.Error(trim(format, args))
}

func (b *BadgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(trim(format, args))
}

func (b *BadgerLogger) Infof(format string, args ...any) {
	b.l.Debug(trim(format, args))
}

func (b *BadgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(trim(format, args))
}

func trim(format string, args []any) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
