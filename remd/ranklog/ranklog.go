// Package ranklog sends a rank's output to Logs/remd_NNN.log before the
// engine hand-off. When the process runtime already separates output per rank
// the package does nothing, so output is never redirected twice.
package ranklog

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ctava-msft/d3-meld/remd"
)

// ErrRedirectUnsupported is returned by the descriptor redirection on
// platforms without dup3. Open treats it as a warning.
var ErrRedirectUnsupported = errors.New("descriptor redirection is only supported on linux")

// redirect is swapped in tests.
var redirect = redirectStdio

// Options configures Open.
type Options struct {
	Layout          remd.Layout
	Ordinal         int
	OutputSeparated bool           // runtime already writes one stream per rank
	Timestamp       bool           // stamp engine output lines
	RedirectStdio   bool           // point fds 1 and 2 at the log file
	Logger          *logrus.Logger // receives the log file as output; nil leaves logging alone
}

// Sink is an open rank log.
type Sink struct {
	path    string
	file    *os.File
	stamp   *StampWriter
	out     io.Writer
	restore func() error
	logger  *logrus.Logger
	prevOut io.Writer
}

// Open creates (or appends to) the rank's log file. When OutputSeparated is
// set it returns an inactive Sink whose Writer is os.Stdout.
func Open(opts Options) (*Sink, error) {
	if opts.OutputSeparated {
		return &Sink{out: os.Stdout}, nil
	}
	if err := os.MkdirAll(opts.Layout.LogsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	path := opts.Layout.RankLogPath(opts.Ordinal)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening rank log: %w", err)
	}
	s := &Sink{path: path, file: f, out: f}
	if opts.Timestamp {
		s.stamp = NewStampWriter(f)
		s.out = s.stamp
	}
	if opts.RedirectStdio {
		restore, err := redirect(f)
		switch {
		case errors.Is(err, ErrRedirectUnsupported):
			warnf(opts.Logger, "%v; only log records and engine output go to %s", err, path)
		case err != nil:
			_ = f.Close()
			return nil, fmt.Errorf("redirecting output to %s: %w", path, err)
		default:
			s.restore = restore
		}
	}
	if opts.Logger != nil {
		s.logger = opts.Logger
		s.prevOut = opts.Logger.Out
		opts.Logger.SetOutput(s.out)
	}
	return s, nil
}

func warnf(logger *logrus.Logger, format string, args ...interface{}) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.Warnf(format, args...)
}

// Active reports whether output goes to a rank log file.
func (s *Sink) Active() bool { return s.file != nil }

// Path is the rank log file, or "" when inactive.
func (s *Sink) Path() string { return s.path }

// Writer receives engine output.
func (s *Sink) Writer() io.Writer { return s.out }

// Close flushes pending output, restores redirected descriptors and the
// logger's previous output, and closes the file.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.stamp != nil {
		keep(s.stamp.Close())
	}
	if s.logger != nil {
		s.logger.SetOutput(s.prevOut)
	}
	if s.restore != nil {
		keep(s.restore())
	}
	keep(s.file.Close())
	s.file = nil
	return firstErr
}
