package ranklog

import (
	"bytes"
	"io"
	"regexp"
	"sync"
	"time"
)

// stampedRE matches a line that already carries a UTC stamp.
var stampedRE = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z\]`)

const (
	utcLayout   = "2006-01-02T15:04:05Z"
	localLayout = "2006-01-02 15:04:05-0700"
)

// StampWriter prefixes every complete line with "[<UTC>][<local>] ". Blank
// lines and lines already stamped pass through unchanged. A trailing partial
// line is held until its newline arrives or Close is called.
type StampWriter struct {
	mu  sync.Mutex
	w   io.Writer
	buf []byte
	now func() time.Time
}

// NewStampWriter wraps w.
func NewStampWriter(w io.Writer) *StampWriter {
	return &StampWriter{w: w, now: time.Now}
}

// Write implements io.Writer. It always reports len(p) on success.
func (s *StampWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		if err := s.emit(s.buf[:i+1]); err != nil {
			return 0, err
		}
		s.buf = s.buf[i+1:]
	}
	return len(p), nil
}

// Close flushes a pending partial line. It does not close the wrapped writer.
func (s *StampWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil
	}
	err := s.emit(s.buf)
	s.buf = nil
	return err
}

func (s *StampWriter) emit(line []byte) error {
	if len(bytes.TrimSpace(line)) == 0 || stampedRE.Match(line) {
		_, err := s.w.Write(line)
		return err
	}
	_, err := s.w.Write(append([]byte(Stamp(s.now())), line...))
	return err
}

// Stamp formats the line prefix for t.
func Stamp(t time.Time) string {
	return "[" + t.UTC().Format(utcLayout) + "][" + t.Local().Format(localLayout) + "] "
}
