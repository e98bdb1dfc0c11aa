// Package corelog is the logging facade every other package in the core
// calls through, matching the teacher's pervasive log.Printf call-site
// style rather than adopting a structured logging library the teacher
// never reached for.
package corelog

import (
	"log"
	"os"
)

// Logger is the minimal interface components depend on, so tests can
// substitute a silent or capturing implementation.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// stdLogger wraps the standard library's *log.Logger with a level
// prefix, the teacher's own approach to distinguishing log severity
// without pulling in a structured logging dependency.
type stdLogger struct {
	l       *log.Logger
	debug   bool
}

// New returns a Logger writing to stderr with the given prefix
// (typically the component name, e.g. "sender" or "receiver"). debug
// controls whether Debugf lines are emitted at all.
func New(prefix string, debug bool) Logger {
	return &stdLogger{
		l:     log.New(os.Stderr, "["+prefix+"] ", log.LstdFlags),
		debug: debug,
	}
}

func (s *stdLogger) Debugf(format string, args ...interface{}) {
	if s.debug {
		s.l.Printf("DEBUG "+format, args...)
	}
}

func (s *stdLogger) Infof(format string, args ...interface{}) {
	s.l.Printf("INFO "+format, args...)
}

func (s *stdLogger) Warnf(format string, args ...interface{}) {
	s.l.Printf("WARN "+format, args...)
}

func (s *stdLogger) Errorf(format string, args ...interface{}) {
	s.l.Printf("ERROR "+format, args...)
}

// Nop discards everything; useful in tests that don't want log noise.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
