package observability

import (
	"fmt"
	"log"
	"strings"
)

// StdLogger adapts a stdlib *log.Logger to the Logger interface. The binary
// installs one of these at startup.
type StdLogger struct {
	L       *log.Logger
	Verbose bool
}

// NewStdLogger wraps l; debug controls whether Debug lines are emitted.
func NewStdLogger(l *log.Logger, debug bool) *StdLogger {
	return &StdLogger{L: l, Verbose: debug}
}

func (s *StdLogger) Debug(msg string, fields ...Field) {
	if s.Verbose {
		s.print("DEBUG", msg, fields)
	}
}

func (s *StdLogger) Info(msg string, fields ...Field) {
	s.print("INFO", msg, fields)
}

func (s *StdLogger) Error(msg string, fields ...Field) {
	s.print("ERROR", msg, fields)
}

func (s *StdLogger) print(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	s.L.Print(b.String())
}
