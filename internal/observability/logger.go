// Package observability carries the process-wide logger the server writes
// through. Packages log against the seam; the binary decides the backend at
// startup and installs it with SetLogger.
package observability

// Field is one key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

// Logger is the minimal logging surface used across the server.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

var active Logger = nop{}

// SetLogger installs the process-wide logger. A nil logger silences output.
func SetLogger(l Logger) {
	if l == nil {
		active = nop{}
		return
	}
	active = l
}

// Log returns the installed logger.
func Log() Logger { return active }

type nop struct{}

func (nop) Debug(string, ...Field) {}
func (nop) Info(string, ...Field)  {}
func (nop) Error(string, ...Field) {}
