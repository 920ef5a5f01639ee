// Package obslog is an allocation-light logger for dock and routing
// events: no fmt.Sprintf, just typed parts written straight out to
// stderr plus an optional sink io.Writer. The
// same low-allocation shape suits logging from the Link Serializer
// worker, where a fmt.Sprintf-heavy logger would add unwanted per-
// exchange allocation.
package obslog

import (
	"io"
	"os"

	"dockmesh-go/x/conv"
)

// Logger writes Print/Println calls to stderr and, if set, to a second
// sink (a file, a bus-fed ring, a test buffer).
type Logger struct {
	sink io.Writer
}

// Default is the package-level logger for callers that don't need a
// private instance.
var Default = &Logger{}

// SetSink installs or clears (nil) a second destination for log output.
func (l *Logger) SetSink(w io.Writer) { l.sink = w }

func (l *Logger) writeString(s string) {
	if s == "" {
		return
	}
	os.Stderr.WriteString(s)
	if l.sink != nil {
		_, _ = io.WriteString(l.sink, s)
	}
}

func (l *Logger) writeBytes(p []byte) {
	if len(p) == 0 {
		return
	}
	os.Stderr.Write(p)
	if l.sink != nil {
		_, _ = l.sink.Write(p)
	}
}

// writeInt renders through a stack buffer so logging an integer from
// the Link Serializer worker never allocates.
func (l *Logger) writeInt(n int64) {
	var buf [20]byte
	l.writeBytes(conv.Itoa(buf[:], n))
}

func (l *Logger) writePart(v any) {
	switch x := v.(type) {
	case string:
		l.writeString(x)
	case []byte:
		l.writeBytes(x)
	case int:
		l.writeInt(int64(x))
	case int32:
		l.writeInt(int64(x))
	case int64:
		l.writeInt(x)
	case uint:
		l.writeInt(int64(x))
	case uint16:
		l.writeInt(int64(x))
	case uint32:
		l.writeInt(int64(x))
	case uint64:
		l.writeInt(int64(x))
	case bool:
		if x {
			l.writeString("true")
		} else {
			l.writeString("false")
		}
	case error:
		l.writeString(x.Error())
	case nil:
		l.writeString("<nil>")
	default:
		l.writeString("?")
	}
}

// Print writes each part directly with no separator and no Sprintf.
func (l *Logger) Print(parts ...any) {
	for i := range parts {
		l.writePart(parts[i])
	}
}

// Println is Print followed by a newline.
func (l *Logger) Println(parts ...any) {
	l.Print(parts...)
	l.writeString("\n")
}

// Print/Println on the package default logger.
func Print(parts ...any)   { Default.Print(parts...) }
func Println(parts ...any) { Default.Println(parts...) }
