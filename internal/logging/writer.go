package logging

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// maxLine bounds a buffered partial line; longer lines are split.
const maxLine = 64 << 10

// LineWriter turns a byte stream into one log entry per line. Module output
// without a client-provided sink is routed through it.
type LineWriter struct {
	log   *zap.Logger
	level zapcore.Level
	field string

	mu  sync.Mutex
	buf []byte
}

// NewLineWriter creates a writer logging each line at level, tagged with
// stream (for example "stdout").
func NewLineWriter(log *zap.Logger, level zapcore.Level, stream string) *LineWriter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LineWriter{log: log, level: level, field: stream}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLine {
		w.emit(w.buf[:maxLine])
		w.buf = w.buf[maxLine:]
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *LineWriter) emit(line []byte) {
	if ce := w.log.Check(w.level, string(line)); ce != nil {
		ce.Write(zap.String("stream", w.field))
	}
}
