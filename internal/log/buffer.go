package log

import (
	"bytes"
	"io"
	"sync"
)

// BufferedWriter holds whole log records in memory and writes them out in
// batches. slog handlers emit one Write per record.
type BufferedWriter struct {
	mu      sync.Mutex
	out     io.Writer
	buf     bytes.Buffer
	pending int
	every   int
}

// NewBufferedWriter writes to out once every records have been buffered.
func NewBufferedWriter(out io.Writer, every int) *BufferedWriter {
	if every < 1 {
		every = 1
	}
	return &BufferedWriter{out: out, every: every}
}

func (w *BufferedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, _ := w.buf.Write(p)
	w.pending++
	if w.pending >= w.every {
		if err := w.flushLocked(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Pending reports how many records are waiting to be written.
func (w *BufferedWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

func (w *BufferedWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *BufferedWriter) Discard() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Reset()
	w.pending = 0
}

func (w *BufferedWriter) flushLocked() error {
	w.pending = 0
	if w.buf.Len() == 0 {
		return nil
	}
	_, err := w.out.Write(w.buf.Bytes())
	w.buf.Reset()
	return err
}
