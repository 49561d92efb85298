package logger

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// sink is one destination of the async writer. Lines below minLevel are skipped,
// which lets the errors file receive only ERROR lines.
type sink struct {
	buf      *bufio.Writer
	minLevel slog.Level
}

type logLine struct {
	level slog.Level
	data  []byte
}

// asyncWriter provides buffered asynchronous writes to one or more sinks.
type asyncWriter struct {
	queue    chan logLine
	flushReq chan chan error
	done     chan struct{}
	once     sync.Once

	mu       sync.Mutex
	sinks    []sink
	writeErr error
}

func newAsyncWriter(writers []io.Writer, bufSize int) *asyncWriter {
	outs := make([]output, 0, len(writers))
	for _, w := range writers {
		outs = append(outs, output{w: w, minLevel: slog.LevelDebug})
	}
	return newLeveledWriter(outs, bufSize)
}

type output struct {
	w        io.Writer
	minLevel slog.Level
}

func newLeveledWriter(outs []output, bufSize int) *asyncWriter {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	sinks := make([]sink, 0, len(outs))
	for _, o := range outs {
		if o.w == nil {
			continue
		}
		sinks = append(sinks, sink{buf: bufio.NewWriterSize(o.w, bufSize), minLevel: o.minLevel})
	}
	aw := &asyncWriter{
		queue:    make(chan logLine, 256),
		flushReq: make(chan chan error),
		done:     make(chan struct{}),
		sinks:    sinks,
	}
	go aw.loop()
	return aw
}

func (w *asyncWriter) loop() {
	for {
		select {
		case line, ok := <-w.queue:
			if !ok {
				w.setErr(w.flushAll())
				close(w.done)
				return
			}
			if len(line.data) == 0 {
				continue
			}
			w.setErr(w.writeAll(line))
		case ack := <-w.flushReq:
			ack <- w.flushAll()
		}
	}
}

// Write enqueues an INFO line; kept so the writer satisfies simple call sites.
func (w *asyncWriter) Write(p []byte) error {
	return w.WriteLevel(slog.LevelInfo, p)
}

// WriteLevel enqueues the payload for fan-out to every sink accepting level.
// A full queue blocks rather than dropping lines.
func (w *asyncWriter) WriteLevel(level slog.Level, p []byte) error {
	if err := w.getErr(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	data := make([]byte, len(p))
	copy(data, p)
	w.queue <- logLine{level: level, data: data}
	return nil
}

// Flush waits for the writer to flush all buffered content to sinks.
func (w *asyncWriter) Flush() error {
	if err := w.getErr(); err != nil {
		return err
	}
	ack := make(chan error, 1)
	w.flushReq <- ack
	return <-ack
}

// Close drains the queue and reports the first encountered write error.
func (w *asyncWriter) Close() error {
	w.once.Do(func() { close(w.queue) })
	<-w.done
	return w.getErr()
}

func (w *asyncWriter) writeAll(line logLine) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.sinks {
		if line.level < s.minLevel {
			continue
		}
		if _, err := s.buf.Write(line.data); err != nil {
			return err
		}
		if err := s.buf.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (w *asyncWriter) flushAll() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for _, s := range w.sinks {
		if err := s.buf.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *asyncWriter) getErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeErr
}

func (w *asyncWriter) setErr(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr == nil {
		w.writeErr = err
	}
}
