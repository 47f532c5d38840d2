// Package jsonl writes detection results as JSON lines.
package jsonl

import (
	"bufio"
	"encoding/json"
	"io"

	kio "github.com/hed1ad/kddbench/pkg/io"
)

// Writer emits one JSON object per result.
type Writer struct {
	buf    *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
}

var _ kio.Writer = (*Writer)(nil)

// NewWriter creates a Writer over w. If w is an io.Closer, Close closes it.
func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	jw := &Writer{
		buf: buf,
		enc: json.NewEncoder(buf),
	}
	if c, ok := w.(io.Closer); ok {
		jw.closer = c
	}
	return jw
}

// Write outputs a single result.
func (w *Writer) Write(result kio.Result) error {
	return w.enc.Encode(result)
}

// WriteAll outputs multiple results.
func (w *Writer) WriteAll(results []kio.Result) error {
	for _, r := range results {
		if err := w.enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes buffered results to the underlying writer.
func (w *Writer) Flush() error {
	return w.buf.Flush()
}

// Close flushes buffered results and closes the underlying writer.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
