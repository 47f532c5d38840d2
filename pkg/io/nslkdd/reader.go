// Package nslkdd reads the comma separated NSL-KDD dataset files
// (KDDTrain+.txt, KDDTest+.txt and their 20 percent subsets).
package nslkdd

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hed1ad/kddbench/pkg/kdd"
)

// Reader reads connection records from an NSL-KDD file.
type Reader struct {
	closer  io.Closer
	reader  *csv.Reader
	name    string
	lenient bool
	skipped int
}

// Option configures a Reader.
type Option func(*Reader)

// WithLenient skips malformed rows instead of failing on them.
func WithLenient(lenient bool) Option {
	return func(r *Reader) {
		r.lenient = lenient
	}
}

// Open creates a Reader over the named file.
func Open(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r := NewReader(file, opts...)
	r.closer = file
	r.name = filename
	return r, nil
}

// NewReader creates a Reader over src. Closing the Reader does not close src.
func NewReader(src io.Reader, opts ...Option) *Reader {
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	cr.TrimLeadingSpace = true

	r := &Reader{
		reader: cr,
		name:   "input",
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Skipped returns the number of malformed rows dropped in lenient mode.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Read returns all records.
func (r *Reader) Read() ([]kdd.Record, error) {
	var records []kdd.Record

	for {
		rec, err := r.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%s: no records", r.name)
	}

	return records, nil
}

// Stream returns a channel of records for incremental processing.
func (r *Reader) Stream(ctx context.Context) (<-chan kdd.Record, <-chan error) {
	out := make(chan kdd.Record, 100)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		for {
			rec, err := r.next()
			if err == io.EOF {
				return
			}
			if err != nil {
				errc <- err
				return
			}

			select {
			case out <- rec:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// next returns the next well-formed record or io.EOF.
func (r *Reader) next() (kdd.Record, error) {
	for {
		fields, err := r.reader.Read()
		if err == io.EOF {
			return kdd.Record{}, io.EOF
		}

		var parseErr *csv.ParseError
		if err != nil && !errors.As(err, &parseErr) {
			return kdd.Record{}, err
		}

		var line int
		if err == nil {
			if isBlank(fields) {
				continue
			}
			var rec kdd.Record
			if rec, err = kdd.ParseRecord(fields); err == nil {
				return rec, nil
			}
			line, _ = r.reader.FieldPos(0)
		} else {
			line = parseErr.Line
		}

		if r.lenient {
			r.skipped++
			continue
		}

		return kdd.Record{}, fmt.Errorf("%s:%d: %w", r.name, line, err)
	}
}

func isBlank(fields []string) bool {
	return len(fields) == 1 && fields[0] == ""
}
