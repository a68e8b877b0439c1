// Package sink delivers records that leave a pipeline: target records,
// error records and event records.
package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/wehubfusion/Conduit/pkg/record"
)

// Sink receives records in delivery order.
type Sink interface {
	Write(ctx context.Context, recs []*record.Record) error
	Close() error
}

// WriterSink writes one JSON record envelope per line.
type WriterSink struct {
	mu sync.Mutex
	w  *bufio.Writer
	c  io.Closer
}

// NewWriterSink writes to w. If w is an io.Closer, Close closes it.
func NewWriterSink(w io.Writer) *WriterSink {
	s := &WriterSink{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s
}

// Write encodes and writes recs, then flushes.
func (s *WriterSink) Write(ctx context.Context, recs []*record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := record.Encode(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", rec.Header().ID(), err)
		}
		if _, err := s.w.Write(data); err != nil {
			return err
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

// Close flushes and closes the underlying writer.
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}

// Discard drops every record.
type Discard struct{}

func (Discard) Write(context.Context, []*record.Record) error { return nil }
func (Discard) Close() error                                  { return nil }

// Collector keeps records in memory.
type Collector struct {
	mu   sync.Mutex
	recs []*record.Record
}

func (c *Collector) Write(_ context.Context, recs []*record.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, recs...)
	return nil
}

func (c *Collector) Close() error { return nil }

// Records returns the records written so far.
func (c *Collector) Records() []*record.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*record.Record(nil), c.recs...)
}

var (
	_ Sink = (*WriterSink)(nil)
	_ Sink = Discard{}
	_ Sink = (*Collector)(nil)
)
