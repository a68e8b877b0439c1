// Package jsonl provides a source stage reading one JSON document per line.
//
// A line holding a record envelope (as written by sink.WriterSink) becomes
// that record; any other JSON value, including the value of an error
// envelope, becomes the root of a new record. Lines that are not JSON are
// handed to the on-record-error policy with the line kept as the record's
// raw payload. So are lines longer than the maximum line size, whose raw
// payload is cut to that size.
package jsonl

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/field"
	"github.com/wehubfusion/Conduit/pkg/record"
	"github.com/wehubfusion/Conduit/pkg/stage"
	"github.com/wehubfusion/Conduit/pkg/stage/registry"
)

// StageType is the registry name of the source.
const StageType = "json_lines"

// AttrLine is the header attribute holding the 1-based input line number.
const AttrLine = "jsonl.line"

// ErrInvalidLine is the cause attached to lines that are not JSON.
var ErrInvalidLine = errors.New("line is not valid JSON")

// ErrLineTooLong is the cause attached to lines over the maximum line size.
var ErrLineTooLong = errors.New("line exceeds maximum line size")

const defaultMaxLineSize = 1 << 20

// Source reads records from an io.Reader. The offset is the number of lines
// consumed; a larger lastOffset skips lines.
type Source struct {
	in          io.Reader
	name        string
	maxLineSize int

	r      *bufio.Reader
	buf    []byte
	line   int
	logger *zap.Logger
}

// NewSource reads from in. name prefixes record source ids.
func NewSource(in io.Reader, name string, maxLineSize int) *Source {
	if name == "" {
		name = "jsonl"
	}
	if maxLineSize <= 0 {
		maxLineSize = defaultMaxLineSize
	}
	return &Source{in: in, name: name, maxLineSize: maxLineSize}
}

// Register adds the source to r, reading every instance from in.
// Config keys: name, max_line_size.
func Register(r *registry.Registry, in io.Reader) {
	r.Register(StageType, func(sc registry.StageConfig) (stage.Stage, error) {
		return NewSource(in, sc.Config.StringOr("name", sc.ID), sc.Config.Int("max_line_size", 0)), nil
	})
}

func (s *Source) Init(ctx stage.Context) []sdkerrors.ValidationIssue {
	if s.in == nil {
		return []sdkerrors.ValidationIssue{{Code: "JSONL_01", Message: "no input reader configured"}}
	}
	s.logger = ctx.Logger()
	s.r = bufio.NewReaderSize(s.in, min(64*1024, s.maxLineSize))
	return nil
}

// readLine returns the next line without its terminator. A line longer than
// maxLineSize is cut to that size and the rest of it is discarded. The
// returned slice is valid until the next call.
func (s *Source) readLine() ([]byte, bool, error) {
	s.buf = s.buf[:0]
	truncated, readAny := false, false
	for {
		chunk, err := s.r.ReadSlice('\n')
		readAny = readAny || len(chunk) > 0
		end := len(chunk) > 0 && chunk[len(chunk)-1] == '\n'
		if end {
			chunk = chunk[:len(chunk)-1]
		}
		if room := s.maxLineSize - len(s.buf); len(chunk) > room {
			s.buf = append(s.buf, chunk[:room]...)
			truncated = true
		} else {
			s.buf = append(s.buf, chunk...)
		}

		switch {
		case end:
			return s.buf, truncated, nil
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF) && readAny:
			return s.buf, truncated, nil
		case err != nil:
			return nil, false, err
		}
	}
}

func (s *Source) Destroy() {}

// Produce emits up to maxBatchSize records, skipping blank lines.
func (s *Source) Produce(ctx stage.Context, lastOffset string, maxBatchSize int) (string, error) {
	if lastOffset != "" {
		want, err := strconv.Atoi(lastOffset)
		if err != nil {
			return lastOffset, fmt.Errorf("invalid offset %q: %w", lastOffset, err)
		}
		for s.line < want {
			if _, _, err := s.readLine(); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return strconv.Itoa(s.line), fmt.Errorf("read line %d: %w", s.line+1, err)
			}
			s.line++
		}
	}

	for n := 0; n < maxBatchSize; {
		if err := ctx.Context().Err(); err != nil {
			return strconv.Itoa(s.line), err
		}
		line, truncated, err := s.readLine()
		if errors.Is(err, io.EOF) {
			s.logger.Debug("Input exhausted", zap.Int("lines", s.line))
			return strconv.Itoa(s.line), stage.ErrEndOfData
		}
		if err != nil {
			return strconv.Itoa(s.line), fmt.Errorf("read line %d: %w", s.line+1, err)
		}
		s.line++
		if truncated {
			n++
			if err := s.tooLong(ctx, line); err != nil {
				return strconv.Itoa(s.line), err
			}
			continue
		}
		data := bytes.TrimSpace(line)
		if len(data) == 0 {
			continue
		}
		n++
		if err := s.emit(ctx, data); err != nil {
			return strconv.Itoa(s.line), err
		}
	}
	return strconv.Itoa(s.line), nil
}

func (s *Source) tooLong(ctx stage.Context, head []byte) error {
	rec := ctx.CreateRecord(s.name + "::" + strconv.Itoa(s.line))
	rec.Header().SetRaw(bytes.Clone(head), "application/json")
	rec.Header().SetAttribute(AttrLine, strconv.Itoa(s.line))
	s.logger.Warn("Line exceeds maximum size",
		zap.Int("line", s.line),
		zap.Int("maxLineSize", s.maxLineSize))
	return ctx.OnRecordError(rec, stage.NewRecordError("JSONL_03",
		fmt.Sprintf("line %d exceeds %d bytes", s.line, s.maxLineSize), ErrLineTooLong))
}

func (s *Source) emit(ctx stage.Context, data []byte) error {
	sourceID := s.name + "::" + strconv.Itoa(s.line)
	if !gjson.ValidBytes(data) {
		rec := ctx.CreateRecord(sourceID)
		rec.Header().SetRaw(bytes.Clone(data), "application/json")
		rec.Header().SetAttribute(AttrLine, strconv.Itoa(s.line))
		return ctx.OnRecordError(rec, stage.NewRecordError("JSONL_02", "invalid JSON on line "+strconv.Itoa(s.line), ErrInvalidLine))
	}

	doc := gjson.ParseBytes(data)
	var rec *record.Record
	// Error envelopes are replayed as plain values.
	if doc.Get("header.error").Exists() {
		doc = doc.Get("value")
	}
	if doc.Get("header.id").Exists() && doc.Get("value").Exists() {
		decoded, err := record.Decode(data)
		if err != nil {
			return ctx.OnRecordError(ctx.CreateRecord(sourceID), err)
		}
		rec = decoded
	} else {
		rec = ctx.CreateRecord(sourceID)
		if err := rec.Set("", field.FromGJSON(doc)); err != nil {
			return err
		}
	}
	rec.Header().SetAttribute(AttrLine, strconv.Itoa(s.line))
	return ctx.Emit(rec)
}

var _ stage.Source = (*Source)(nil)
