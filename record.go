package flatsort

import (
	"bufio"
	"io"

	"github.com/flatsort/flatsort/internal/delim"
)

// streamBufferSize is the buffer placed in front of the final output writer
// and the input reader, keeping I/O in large sequential transfers.
const streamBufferSize = 256 * 1024

// Record is one row of data: its fields, in input order.
type Record []string

// RecordSource yields records in input order. Read returns io.EOF after the
// final record. The engine reads from a single goroutine, so implementations
// do not need to be safe for concurrent use.
type RecordSource interface {
	Read() (Record, error)
}

// RecordSink receives merged records in output order. Flush is called once,
// after the final Write; buffered data must be persisted before it returns
// so that a successful run never leaves output behind in memory.
type RecordSink interface {
	Write(Record) error
	Flush() error
}

// CSVSource adapts delimited text into a RecordSource. Quoted fields,
// embedded newlines, and ragged rows are handled by the underlying parser.
type CSVSource struct {
	r *delim.Reader
}

// NewCSVSource reads records from r, splitting fields on comma.
func NewCSVSource(r io.Reader, comma rune) *CSVSource {
	return &CSVSource{r: delim.NewReader(r, comma)}
}

// Read returns the next record, or io.EOF at end of input.
func (s *CSVSource) Read() (Record, error) {
	fields, err := s.r.Read()
	if err != nil {
		return nil, err
	}
	return Record(fields), nil
}

// CSVSink writes records as canonical delimited text.
type CSVSink struct {
	bw  *bufio.Writer
	enc *delim.Encoder
}

// NewCSVSink writes records to w, joining fields with comma.
func NewCSVSink(w io.Writer, comma rune) *CSVSink {
	return &CSVSink{
		bw:  bufio.NewWriterSize(w, streamBufferSize),
		enc: delim.NewEncoder(comma),
	}
}

// Write appends one record in canonical form.
func (s *CSVSink) Write(rec Record) error {
	line, err := s.enc.Encode(rec)
	if err != nil {
		return err
	}
	_, err = s.bw.Write(line)
	return err
}

// Flush drains the write buffer to the underlying writer.
func (s *CSVSink) Flush() error {
	return s.bw.Flush()
}
