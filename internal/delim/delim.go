// Package delim implements the canonical byte encoding of delimited-text
// records shared by chunk files and final output.
//
// Canonical form: fields joined by a configurable comma rune, quoted per
// RFC 4180 only when a field requires it, lines terminated by '\n'. Because
// the splitter measures a record by encoding it and then writes exactly
// those bytes, measured size and on-disk size are always identical, and a
// sorted chunk occupies exactly as many bytes as its unsorted source.
package delim

import (
	"bytes"
	"encoding/csv"
	"io"
	"unicode/utf8"
)

// ValidComma reports whether r is usable as a field delimiter. The rules
// match encoding/csv: the quote, CR, LF, and invalid runes are excluded.
func ValidComma(r rune) bool {
	return r != 0 && r != '"' && r != '\r' && r != '\n' && utf8.ValidRune(r) && r != utf8.RuneError
}

// Encoder serializes records to canonical form.
// Not safe for concurrent use; each goroutine gets its own Encoder.
type Encoder struct {
	buf bytes.Buffer
	w   *csv.Writer
}

// NewEncoder returns an Encoder that joins fields with comma.
// The comma must satisfy ValidComma.
func NewEncoder(comma rune) *Encoder {
	e := &Encoder{}
	e.w = csv.NewWriter(&e.buf)
	e.w.Comma = comma
	return e
}

// Encode returns the canonical encoding of fields, trailing newline
// included. The returned slice is only valid until the next Encode call.
func (e *Encoder) Encode(fields []string) ([]byte, error) {
	e.buf.Reset()
	if err := e.w.Write(fields); err != nil {
		return nil, err
	}
	e.w.Flush()
	if err := e.w.Error(); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// Reader parses delimited text into records. Quoted fields may span lines;
// ragged rows (varying field counts) are allowed, and quoting errors are
// tolerated the way lazy CSV parsers accept them. Each Read returns a
// freshly allocated record, safe to retain.
type Reader struct {
	cr *csv.Reader
}

// NewReader returns a Reader splitting fields on comma.
func NewReader(r io.Reader, comma rune) *Reader {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return &Reader{cr: cr}
}

// Read returns the next record, or io.EOF after the last one.
func (r *Reader) Read() ([]string, error) {
	return r.cr.Read()
}
