package flatsort

import (
	"cmp"
	"strconv"
	"strings"

	flatsorterrors "github.com/flatsort/flatsort/errors"
)

// Direction controls the sort order of a single key field.
type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

// Collation selects how a key field's values are compared.
type Collation uint8

const (
	// Textual compares field values byte-wise as strings.
	Textual Collation = iota

	// Numeric parses field values as floating-point numbers and compares
	// numerically. Values that do not parse order after all numbers and
	// compare textually among themselves, so the ordering stays total.
	Numeric
)

// KeyField describes one column of a sort key: which field to read, the
// direction, and the collation. The zero Direction behaves as Ascending,
// so KeyField{Index: 3} is "field 3, ascending, textual".
type KeyField struct {
	Index     int
	Direction Direction
	Collation Collation
}

// Key is an ordered multi-field sort key. Records are compared field by
// field; the first non-equal field decides.
//
//	key := flatsort.Key{
//	    {Index: 2, Collation: flatsort.Numeric},
//	    {Index: 0, Direction: flatsort.Descending},
//	}
type Key []KeyField

// validate reports the first configuration problem in the key.
func (k Key) validate() error {
	if len(k) == 0 {
		return flatsorterrors.ErrNoKey
	}
	for _, f := range k {
		if f.Index < 0 {
			return flatsorterrors.ErrKeyFieldNegative
		}
	}
	return nil
}

// fieldAt returns field i of r, or the empty string when the record is too
// short. Short records compare as if padded with empty fields, which keeps
// the comparison a total order over ragged inputs.
func fieldAt(r Record, i int) string {
	if i < len(r) {
		return r[i]
	}
	return ""
}

// Compare returns -1, 0, or +1 ordering a against b under the key.
// It is a total order: every pair of records compares consistently,
// which the merge phase relies on.
func (k Key) Compare(a, b Record) int {
	for _, f := range k {
		av := fieldAt(a, f.Index)
		bv := fieldAt(b, f.Index)

		var c int
		if f.Collation == Numeric {
			c = compareNumeric(av, bv)
		} else {
			c = strings.Compare(av, bv)
		}

		if f.Direction == Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// compareNumeric orders two field values numerically. Parse failures sort
// after all parseable numbers; two failures fall back to a textual compare
// so equal-looking garbage still has a stable relative order.
func compareNumeric(av, bv string) int {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(av), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(bv), 64)
	switch {
	case errA == nil && errB == nil:
		// cmp.Compare totally orders float64, placing NaN below non-NaN.
		return cmp.Compare(fa, fb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	default:
		return strings.Compare(av, bv)
	}
}
