// Flatgen generates random delimited-text datasets for exercising and
// benchmarking flatsort.
//
// Usage:
//
//	flatgen -rows 10000000 -fields 5 -numeric 2,4 -header -o data.csv
//
// Flags:
//
//	-rows     Number of data rows (default: 1,000,000)
//	-fields   Fields per row (default: 4)
//	-width    Characters per text field (default: 12)
//	-numeric  Comma-separated indexes of fields that carry numbers (default: none)
//	-messy    Fraction of text fields containing quotes, delimiters, or
//	          newlines, to exercise quoting (default: 0)
//	-header   Emit a header row naming the fields (default: false)
//	-delim    Field delimiter, "\t" for tab (default: ",")
//	-seed     RNG seed; 0 derives one from the clock (default: 1)
//	-o        Output path (default: stdout)
package main

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	mrand "math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"
)

const letters = "abcdefghijklmnopqrstuvwxyz"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flatgen:", err)
		os.Exit(1)
	}
}

func run() error {
	rowsFlag := flag.Int64("rows", 1_000_000, "number of data rows")
	fieldsFlag := flag.Int("fields", 4, "fields per row")
	widthFlag := flag.Int("width", 12, "characters per text field")
	numericFlag := flag.String("numeric", "", "indexes of numeric fields, e.g. 2,4")
	messyFlag := flag.Float64("messy", 0, "fraction of text fields with quotes, delimiters, or newlines")
	headerFlag := flag.Bool("header", false, "emit a header row")
	delimFlag := flag.String("delim", ",", "field delimiter, \"\\t\" for tab")
	seedFlag := flag.Uint64("seed", 1, "RNG seed, 0 derives one from the clock")
	outFlag := flag.String("o", "", "output path (default: stdout)")
	flag.Parse()

	if *rowsFlag < 0 || *fieldsFlag < 1 || *widthFlag < 1 {
		return fmt.Errorf("rows, fields, and width must be positive")
	}
	if *messyFlag < 0 || *messyFlag > 1 {
		return fmt.Errorf("-messy must be in [0, 1]")
	}

	numeric := make(map[int]bool)
	if *numericFlag != "" {
		for _, part := range strings.Split(*numericFlag, ",") {
			idx, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || idx < 0 || idx >= *fieldsFlag {
				return fmt.Errorf("-numeric: bad field index %q", part)
			}
			numeric[idx] = true
		}
	}

	comma := ','
	switch {
	case *delimFlag == "\\t":
		comma = '\t'
	case len([]rune(*delimFlag)) == 1:
		comma = []rune(*delimFlag)[0]
	default:
		return fmt.Errorf("-delim: want a single character, got %q", *delimFlag)
	}

	seed := *seedFlag
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	out := os.Stdout
	if *outFlag != "" {
		f, err := os.Create(*outFlag)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	bw := bufio.NewWriterSize(out, 1<<20)
	w := csv.NewWriter(bw)
	w.Comma = comma

	row := make([]string, *fieldsFlag)
	if *headerFlag {
		for i := range row {
			row[i] = fmt.Sprintf("col%d", i)
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	for n := int64(0); n < *rowsFlag; n++ {
		for i := range row {
			switch {
			case numeric[i]:
				row[i] = strconv.FormatFloat(rng.Float64()*1e6-5e5, 'f', 3, 64)
			case *messyFlag > 0 && rng.Float64() < *messyFlag:
				row[i] = messyField(rng, *widthFlag, comma)
			default:
				row[i] = textField(rng, *widthFlag)
			}
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

func textField(rng *mrand.Rand, width int) string {
	b := make([]byte, width)
	for i := range b {
		b[i] = letters[rng.IntN(len(letters))]
	}
	return string(b)
}

// messyField embeds a character that forces quoting: the delimiter itself,
// a double quote, or a newline.
func messyField(rng *mrand.Rand, width int, comma rune) string {
	s := textField(rng, width)
	pos := rng.IntN(len(s))
	var ins string
	switch rng.IntN(3) {
	case 0:
		ins = string(comma)
	case 1:
		ins = `"`
	default:
		ins = "\n"
	}
	return s[:pos] + ins + s[pos:]
}
