package flatsort

import (
	"encoding/binary"
	"hash/fnv"
	"io"
	randv2 "math/rand/v2"
	"os"
	"slices"
	"strconv"
	"testing"

	"github.com/flatsort/flatsort/internal/delim"
)

// Named seeds for deterministic reproduction.
const (
	testSeed1 = 0x5DEECE66D0F15A27
	testSeed2 = 0x27BB2EE687B0B0FD
)

func newTestRNG(t testing.TB) *randv2.Rand {
	t.Helper()
	h := fnv.New128a()
	h.Write([]byte(t.Name()))
	sum := h.Sum(nil)
	s1 := binary.LittleEndian.Uint64(sum[:8])
	s2 := binary.LittleEndian.Uint64(sum[8:])
	return randv2.New(randv2.NewPCG(testSeed1^s1, testSeed2^s2))
}

const testLetters = "abcdefghijklmnopqrstuvwxyz"

// randomWord returns a lowercase word of exactly chars characters.
func randomWord(rng *randv2.Rand, chars int) string {
	b := make([]byte, chars)
	for i := range b {
		b[i] = testLetters[rng.IntN(len(testLetters))]
	}
	return string(b)
}

// generateRecords builds n random records with the given field count.
func generateRecords(rng *randv2.Rand, n, fields int) []Record {
	recs := make([]Record, n)
	for i := range recs {
		rec := make(Record, fields)
		for j := range rec {
			rec[j] = randomWord(rng, 4+rng.IntN(12))
		}
		recs[i] = rec
	}
	return recs
}

// generateDuplicateKeyRecords builds n two-field records whose field 0 is
// drawn from only keyspace distinct values and whose field 1 is the input
// position, so stability violations are visible in the output.
func generateDuplicateKeyRecords(rng *randv2.Rand, n, keyspace int) []Record {
	keys := make([]string, keyspace)
	for i := range keys {
		keys[i] = randomWord(rng, 6)
	}
	recs := make([]Record, n)
	for i := range recs {
		recs[i] = Record{keys[rng.IntN(keyspace)], strconv.Itoa(i)}
	}
	return recs
}

// sliceSource yields records from memory. A non-negative failAt makes Read
// return failErr at that position, for exercising split-phase error paths.
type sliceSource struct {
	recs    []Record
	pos     int
	failAt  int
	failErr error
}

func newSliceSource(recs []Record) *sliceSource {
	return &sliceSource{recs: recs, failAt: -1}
}

func (s *sliceSource) Read() (Record, error) {
	if s.failAt >= 0 && s.pos == s.failAt {
		return nil, s.failErr
	}
	if s.pos >= len(s.recs) {
		return nil, io.EOF
	}
	rec := s.recs[s.pos]
	s.pos++
	return rec, nil
}

// sliceSink collects output records in memory. A non-negative failAt makes
// the Write of record number failAt return failErr.
type sliceSink struct {
	recs    []Record
	flushed bool
	failAt  int
	failErr error
}

func newSliceSink() *sliceSink {
	return &sliceSink{failAt: -1}
}

func (s *sliceSink) Write(rec Record) error {
	if s.failAt >= 0 && len(s.recs) == s.failAt {
		return s.failErr
	}
	s.recs = append(s.recs, rec)
	return nil
}

func (s *sliceSink) Flush() error {
	s.flushed = true
	return nil
}

// sortedCopy returns records stably sorted by key, leaving the input alone.
// Tests use it as the single-machine reference the engine must match.
func sortedCopy(recs []Record, key Key) []Record {
	out := make([]Record, len(recs))
	copy(out, recs)
	slices.SortStableFunc(out, key.Compare)
	return out
}

func assertRecordsEqual(t *testing.T, want, got []Record) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected %d records, got %d", len(want), len(got))
	}
	for i := range want {
		if !slices.Equal(want[i], got[i]) {
			t.Fatalf("Record %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

// encodedSize returns the canonical comma-delimited length of rec.
func encodedSize(t *testing.T, rec Record) int64 {
	t.Helper()
	enc := delim.NewEncoder(',')
	line, err := enc.Encode(rec)
	if err != nil {
		t.Fatal(err)
	}
	return int64(len(line))
}

// writeCSVFile writes records as comma-delimited text at path.
func writeCSVFile(t *testing.T, path string, recs []Record) {
	t.Helper()
	enc := delim.NewEncoder(',')
	var data []byte
	for _, rec := range recs {
		line, err := enc.Encode(rec)
		if err != nil {
			t.Fatal(err)
		}
		data = append(data, line...)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// readCSVFile parses the comma-delimited file at path.
func readCSVFile(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var recs []Record
	dr := delim.NewReader(f, ',')
	for {
		fields, err := dr.Read()
		if err == io.EOF {
			return recs
		}
		if err != nil {
			t.Fatal(err)
		}
		recs = append(recs, Record(fields))
	}
}

// newTestRun builds a run over a fresh scratch directory with opts applied
// on top of the defaults, for driving individual phases directly.
func newTestRun(t *testing.T, key Key, opts ...Option) *run {
	t.Helper()
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	sc, err := newScratch(t.TempDir(), cfg.diskQuota)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sc.cleanup() })
	return &run{cfg: cfg, key: key, sc: sc, enc: delim.NewEncoder(cfg.comma)}
}

// scratchEntries lists the names currently present in the scratch directory.
func scratchEntries(t *testing.T, sc *scratch) []string {
	t.Helper()
	entries, err := os.ReadDir(sc.dir)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}
