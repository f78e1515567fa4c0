package flatsort

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	flatsorterrors "github.com/flatsort/flatsort/errors"
	"github.com/flatsort/flatsort/internal/delim"
)

// Stats reports what a completed Sort did.
type Stats struct {
	// Records is the number of data records written to the output,
	// excluding any header.
	Records int64

	// Chunks is how many chunk files the input was split into.
	Chunks int

	// Bytes is the total serialized size of the data records in canonical
	// form, before any chunk compression.
	Bytes int64

	// ScratchPeak is the high-water mark of scratch disk usage over the
	// run, in bytes as stored.
	ScratchPeak int64
}

// Sorter sorts delimited-text record streams of unbounded size in bounded
// memory: the input is split into chunks no larger than the configured
// budget, the chunks are sorted in parallel, and a single streaming merge
// produces the output. A Sorter may be reused for sequential Sort calls;
// concurrent calls on one Sorter are not supported.
type Sorter struct {
	cfg *config
	key Key

	// sc points at the active run's scratch space while a Sort is in
	// flight, so ScratchBytes can answer from another goroutine.
	sc atomic.Pointer[scratch]

	// sortHook, when non-nil, runs at the start of every chunk-sort
	// attempt. Failure-injection seam used by tests.
	sortHook func(context.Context, *chunk) error
}

// New returns a Sorter that orders records by key.
func New(key Key, opts ...Option) (*Sorter, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Sorter{cfg: cfg, key: key}, nil
}

// run carries the state of one Sort call across its three phases. The
// phases hand it off sequentially, with worker goroutines joined in
// between, so no field needs locking.
type run struct {
	cfg *config
	key Key
	sc  *scratch
	enc *delim.Encoder

	sortHook func(context.Context, *chunk) error

	header  Record
	chunks  []*chunk
	records int64
	bytes   int64
}

// Sort reads every record from src, orders them by the Sorter's key, and
// writes them to dst. Equal-key records keep their input order. The phases
// run strictly in sequence: the split must finish before any information
// about chunk count is final, every chunk sort must succeed before the
// merge starts, and the first failure in any phase cancels the rest.
//
// A non-nil error means dst holds incomplete output; scratch space is
// removed in every case, including cancellation. Errors carry their phase
// and, for chunk sorts, the failed chunk ordinal; see the errors package.
func (s *Sorter) Sort(ctx context.Context, src RecordSource, dst RecordSink) (_ Stats, err error) {
	sc, err := newScratch(s.cfg.scratchDir, s.cfg.diskQuota)
	if err != nil {
		return Stats{}, err
	}
	s.sc.Store(sc)
	defer func() {
		s.sc.Store(nil)
		err = errors.Join(err, sc.cleanup())
	}()

	r := &run{
		cfg:      s.cfg,
		key:      s.key,
		sc:       sc,
		enc:      delim.NewEncoder(s.cfg.comma),
		sortHook: s.sortHook,
	}

	if err := r.split(ctx, src); err != nil {
		return Stats{}, flatsorterrors.Split(err)
	}
	if err := r.sortChunks(ctx); err != nil {
		// Workers tag their own failures with the chunk ordinal; anything
		// else from this phase gets tagged here.
		var perr *flatsorterrors.PipelineError
		if !errors.As(err, &perr) {
			err = flatsorterrors.Sort(flatsorterrors.NoChunk, err)
		}
		return Stats{}, err
	}
	if err := r.merge(ctx, dst); err != nil {
		return Stats{}, flatsorterrors.Merge(err)
	}

	return Stats{
		Records:     r.records,
		Chunks:      len(r.chunks),
		Bytes:       r.bytes,
		ScratchPeak: sc.peakUsage(),
	}, nil
}

// ScratchBytes reports the scratch disk space currently held by an
// in-flight Sort, in bytes as stored. It returns 0 when no Sort is
// running.
func (s *Sorter) ScratchBytes() int64 {
	if sc := s.sc.Load(); sc != nil {
		return sc.usage()
	}
	return 0
}

// SortFile sorts the delimited-text file at input into output. An empty
// output derives the name from the input: "data.csv" becomes
// "data_sorted.csv". The output appears atomically: it is written under a
// temporary name in its target directory, synced, and renamed into place
// only after the sort succeeds, so the output path never holds a partial
// result.
func SortFile(ctx context.Context, input, output string, key Key, opts ...Option) (_ Stats, err error) {
	s, err := New(key, opts...)
	if err != nil {
		return Stats{}, err
	}
	if output == "" {
		output = DefaultOutputPath(input)
	}

	in, err := os.Open(input)
	if err != nil {
		return Stats{}, fmt.Errorf("open input: %w", err)
	}
	defer func() {
		err = errors.Join(err, in.Close())
	}()
	fadviseSequential(int(in.Fd()), 0, 0)

	tmp, err := os.CreateTemp(filepath.Dir(output), filepath.Base(output)+".partial-*")
	if err != nil {
		return Stats{}, fmt.Errorf("create output: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(0o644); err != nil {
		return Stats{}, errors.Join(err, tmp.Close(), os.Remove(tmpPath))
	}

	src := NewCSVSource(bufio.NewReaderSize(in, streamBufferSize), s.cfg.comma)
	dst := NewCSVSink(tmp, s.cfg.comma)

	stats, err := s.Sort(ctx, src, dst)
	if err != nil {
		return Stats{}, errors.Join(err, tmp.Close(), os.Remove(tmpPath))
	}
	if err := tmp.Sync(); err != nil {
		return Stats{}, errors.Join(err, tmp.Close(), os.Remove(tmpPath))
	}
	if err := tmp.Close(); err != nil {
		return Stats{}, errors.Join(err, os.Remove(tmpPath))
	}
	if err := os.Rename(tmpPath, output); err != nil {
		return Stats{}, errors.Join(err, os.Remove(tmpPath))
	}
	return stats, nil
}

// DefaultOutputPath is the output path SortFile uses when none is given:
// the input path with "_sorted" inserted before the extension.
func DefaultOutputPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_sorted" + ext
}
