// workers_test.go tests the chunk-sort phase: sorted-file publication,
// in-chunk stability, the retry and per-attempt timeout policies, failure
// propagation through the worker pool, and quota behavior while sorted
// chunks are written.
package flatsort

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	flatsorterrors "github.com/flatsort/flatsort/errors"
)

// splitRecords drives the split phase over recs and returns the run with
// its chunk files in place, ready for sortChunks.
func splitRecords(t *testing.T, recs []Record, key Key, opts ...Option) *run {
	t.Helper()
	r := newTestRun(t, key, opts...)
	if err := r.split(context.Background(), newSliceSource(recs)); err != nil {
		t.Fatal(err)
	}
	return r
}

// =============================================================================
// Sorted-file publication
// =============================================================================

func TestSortChunksPublishesSortedFiles(t *testing.T) {
	for _, codec := range []Compression{CompressNone, CompressS2, CompressZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			rng := newTestRNG(t)
			key := Key{{Index: 0}}
			recs := generateRecords(rng, 400, 3)
			r := splitRecords(t, recs, key,
				WithMaxChunkBytes(2048), WithCompression(codec))

			// Capture each chunk's input before the files are replaced.
			want := make([][]Record, len(r.chunks))
			for i, c := range r.chunks {
				part, err := readChunkRecords(r.sc.unsortedPath(c.ordinal), c, ',', codec)
				if err != nil {
					t.Fatal(err)
				}
				want[i] = sortedCopy(part, key)
			}

			if err := r.sortChunks(context.Background()); err != nil {
				t.Fatal(err)
			}

			for i, c := range r.chunks {
				if _, err := os.Stat(r.sc.unsortedPath(c.ordinal)); !os.IsNotExist(err) {
					t.Errorf("Chunk %d: unsorted file should be gone, stat err %v", i, err)
				}
				got, err := readChunkRecords(r.sc.sortedPath(c.ordinal), c, ',', codec)
				if err != nil {
					t.Fatalf("Chunk %d: %v", i, err)
				}
				assertRecordsEqual(t, want[i], got)

				if codec == CompressNone {
					fi, err := os.Stat(r.sc.sortedPath(c.ordinal))
					if err != nil {
						t.Fatal(err)
					}
					// Sorting permutes records without changing their
					// encodings, so the plaintext size is preserved.
					if fi.Size() != c.bytes {
						t.Errorf("Chunk %d: sorted file holds %d bytes, expected %d",
							i, fi.Size(), c.bytes)
					}
					if c.diskBytes != fi.Size() {
						t.Errorf("Chunk %d: descriptor diskBytes %d, file %d",
							i, c.diskBytes, fi.Size())
					}
				}
			}
		})
	}
}

func TestSortChunksStableWithinChunk(t *testing.T) {
	rng := newTestRNG(t)
	key := Key{{Index: 0}}
	// Many duplicate keys inside a single chunk.
	recs := generateDuplicateKeyRecords(rng, 300, 5)
	r := splitRecords(t, recs, key)

	if err := r.sortChunks(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := readChunkRecords(r.sc.sortedPath(0), r.chunks[0], ',', CompressNone)
	if err != nil {
		t.Fatal(err)
	}
	assertRecordsEqual(t, sortedCopy(recs, key), got)
}

func TestSortChunksZeroChunks(t *testing.T) {
	r := newTestRun(t, Key{{Index: 0}})
	if err := r.sortChunks(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSortChunksWorkerCounts(t *testing.T) {
	for _, workers := range []int{1, 2, 3, 8, 32} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			rng := newTestRNG(t)
			key := Key{{Index: 1}}
			recs := generateRecords(rng, 300, 2)
			r := splitRecords(t, recs, key,
				WithMaxChunkBytes(1024), WithWorkers(workers))

			if err := r.sortChunks(context.Background()); err != nil {
				t.Fatal(err)
			}
			var got []Record
			for _, c := range r.chunks {
				part, err := readChunkRecords(r.sc.sortedPath(c.ordinal), c, ',', CompressNone)
				if err != nil {
					t.Fatal(err)
				}
				got = append(got, part...)
			}
			if len(got) != len(recs) {
				t.Fatalf("Expected %d records across sorted chunks, got %d", len(recs), len(got))
			}
		})
	}
}

// =============================================================================
// Retry policy
// =============================================================================

// countingHook fails each chunk's first failures attempts and records how
// often every chunk was tried.
type countingHook struct {
	mu       sync.Mutex
	attempts map[int64]int
	failures int
	err      error
}

func newCountingHook(failures int, err error) *countingHook {
	return &countingHook{attempts: make(map[int64]int), failures: failures, err: err}
}

func (h *countingHook) hook(_ context.Context, c *chunk) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts[c.ordinal]++
	if h.attempts[c.ordinal] <= h.failures {
		return h.err
	}
	return nil
}

func (h *countingHook) count(ordinal int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[ordinal]
}

func TestSortChunksRetrySucceeds(t *testing.T) {
	errFlaky := errors.New("transient failure")
	rng := newTestRNG(t)
	recs := generateRecords(rng, 200, 2)
	r := splitRecords(t, recs, Key{{Index: 0}},
		WithMaxChunkBytes(1024), WithRetry(2, time.Millisecond))

	h := newCountingHook(2, errFlaky)
	r.sortHook = h.hook

	if err := r.sortChunks(context.Background()); err != nil {
		t.Fatalf("Expected retries to recover, got %v", err)
	}
	for _, c := range r.chunks {
		if got := h.count(c.ordinal); got != 3 {
			t.Errorf("Chunk %d: expected 3 attempts, got %d", c.ordinal, got)
		}
		if _, err := os.Stat(r.sc.sortedPath(c.ordinal)); err != nil {
			t.Errorf("Chunk %d: sorted file missing after recovery: %v", c.ordinal, err)
		}
	}
}

func TestSortChunksRetryExhausted(t *testing.T) {
	errStuck := errors.New("permanent failure")
	rng := newTestRNG(t)
	recs := generateRecords(rng, 50, 2)
	r := splitRecords(t, recs, Key{{Index: 0}},
		WithRetry(1, time.Millisecond))

	h := newCountingHook(1 << 30, errStuck)
	r.sortHook = h.hook

	err := r.sortChunks(context.Background())
	if !errors.Is(err, errStuck) {
		t.Fatalf("Expected the injected failure, got %v", err)
	}
	var perr *flatsorterrors.PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected a PipelineError, got %T", err)
	}
	if perr.Phase != flatsorterrors.PhaseSort || perr.Chunk != 0 {
		t.Errorf("Expected sort-phase failure on chunk 0, got phase %v chunk %d",
			perr.Phase, perr.Chunk)
	}
	// One initial attempt plus one retry.
	if got := h.count(0); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
}

func TestSortChunksRetryStopsOnCancel(t *testing.T) {
	errStuck := errors.New("permanent failure")
	recs := fixedRecords(20, 10)
	r := splitRecords(t, recs, Key{{Index: 0}},
		WithRetry(1000, time.Hour)) // the backoff would outlive the test

	ctx, cancel := context.WithCancel(context.Background())
	r.sortHook = func(_ context.Context, _ *chunk) error {
		cancel()
		return errStuck
	}

	start := time.Now()
	err := r.sortChunks(ctx)
	if err == nil {
		t.Fatal("Expected an error")
	}
	if !errors.Is(err, errStuck) && !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected the injected failure or cancellation, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Cancellation should cut the backoff short, took %v", elapsed)
	}
}

// =============================================================================
// Per-attempt timeout
// =============================================================================

func TestSortChunksTimeout(t *testing.T) {
	recs := fixedRecords(20, 10)
	r := splitRecords(t, recs, Key{{Index: 0}},
		WithChunkTimeout(10*time.Millisecond))

	// The hook stalls until the attempt deadline fires.
	r.sortHook = func(ctx context.Context, _ *chunk) error {
		<-ctx.Done()
		return ctx.Err()
	}

	err := r.sortChunks(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context.DeadlineExceeded, got %v", err)
	}
	var perr *flatsorterrors.PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected a PipelineError, got %T", err)
	}
	if perr.Chunk != 0 {
		t.Errorf("Expected chunk 0, got %d", perr.Chunk)
	}
}

func TestSortChunksTimeoutRetries(t *testing.T) {
	recs := fixedRecords(20, 10)
	r := splitRecords(t, recs, Key{{Index: 0}},
		WithChunkTimeout(10*time.Millisecond), WithRetry(2, time.Millisecond))

	// Stall out the first attempt only; later attempts run normally.
	h := newCountingHook(0, nil)
	r.sortHook = func(ctx context.Context, c *chunk) error {
		h.mu.Lock()
		h.attempts[c.ordinal]++
		first := h.attempts[c.ordinal] == 1
		h.mu.Unlock()
		if first {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	if err := r.sortChunks(context.Background()); err != nil {
		t.Fatalf("Expected the retry to beat the timeout, got %v", err)
	}
	if got := h.count(0); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
}

// =============================================================================
// Failure propagation
// =============================================================================

func TestSortChunksFirstFailureSkipsRest(t *testing.T) {
	errBoom := errors.New("sort failed")
	recs := fixedRecords(60, 10)
	r := splitRecords(t, recs, Key{{Index: 0}},
		WithMaxChunkBytes(100), WithWorkers(1))
	if len(r.chunks) < 3 {
		t.Fatalf("Expected several chunks, got %d", len(r.chunks))
	}

	h := newCountingHook(1<<30, errBoom)
	r.sortHook = h.hook

	err := r.sortChunks(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("Expected the injected failure, got %v", err)
	}
	// With a single worker the first chunk fails and the rest are never
	// started.
	total := 0
	for _, c := range r.chunks {
		total += h.count(c.ordinal)
	}
	if total != 1 {
		t.Errorf("Expected exactly one attempt, got %d", total)
	}
}

// TestSortChunksFailureReportsOrdinal drives five chunks through a single
// worker with a permanent failure on the middle one: the reported error
// names that chunk, the chunks before it are published, and the failing
// chunk and everything after it keep their unsorted files.
func TestSortChunksFailureReportsOrdinal(t *testing.T) {
	errBoom := errors.New("sort failed")
	recs := fixedRecords(50, 10) // five chunks of ten records
	r := splitRecords(t, recs, Key{{Index: 0}},
		WithMaxChunkBytes(100), WithWorkers(1), WithRetry(1, time.Millisecond))
	if len(r.chunks) != 5 {
		t.Fatalf("Expected 5 chunks, got %d", len(r.chunks))
	}

	h := newCountingHook(0, nil)
	r.sortHook = func(_ context.Context, c *chunk) error {
		h.mu.Lock()
		h.attempts[c.ordinal]++
		h.mu.Unlock()
		if c.ordinal == 2 {
			return errBoom
		}
		return nil
	}

	err := r.sortChunks(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("Expected the injected failure, got %v", err)
	}
	var perr *flatsorterrors.PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected a PipelineError, got %T", err)
	}
	if perr.Phase != flatsorterrors.PhaseSort || perr.Chunk != 2 {
		t.Errorf("Expected sort-phase failure on chunk 2, got phase %v chunk %d",
			perr.Phase, perr.Chunk)
	}

	for _, c := range r.chunks {
		_, sortedErr := os.Stat(r.sc.sortedPath(c.ordinal))
		if c.ordinal < 2 {
			if sortedErr != nil {
				t.Errorf("Chunk %d: sorted file missing: %v", c.ordinal, sortedErr)
			}
			continue
		}
		if !os.IsNotExist(sortedErr) {
			t.Errorf("Chunk %d: unexpected sorted file, stat err %v", c.ordinal, sortedErr)
		}
		if _, err := os.Stat(r.sc.unsortedPath(c.ordinal)); err != nil {
			t.Errorf("Chunk %d: unsorted file should remain: %v", c.ordinal, err)
		}
	}
	// One attempt plus one retry on the failing chunk; later chunks are
	// never started.
	if got := h.count(2); got != 2 {
		t.Errorf("Expected 2 attempts on chunk 2, got %d", got)
	}
	if got := h.count(3) + h.count(4); got != 0 {
		t.Errorf("Expected no attempts past the failure, got %d", got)
	}
}

func TestSortChunksExternalCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	recs := fixedRecords(30, 10)
	r := splitRecords(t, recs, Key{{Index: 0}})
	err := r.sortChunks(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

// =============================================================================
// Quota during publication
// =============================================================================

// TestSortChunksQuotaDuringPublish pins the accounting window where the
// unsorted and sorted files coexist: a quota below twice the data size
// fails the publish, and the failed sorted file's bytes are released.
func TestSortChunksQuotaDuringPublish(t *testing.T) {
	recs := fixedRecords(50, 10) // 500 plaintext bytes in one chunk
	r := splitRecords(t, recs, Key{{Index: 0}}, WithDiskQuota(700))

	if got := r.sc.usage(); got != 500 {
		t.Fatalf("Expected 500 bytes in use after split, got %d", got)
	}

	err := r.sortChunks(context.Background())
	if !errors.Is(err, flatsorterrors.ErrQuotaExceeded) {
		t.Fatalf("Expected ErrQuotaExceeded, got %v", err)
	}
	if got := r.sc.usage(); got != 500 {
		t.Errorf("Expected the failed sorted file to be released, usage %d", got)
	}
}

// TestSortChunksRepublishReleasesStaleSorted covers the retry that runs
// after a publish renamed its file into place but failed to remove the
// unsorted one: the stale sorted file is replaced and its reserved bytes
// released, so usage ends at exactly the new sorted size.
func TestSortChunksRepublishReleasesStaleSorted(t *testing.T) {
	key := Key{{Index: 0}}
	recs := fixedRecords(40, 10) // 400 plaintext bytes in one chunk
	r := splitRecords(t, recs, key)
	if len(r.chunks) != 1 {
		t.Fatalf("Expected a single chunk, got %d", len(r.chunks))
	}
	c := r.chunks[0]

	// Plant the previous attempt's output: a file under the sorted name
	// whose bytes are still accounted, next to the surviving unsorted file.
	stale := []byte("stale,contents\n")
	if err := os.WriteFile(r.sc.sortedPath(c.ordinal), stale, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.sc.reserve(int64(len(stale))); err != nil {
		t.Fatal(err)
	}

	if err := r.sortChunks(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := r.sc.usage(); got != c.diskBytes {
		t.Errorf("Expected usage %d after the republish, got %d", c.diskBytes, got)
	}
	got, err := readChunkRecords(r.sc.sortedPath(c.ordinal), c, ',', CompressNone)
	if err != nil {
		t.Fatal(err)
	}
	assertRecordsEqual(t, sortedCopy(recs, key), got)
}
