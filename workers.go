package flatsort

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	flatsorterrors "github.com/flatsort/flatsort/errors"
	"github.com/flatsort/flatsort/internal/delim"
)

// sortChunks runs the chunk-sort phase: a fixed pool of workers drains the
// chunk queue, each holding at most one chunk in memory at a time. The
// first permanent chunk failure cancels the pool context, which stops the
// feeder, skips every chunk not yet started, and lets in-flight workers
// stop at their next cancellation point. The merge never sees a partially
// sorted set: this function only returns nil once every chunk reached its
// sorted file.
func (r *run) sortChunks(ctx context.Context) error {
	if len(r.chunks) == 0 {
		return nil
	}

	workers := r.cfg.workers
	if workers > len(r.chunks) {
		workers = len(r.chunks)
	}

	g, ctx := errgroup.WithContext(ctx)
	work := make(chan *chunk)

	g.Go(func() error {
		defer close(work)
		for _, c := range r.chunks {
			select {
			case work <- c:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for range workers {
		g.Go(func() error {
			enc := delim.NewEncoder(r.cfg.comma)
			for c := range work {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				if err := r.sortChunk(ctx, c, enc); err != nil {
					return flatsorterrors.Sort(c.ordinal, err)
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// sortChunk sorts one chunk under the configured retry policy. Attempts are
// spaced by exponential backoff (backoff, 2×backoff, 4×backoff, ...) and
// the backoff sleep aborts early when the pool is canceled. The error of
// the final attempt is the one reported.
func (r *run) sortChunk(ctx context.Context, c *chunk, enc *delim.Encoder) error {
	for attempt := 0; ; attempt++ {
		err := r.sortChunkOnce(ctx, c, enc)
		if err == nil {
			return nil
		}
		if attempt >= r.cfg.retries || ctx.Err() != nil {
			return err
		}
		if backoff := r.cfg.retryBackoff << attempt; backoff > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return err
			}
		}
	}
}

// sortChunkOnce is a single sort attempt: read the unsorted chunk back,
// verify it, sort it stably in memory, and publish the sorted file. The
// optional chunk timeout bounds the whole attempt; it is observed between
// the read, sort, and write stages.
func (r *run) sortChunkOnce(ctx context.Context, c *chunk, enc *delim.Encoder) error {
	if r.cfg.chunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.chunkTimeout)
		defer cancel()
	}

	// sortHook is the failure-injection seam used by tests.
	if r.sortHook != nil {
		if err := r.sortHook(ctx, c); err != nil {
			return err
		}
	}

	records, err := readChunkRecords(r.sc.unsortedPath(c.ordinal), c, r.cfg.comma, r.cfg.compression)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Stable sort: records with equal keys keep their input order inside
	// the chunk, which the merge extends to a global guarantee.
	slices.SortStableFunc(records, r.key.Compare)

	if err := ctx.Err(); err != nil {
		return err
	}
	return r.publishSorted(c, records, enc)
}

// publishSorted writes the sorted records to the chunk's temporary file,
// fsyncs, atomically renames it to the sorted name, and drops the unsorted
// file. The rename is the commit point: a file under the sorted name is
// always complete.
func (r *run) publishSorted(c *chunk, records []Record, enc *delim.Encoder) error {
	sorted := r.sc.sortedPath(c.ordinal)

	// A retry lands here with the sorted file already in place when the
	// previous attempt renamed it but failed to drop the unsorted one. Its
	// bytes are still reserved; remove it before reserving the replacement.
	if fi, err := os.Stat(sorted); err == nil {
		if err := r.sc.removeFile(sorted, fi.Size()); err != nil {
			return fmt.Errorf("remove stale sorted chunk %d: %w", c.ordinal, err)
		}
	}

	tmp := r.sc.sortedTempPath(c.ordinal)
	w, err := newChunkWriter(tmp, r.sc, r.cfg.compression, true)
	if err != nil {
		return err
	}
	if r.cfg.compression == CompressNone {
		// Sorted plaintext size is exactly the unsorted plaintext size.
		if err := w.preallocate(c.bytes); err != nil {
			return errors.Join(fmt.Errorf("preallocate sorted chunk %d: %w", c.ordinal, err), w.discard())
		}
	}

	for _, rec := range records {
		line, err := enc.Encode(rec)
		if err != nil {
			return errors.Join(fmt.Errorf("encode record: %w", err), w.discard())
		}
		if err := w.write(line); err != nil {
			primaryErr := fmt.Errorf("write sorted chunk %d: %w", c.ordinal, err)
			return errors.Join(primaryErr, w.discard())
		}
	}
	if err := w.finish(); err != nil {
		return err
	}

	if err := os.Rename(tmp, sorted); err != nil {
		primaryErr := fmt.Errorf("publish sorted chunk %d: %w", c.ordinal, err)
		return errors.Join(primaryErr, w.discard())
	}
	if err := r.sc.removeFile(r.sc.unsortedPath(c.ordinal), c.diskBytes); err != nil {
		return fmt.Errorf("remove unsorted chunk %d: %w", c.ordinal, err)
	}

	// The descriptor now describes the sorted file.
	c.checksum = w.sum64()
	c.diskBytes = w.diskBytes()
	return nil
}
