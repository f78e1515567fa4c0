package flatsort

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
)

// mergeContextCheckInterval is how often the merge polls for context
// cancellation, in output records.
const mergeContextCheckInterval = 4096

// cursor tracks one sorted chunk during the merge: its reader and the one
// record currently buffered from it. Memory stays bounded at one record
// plus one read buffer per chunk no matter how large the chunks are.
type cursor struct {
	c   *chunk
	r   *chunkReader
	rec Record
}

// advance loads the cursor's next record. At end of chunk it verifies the
// fully drained stream against the chunk descriptor before reporting io.EOF.
func (cu *cursor) advance() error {
	rec, err := cu.r.next()
	if err == io.EOF {
		if verr := cu.r.verify(cu.c); verr != nil {
			return verr
		}
		return io.EOF
	}
	if err != nil {
		return err
	}
	cu.rec = rec
	return nil
}

// mergeHeap orders cursors by (key, chunk ordinal), giving O(log k)
// selection of the next output record. Chunks are numbered in input order
// and sorted stably, so the ordinal tie-break drains equal keys in their
// original input order.
type mergeHeap struct {
	cursors []*cursor
	key     Key
}

func (h *mergeHeap) Len() int { return len(h.cursors) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.cursors[i], h.cursors[j]
	if c := h.key.Compare(a.rec, b.rec); c != 0 {
		return c < 0
	}
	// Equal keys: earlier chunk wins.
	return a.c.ordinal < b.c.ordinal
}

func (h *mergeHeap) Swap(i, j int) {
	h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i]
}

func (h *mergeHeap) Push(x any) {
	h.cursors = append(h.cursors, x.(*cursor))
}

func (h *mergeHeap) Pop() any {
	n := len(h.cursors)
	cu := h.cursors[n-1]
	h.cursors = h.cursors[:n-1]
	return cu
}

// merge is the single k-way pass over all sorted chunks into dst. It only
// runs once every chunk is sorted. The header, when one was captured, is
// written exactly once before the first merged record, including when there
// are no chunks at all. Exhausted chunks are closed and removed as the
// merge moves on, draining scratch usage while the output grows. The sink
// is flushed before success is reported, so a nil return means the output
// is complete.
func (r *run) merge(ctx context.Context, dst RecordSink) error {
	if r.header != nil {
		if err := dst.Write(r.header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	h := &mergeHeap{key: r.key, cursors: make([]*cursor, 0, len(r.chunks))}

	// closeAll abandons every open cursor on an error path.
	closeAll := func() error {
		var errs []error
		for _, cu := range h.cursors {
			errs = append(errs, cu.r.close())
		}
		return errors.Join(errs...)
	}

	for _, c := range r.chunks {
		cr, err := openChunkReader(r.sc.sortedPath(c.ordinal), r.cfg.comma, r.cfg.compression)
		if err != nil {
			return errors.Join(err, closeAll())
		}
		cu := &cursor{c: c, r: cr}
		switch err := cu.advance(); err {
		case nil:
			h.cursors = append(h.cursors, cu)
		case io.EOF:
			if cerr := cr.close(); cerr != nil {
				return errors.Join(cerr, closeAll())
			}
		default:
			return errors.Join(fmt.Errorf("read chunk %d: %w", c.ordinal, err), cr.close(), closeAll())
		}
	}
	heap.Init(h)

	counter := 0
	for h.Len() > 0 {
		counter++
		if counter >= mergeContextCheckInterval {
			counter = 0
			select {
			case <-ctx.Done():
				return errors.Join(ctx.Err(), closeAll())
			default:
			}
		}

		cu := h.cursors[0]
		if err := dst.Write(cu.rec); err != nil {
			return errors.Join(fmt.Errorf("write record: %w", err), closeAll())
		}

		switch err := cu.advance(); err {
		case nil:
			heap.Fix(h, 0)
		case io.EOF:
			heap.Pop(h)
			if cerr := cu.r.close(); cerr != nil {
				return errors.Join(cerr, closeAll())
			}
			if rerr := r.sc.removeFile(r.sc.sortedPath(cu.c.ordinal), cu.c.diskBytes); rerr != nil {
				return errors.Join(rerr, closeAll())
			}
		default:
			return errors.Join(fmt.Errorf("read chunk %d: %w", cu.c.ordinal, err), closeAll())
		}
	}

	if err := dst.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}
