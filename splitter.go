package flatsort

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// splitContextCheckInterval is how often the splitter polls for context
// cancellation, in records.
const splitContextCheckInterval = 4096

// split streams records from src into bounded chunk files under scratch.
//
// Each record is serialized into its canonical encoding exactly once; the
// encoded length drives the budget decision and the same bytes are written
// verbatim, so a chunk's accounted size always equals its plaintext file
// size. A chunk is sealed when appending the next record would push it past
// the budget, which keeps every multi-record chunk within maxChunkBytes. A
// record whose encoding alone exceeds the budget becomes a chunk of its
// own; records are never split across chunks.
func (r *run) split(ctx context.Context, src RecordSource) error {
	if r.cfg.hasHeader {
		rec, err := src.Read()
		if err == io.EOF {
			// No rows at all: nothing to sort and no header to replay.
			return nil
		}
		if err != nil {
			return fmt.Errorf("read header: %w", err)
		}
		r.header = rec
	}

	var (
		w       *chunkWriter
		c       *chunk
		counter int
	)

	// seal finishes the open chunk file and records its descriptor.
	seal := func() error {
		if err := w.finish(); err != nil {
			return fmt.Errorf("finish chunk %d: %w", c.ordinal, err)
		}
		c.records = w.records
		c.bytes = w.bytes
		c.checksum = w.sum64()
		c.diskBytes = w.diskBytes()
		r.chunks = append(r.chunks, c)
		w, c = nil, nil
		return nil
	}

	for {
		counter++
		if counter >= splitContextCheckInterval {
			counter = 0
			select {
			case <-ctx.Done():
				if w != nil {
					return errors.Join(ctx.Err(), w.discard())
				}
				return ctx.Err()
			default:
			}
		}

		rec, err := src.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if w != nil {
				return errors.Join(fmt.Errorf("read record: %w", err), w.discard())
			}
			return fmt.Errorf("read record: %w", err)
		}

		line, err := r.enc.Encode(rec)
		if err != nil {
			if w != nil {
				return errors.Join(fmt.Errorf("encode record: %w", err), w.discard())
			}
			return fmt.Errorf("encode record: %w", err)
		}
		size := int64(len(line))
		r.records++
		r.bytes += size

		if w != nil && w.bytes+size > r.cfg.maxChunkBytes {
			if err := seal(); err != nil {
				return err
			}
		}
		if w == nil {
			c = &chunk{ordinal: int64(len(r.chunks))}
			w, err = newChunkWriter(r.sc.unsortedPath(c.ordinal), r.sc, r.cfg.compression, false)
			if err != nil {
				return err
			}
		}

		if err := w.write(line); err != nil {
			primaryErr := fmt.Errorf("write chunk %d: %w", c.ordinal, err)
			return errors.Join(primaryErr, w.discard())
		}
	}

	if w != nil {
		return seal()
	}
	return nil
}
