package flatsort

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	flatsorterrors "github.com/flatsort/flatsort/errors"
	"github.com/flatsort/flatsort/internal/delim"
)

const (
	// chunkWriteBufferSize buffers plaintext record writes above the
	// compressor and file layers.
	chunkWriteBufferSize = 256 * 1024

	// chunkReadBufferSize buffers file reads below the decompressor when
	// chunks are read back as a stream.
	chunkReadBufferSize = 256 * 1024
)

// chunk is the in-memory descriptor of one chunk file. The splitter fills
// it in, a sort worker rewrites checksum and diskBytes when it publishes
// the sorted file, and the merge verifies against it. Phases hand chunks
// off through goroutine joins, so no field needs locking.
type chunk struct {
	ordinal int64

	// records and bytes describe the plaintext payload and are identical
	// for the unsorted and sorted files: sorting reorders canonical record
	// encodings without changing them.
	records int64
	bytes   int64

	// checksum is the xxhash64 of the plaintext payload of whichever file
	// currently represents the chunk. diskBytes is that file's on-disk
	// size, which differs from bytes only under compression.
	checksum  uint64
	diskBytes int64
}

// newCompressor wraps w in the configured compression codec.
// Returns nil for CompressNone.
func (c Compression) newCompressor(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressS2:
		return s2.NewWriter(w), nil
	case CompressZstd:
		return zstd.NewWriter(w)
	default:
		return nil, nil
	}
}

// newDecompressor wraps r in the configured codec's reader.
// Returns nil for CompressNone.
func (c Compression) newDecompressor(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressS2:
		return io.NopCloser(s2.NewReader(r)), nil
	case CompressZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, nil
	}
}

// countingWriter sits directly above the chunk file, reserving every byte
// against the scratch quota before it lands on disk. Accounting therefore
// tracks post-compression sizes, which is what the quota guards.
type countingWriter struct {
	f  *os.File
	sc *scratch
	n  int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	if err := w.sc.reserve(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.f.Write(p)
	if n < len(p) {
		w.sc.release(int64(len(p) - n))
	}
	w.n += int64(n)
	return n, err
}

// chunkWriter writes canonical record bytes to one scratch chunk file,
// maintaining a streaming plaintext digest and plaintext/record counters
// while the bytes flow through the optional compressor to disk.
type chunkWriter struct {
	path  string
	count *countingWriter
	comp  io.WriteCloser // nil when compression is off
	bw    *bufio.Writer  // top of the stack; receives plaintext
	hash  *xxhash.Digest
	sync  bool // fsync before close (sorted chunks, pre-rename)

	records int64
	bytes   int64
}

// newChunkWriter creates path and the write stack above it.
// With syncOnFinish, finish fsyncs before closing so a subsequent rename
// publishes fully durable data.
func newChunkWriter(path string, sc *scratch, comp Compression, syncOnFinish bool) (*chunkWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create chunk file: %w", err)
	}

	w := &chunkWriter{
		path:  path,
		count: &countingWriter{f: f, sc: sc},
		hash:  xxhash.New(),
		sync:  syncOnFinish,
	}

	w.comp, err = comp.newCompressor(w.count)
	if err != nil {
		primaryErr := fmt.Errorf("init compressor: %w", err)
		return nil, errors.Join(primaryErr, f.Close(), os.Remove(path))
	}
	if w.comp != nil {
		w.bw = bufio.NewWriterSize(w.comp, chunkWriteBufferSize)
	} else {
		w.bw = bufio.NewWriterSize(w.count, chunkWriteBufferSize)
	}
	return w, nil
}

// write appends one canonically encoded record.
func (w *chunkWriter) write(line []byte) error {
	if _, err := w.hash.Write(line); err != nil {
		panic("hash.Hash.Write returned unexpected error: " + err.Error())
	}
	if _, err := w.bw.Write(line); err != nil {
		return err
	}
	w.records++
	w.bytes += int64(len(line))
	return nil
}

// finish flushes all layers and closes the file. After finish, sum64 and
// diskBytes describe the completed file.
func (w *chunkWriter) finish() error {
	if err := w.bw.Flush(); err != nil {
		return errors.Join(err, w.discard())
	}
	if w.comp != nil {
		err := w.comp.Close()
		w.comp = nil
		if err != nil {
			return errors.Join(err, w.discard())
		}
	}
	if w.sync {
		if err := w.count.f.Sync(); err != nil {
			return errors.Join(err, w.discard())
		}
	}
	err := w.count.f.Close()
	w.count.f = nil
	if err != nil {
		return errors.Join(err, w.discard())
	}
	return nil
}

// discard abandons the chunk file: closes the write stack, removes the
// file, and releases its accounted bytes. Used on every failed write path.
// Idempotent.
func (w *chunkWriter) discard() error {
	var errs []error
	if w.comp != nil {
		// Close releases the codec's buffers and worker goroutines; the
		// bytes it flushes land in a file removed below.
		_ = w.comp.Close()
		w.comp = nil
	}
	if w.count.f != nil {
		errs = append(errs, w.count.f.Close())
		w.count.f = nil
	}
	if w.path != "" {
		if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		w.path = ""
		w.count.sc.release(w.count.n)
		w.count.n = 0
	}
	return errors.Join(errs...)
}

// sum64 returns the plaintext digest accumulated so far.
func (w *chunkWriter) sum64() uint64 {
	return w.hash.Sum64()
}

// diskBytes returns the bytes written to the file so far.
func (w *chunkWriter) diskBytes() int64 {
	return w.count.n
}

// preallocate reserves the file's final size up front. Used for sorted
// chunks, whose exact plaintext size is known before any record is written.
func (w *chunkWriter) preallocate(size int64) error {
	return fallocateFile(w.count.f, size)
}

// chunkReader streams records back out of a chunk file, re-deriving the
// plaintext digest so corruption between phases is caught before the data
// is trusted.
type chunkReader struct {
	f      *os.File
	decomp io.ReadCloser // nil when compression is off
	digest *xxhash.Digest
	dr     *delim.Reader
	read   int64
}

// openChunkReader opens path for sequential streaming reads.
func openChunkReader(path string, comma rune, comp Compression) (*chunkReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chunk file: %w", err)
	}
	fadviseSequential(int(f.Fd()), 0, 0)

	r := &chunkReader{f: f, digest: xxhash.New()}

	var src io.Reader = bufio.NewReaderSize(f, chunkReadBufferSize)
	r.decomp, err = comp.newDecompressor(src)
	if err != nil {
		primaryErr := fmt.Errorf("init decompressor: %w", err)
		return nil, errors.Join(primaryErr, f.Close())
	}
	if r.decomp != nil {
		src = r.decomp
	}
	r.dr = delim.NewReader(io.TeeReader(src, r.digest), comma)
	return r, nil
}

// next returns the chunk's next record, or io.EOF after the last one.
func (r *chunkReader) next() (Record, error) {
	fields, err := r.dr.Read()
	if err != nil {
		return nil, err
	}
	r.read++
	return Record(fields), nil
}

// verify checks the fully read stream against the chunk descriptor.
// Only meaningful after next has returned io.EOF.
func (r *chunkReader) verify(c *chunk) error {
	if r.read != c.records {
		return fmt.Errorf("%w: chunk %d holds %d records, expected %d",
			flatsorterrors.ErrChunkCorrupt, c.ordinal, r.read, c.records)
	}
	if sum := r.digest.Sum64(); sum != c.checksum {
		return fmt.Errorf("%w: chunk %d checksum %016x, expected %016x",
			flatsorterrors.ErrChunkCorrupt, c.ordinal, sum, c.checksum)
	}
	return nil
}

// close releases the reader's resources. Idempotent.
func (r *chunkReader) close() error {
	var errs []error
	if r.decomp != nil {
		errs = append(errs, r.decomp.Close())
		r.decomp = nil
	}
	if r.f != nil {
		errs = append(errs, r.f.Close())
		r.f = nil
	}
	return errors.Join(errs...)
}

// readChunkRecords loads a whole chunk into memory and verifies it.
// Uncompressed chunks are memory mapped: the digest is computed over the
// mapping in one pass and records are parsed straight out of it (the
// parser copies field bytes, so the mapping can be dropped afterwards).
// Compressed chunks fall back to the streaming reader.
func readChunkRecords(path string, c *chunk, comma rune, comp Compression) ([]Record, error) {
	if comp != CompressNone {
		return readChunkRecordsStream(path, c, comma, comp)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chunk file: %w", err)
	}
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		primaryErr := fmt.Errorf("mmap chunk file: %w", err)
		return nil, errors.Join(primaryErr, f.Close())
	}
	madviseSequential(mm)

	records, err := parseChunkMap(mm, c, comma)
	return records, errors.Join(err, mm.Unmap(), f.Close())
}

func parseChunkMap(data []byte, c *chunk, comma rune) ([]Record, error) {
	if sum := xxhash.Sum64(data); sum != c.checksum {
		return nil, fmt.Errorf("%w: chunk %d checksum %016x, expected %016x",
			flatsorterrors.ErrChunkCorrupt, c.ordinal, sum, c.checksum)
	}

	records := make([]Record, 0, c.records)
	dr := delim.NewReader(bytes.NewReader(data), comma)
	for {
		fields, err := dr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, Record(fields))
	}
	if int64(len(records)) != c.records {
		return nil, fmt.Errorf("%w: chunk %d holds %d records, expected %d",
			flatsorterrors.ErrChunkCorrupt, c.ordinal, len(records), c.records)
	}
	return records, nil
}

func readChunkRecordsStream(path string, c *chunk, comma rune, comp Compression) ([]Record, error) {
	r, err := openChunkReader(path, comma, comp)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, c.records)
	for {
		rec, err := r.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Join(err, r.close())
		}
		records = append(records, rec)
	}
	if err := r.verify(c); err != nil {
		return nil, errors.Join(err, r.close())
	}
	return records, r.close()
}
