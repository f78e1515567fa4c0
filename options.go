package flatsort

import (
	"runtime"
	"time"

	flatsorterrors "github.com/flatsort/flatsort/errors"
	"github.com/flatsort/flatsort/internal/delim"
)

// defaultMaxChunkBytes is the per-chunk serialized byte budget when
// WithMaxChunkBytes is not given.
const defaultMaxChunkBytes = 256 << 20

// Compression selects the codec applied to chunk files in scratch space.
// The final output is never compressed.
type Compression uint8

const (
	CompressNone Compression = iota
	CompressS2
	CompressZstd
)

func (c Compression) String() string {
	switch c {
	case CompressNone:
		return "none"
	case CompressS2:
		return "s2"
	case CompressZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression maps a codec name to its Compression value.
// Accepted names: "none" (or ""), "s2", "zstd".
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressNone, nil
	case "s2":
		return CompressS2, nil
	case "zstd":
		return CompressZstd, nil
	default:
		return CompressNone, flatsorterrors.ErrCompressionInvalid
	}
}

// Option is a functional option for configuring a Sorter.
type Option func(*config)

type config struct {
	maxChunkBytes int64
	workers       int
	hasHeader     bool
	scratchDir    string // base dir for the private scratch dir; "" = os.TempDir()
	diskQuota     int64  // max bytes of scratch usage; 0 = unlimited
	retries       int    // extra attempts per chunk after the first failure
	retryBackoff  time.Duration
	chunkTimeout  time.Duration // per-attempt deadline; 0 = none
	comma         rune
	compression   Compression
}

func defaultConfig() *config {
	return &config{
		maxChunkBytes: defaultMaxChunkBytes,
		workers:       runtime.GOMAXPROCS(0),
		comma:         ',',
	}
}

// validate reports the first invalid setting, if any.
func (c *config) validate() error {
	if c.maxChunkBytes <= 0 {
		return flatsorterrors.ErrChunkBytesInvalid
	}
	if c.workers <= 0 {
		return flatsorterrors.ErrWorkersInvalid
	}
	if c.retries < 0 || c.retryBackoff < 0 {
		return flatsorterrors.ErrRetryInvalid
	}
	if c.chunkTimeout < 0 {
		return flatsorterrors.ErrTimeoutInvalid
	}
	if c.diskQuota < 0 {
		return flatsorterrors.ErrQuotaInvalid
	}
	if !delim.ValidComma(c.comma) {
		return flatsorterrors.ErrDelimiterInvalid
	}
	if c.compression > CompressZstd {
		return flatsorterrors.ErrCompressionInvalid
	}
	return nil
}

// WithMaxChunkBytes sets the serialized byte budget per chunk. A record
// whose encoding alone exceeds the budget still forms a chunk of its own;
// records are never split.
func WithMaxChunkBytes(n int64) Option {
	return func(c *config) {
		c.maxChunkBytes = n
	}
}

// WithHeader marks the first input record as a header. The header is kept
// out of the sort and reproduced exactly once at the top of the output.
func WithHeader() Option {
	return func(c *config) {
		c.hasHeader = true
	}
}

// WithWorkers sets the number of parallel chunk-sort workers.
// Defaults to runtime.GOMAXPROCS(0); clamped to the chunk count at run time.
func WithWorkers(n int) Option {
	return func(c *config) {
		c.workers = n
	}
}

// WithScratchDir sets the directory under which the private scratch
// directory is created. The directory must exist and be writable.
// Defaults to the OS temp dir.
func WithScratchDir(dir string) Option {
	return func(c *config) {
		c.scratchDir = dir
	}
}

// WithDiskQuota caps scratch-space disk usage in bytes. A write that would
// exceed the quota fails the run with ErrQuotaExceeded. Zero means no limit.
func WithDiskQuota(n int64) Option {
	return func(c *config) {
		c.diskQuota = n
	}
}

// WithRetry allows each chunk sort to be retried up to n times after its
// first failure, sleeping backoff, 2×backoff, 4×backoff, ... between
// attempts. With n == 0 (the default) the first failure aborts the run.
func WithRetry(n int, backoff time.Duration) Option {
	return func(c *config) {
		c.retries = n
		c.retryBackoff = backoff
	}
}

// WithChunkTimeout bounds each chunk-sort attempt. An attempt that exceeds
// the deadline counts as a failed attempt and is retried if retries remain.
// Zero (the default) disables the deadline.
func WithChunkTimeout(d time.Duration) Option {
	return func(c *config) {
		c.chunkTimeout = d
	}
}

// WithDelimiter sets the field delimiter used when serializing records into
// chunk files and the final output. Defaults to ','.
func WithDelimiter(r rune) Option {
	return func(c *config) {
		c.comma = r
	}
}

// WithCompression compresses chunk files in scratch space with the given
// codec. Trades CPU for scratch disk footprint; the byte budget and record
// accounting are unaffected because they are measured pre-compression.
func WithCompression(codec Compression) Option {
	return func(c *config) {
		c.compression = codec
	}
}
