package flatsort

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	flatsorterrors "github.com/flatsort/flatsort/errors"
)

// scratch owns the private directory holding chunk files for one run.
// All intermediate state lives under dir and nowhere else, so removing dir
// is a complete cleanup. Byte accounting is atomic because workers write
// sorted chunks concurrently while callers may poll ScratchBytes.
type scratch struct {
	dir   string
	quota int64 // 0 = unlimited

	used atomic.Int64
	peak atomic.Int64

	removed bool
}

// newScratch creates a private scratch directory under base.
// An empty base means the OS temp dir.
func newScratch(base string, quota int64) (*scratch, error) {
	dir, err := os.MkdirTemp(base, "flatsort-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flatsorterrors.ErrScratchDir, err)
	}
	return &scratch{dir: dir, quota: quota}, nil
}

// unsortedPath is where chunk ordinal lives between split and sort.
func (s *scratch) unsortedPath(ordinal int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("chunk-%d.unsorted", ordinal))
}

// sortedPath is where chunk ordinal lives after its sort completes.
func (s *scratch) sortedPath(ordinal int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("chunk-%d.sorted", ordinal))
}

// sortedTempPath is the transient name a sorted chunk is written under
// before the atomic rename to sortedPath.
func (s *scratch) sortedTempPath(ordinal int64) string {
	return s.sortedPath(ordinal) + ".tmp"
}

// reserve accounts n bytes about to reach a scratch file. When the quota
// would be crossed, nothing is recorded and ErrQuotaExceeded is returned.
func (s *scratch) reserve(n int64) error {
	used := s.used.Add(n)
	if s.quota > 0 && used > s.quota {
		s.used.Add(-n)
		return fmt.Errorf("%w: in use %d, requested %d, quota %d",
			flatsorterrors.ErrQuotaExceeded, used-n, n, s.quota)
	}
	for {
		p := s.peak.Load()
		if used <= p || s.peak.CompareAndSwap(p, used) {
			break
		}
	}
	return nil
}

// release returns n bytes of accounting after a scratch file is removed.
func (s *scratch) release(n int64) {
	s.used.Add(-n)
}

// usage returns the bytes currently accounted to scratch files.
func (s *scratch) usage() int64 {
	return s.used.Load()
}

// peakUsage returns the high-water mark of scratch usage for this run.
func (s *scratch) peakUsage() int64 {
	return s.peak.Load()
}

// removeFile deletes one scratch file and releases its accounted size.
func (s *scratch) removeFile(path string, size int64) error {
	if err := os.Remove(path); err != nil {
		return err
	}
	s.release(size)
	return nil
}

// cleanup removes the scratch directory and everything under it.
// Idempotent: safe to call multiple times.
func (s *scratch) cleanup() error {
	if s.removed {
		return nil
	}
	s.removed = true
	return os.RemoveAll(s.dir)
}
