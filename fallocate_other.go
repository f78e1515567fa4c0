//go:build !linux && !darwin

package flatsort

import "os"

// fallocateFile pre-allocates disk blocks so a chunk file of known size
// either fits or fails up front instead of mid-write.
// On platforms without native fallocate, uses Truncate as a fallback.
// Note: This sets file size but may not reserve actual disk blocks on all filesystems.
func fallocateFile(file *os.File, size int64) error {
	return file.Truncate(size)
}
