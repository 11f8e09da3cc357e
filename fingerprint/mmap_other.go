//go:build windows

package fingerprint

import "os"

// openMmap has no portable mmap(2) equivalent wired in on this platform;
// HashFile's >=100MiB tier falls back to the ReadAt-based window reader,
// which samples identical bytes, just without the mmap optimization.
func openMmap(f *os.File, size int64) (*mmapReader, bool) {
	return nil, false
}

type mmapReader struct{}

func (m *mmapReader) window(offset, length int64) []byte { return nil }
func (m *mmapReader) close()                              {}
