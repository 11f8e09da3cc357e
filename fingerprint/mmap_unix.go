//go:build !windows

package fingerprint

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapReader memory-maps f read-only for the >=100MiB sampling tier.
// mmap avoids the
// copy-per-window cost of repeated ReadAt calls on files big enough that
// the OS page cache, not syscall overhead, dominates. If the mapping
// fails (e.g. a zero-length file, or a filesystem that refuses mmap),
// callers fall back to the ordinary ReadAt-based window reader.
type mmapReader struct {
	data []byte
}

// openMmap maps size bytes of f starting at offset 0. It returns ok=false
// rather than an error when mmap isn't usable for this file, since the
// size-tiered hasher must never fail a build over an optimization.
func openMmap(f *os.File, size int64) (*mmapReader, bool) {
	if size <= 0 {
		return nil, false
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, false
	}
	return &mmapReader{data: data}, true
}

func (m *mmapReader) window(offset, length int64) []byte {
	end := offset + length
	if end > int64(len(m.data)) {
		end = int64(len(m.data))
	}
	if offset > end {
		offset = end
	}
	return m.data[offset:end]
}

func (m *mmapReader) close() {
	_ = unix.Munmap(m.data)
}
