// Package fingerprint computes stable, cheap content identifiers for
// files, blobs and strings, the incremental engine's leaf dependency. It
// is deliberately free of any dependency on the rest of the module so
// every other package — action, cas, actioncache, executor, graph — can
// sit on top of it without an import cycle.
//
// Three independent policies live here, all grounded in the same
// "cheap first, promote to content hash on any doubt" philosophy:
//
//   - hashFile: size-tiered hashing for throughput (full hash for small
//     files, deterministic sampling for large ones).
//   - Content-defined chunking: a Rabin-style rolling hash for detecting
//     which parts of a file changed between builds.
//   - Metadata checks: a three-tier "did this file change" heuristic that
//     only promotes to a full content rehash when it must.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
)

// Fingerprint mirrors action.Fingerprint's shape without importing the
// action package (which imports this one for ActionId derivation).
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	const hextable = "0123456789abcdef"
	var buf [64]byte
	for i, b := range f {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf[:])
}

// Tag bytes distinguish which tier produced a hash so tiered hashes never
// collide across tiers, even if the underlying digest happens to agree.
const (
	tagFull    byte = 0x01 // tiers "hash entire content"
	tagSampled byte = 0x02 // tier "deterministic sampling"
	tagMmap    byte = 0x03 // tier "memory-mapped sampling"
	tagStrings byte = 0x04
	tagChunk   byte = 0x05
	tagChunkSig byte = 0x06
)

// Size-tier thresholds.
const (
	tierSmallMax  = 4 * 1024        // < 4 KiB: hash entire content
	tierStreamMax = 1 * 1024 * 1024 // < 1 MiB: streamed full hash
	tierSampleMax = 100 * 1024 * 1024 // < 100 MiB: sampling
	// >= tierSampleMax: memory-mapped sampling

	sampleWindows     = 8     // N equidistant interior windows
	sampleWindowSmall = 64 * 1024  // 64 KiB window for the sampling tier
	sampleWindowLarge = 512 * 1024 // larger window for the mmap tier
)

// HashBytes hashes a byte slice directly; always tagged as a full hash.
func HashBytes(data []byte) Fingerprint {
	h := sha256.New()
	h.Write([]byte{tagFull})
	h.Write(data)
	return sum(h)
}

// HashStrings hashes an ordered sequence of strings, each length-prefixed
// so that {"ab","c"} and {"a","bc"} never collide.
func HashStrings(ordered []string) Fingerprint {
	h := sha256.New()
	h.Write([]byte{tagStrings})
	for _, s := range ordered {
		writeLenPrefixed(h, []byte(s))
	}
	return sum(h)
}

func writeLenPrefixed(h hash.Hash, b []byte) {
	var lenBuf [8]byte
	n := uint64(len(b))
	for i := 0; i < 8; i++ {
		lenBuf[i] = byte(n >> (8 * (7 - i)))
	}
	h.Write(lenBuf[:])
	h.Write(b)
}

func sum(h hash.Hash) Fingerprint {
	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}

// FileError wraps an I/O failure with the offending path. This layer
// never retries; callers decide.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("fingerprint: %s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// HashFile computes a stable fingerprint for the file at path, choosing a
// strategy by file size so large build outputs don't dominate hashing
// time:
//
//	size <  4 KiB                 -> hash entire content
//	4 KiB <= size <  1 MiB         -> hash entire content, streamed
//	1 MiB <= size <  100 MiB       -> deterministic sampling (head/tail/N windows)
//	size >= 100 MiB                -> memory-mapped sampling, larger windows
func HashFile(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, &FileError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Fingerprint{}, &FileError{Path: path, Err: err}
	}
	size := info.Size()

	switch {
	case size < tierSmallMax:
		return hashWhole(f, tagFull)
	case size < tierStreamMax:
		return hashWhole(f, tagFull)
	case size < tierSampleMax:
		return hashSampled(f, size, tagSampled, sampleWindowSmall)
	default:
		return hashSampledMmap(f, size, sampleWindowLarge)
	}
}

// hashSampledMmap is the >=100MiB tier: it memory-maps the file and samples
// through mmapReader.window instead of per-window ReadAt syscalls, falling
// back to the ordinary reader-based sampling if mmap isn't available for
// this file.
func hashSampledMmap(f *os.File, size int64, window int64) (Fingerprint, error) {
	m, ok := openMmap(f, size)
	if !ok {
		return hashSampled(f, size, tagMmap, window)
	}
	defer m.close()

	h := sha256.New()
	h.Write([]byte{tagMmap})
	writeSizeField(h, size)

	if window > size {
		window = size
	}

	h.Write(m.window(0, window))
	if size > 2*window {
		span := size - window
		for i := 1; i <= sampleWindows; i++ {
			offset := span * int64(i) / int64(sampleWindows+1)
			h.Write(m.window(offset, window))
		}
	}
	tailStart := size - window
	if tailStart < 0 {
		tailStart = 0
	}
	h.Write(m.window(tailStart, window))

	return sum(h), nil
}

func hashWhole(f *os.File, tag byte) (Fingerprint, error) {
	h := sha256.New()
	h.Write([]byte{tag})
	buf := make([]byte, 64*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return Fingerprint{}, &FileError{Path: f.Name(), Err: err}
	}
	return sum(h), nil
}

// hashSampled implements the deterministic sampling strategy: head, tail,
// and N equidistant interior windows, mixed with the total size. It backs
// the 1MiB-100MiB tier directly, and is hashSampledMmap's fallback when
// mmap isn't available — both read the identical offsets with the
// identical tag byte, so which path ran never changes the resulting
// Fingerprint, only how the bytes were read.
func hashSampled(f *os.File, size int64, tag byte, window int64) (Fingerprint, error) {
	h := sha256.New()
	h.Write([]byte{tag})

	writeSizeField(h, size)

	if window > size {
		window = size
	}

	// Head.
	if err := hashWindowAt(h, f, 0, window); err != nil {
		return Fingerprint{}, err
	}
	// Interior windows, equidistant.
	if size > 2*window {
		span := size - window // last valid start offset is size-window
		for i := 1; i <= sampleWindows; i++ {
			offset := span * int64(i) / int64(sampleWindows+1)
			if err := hashWindowAt(h, f, offset, window); err != nil {
				return Fingerprint{}, err
			}
		}
	}
	// Tail.
	tailStart := size - window
	if tailStart < 0 {
		tailStart = 0
	}
	if err := hashWindowAt(h, f, tailStart, window); err != nil {
		return Fingerprint{}, err
	}

	return sum(h), nil
}

func writeSizeField(h hash.Hash, size int64) {
	var buf [8]byte
	u := uint64(size)
	for i := 0; i < 8; i++ {
		buf[i] = byte(u >> (8 * (7 - i)))
	}
	h.Write(buf[:])
}

func hashWindowAt(h hash.Hash, f *os.File, offset, length int64) error {
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return &FileError{Path: f.Name(), Err: err}
	}
	h.Write(buf[:n])
	return nil
}
