package fingerprint

import (
	"os"
	"syscall"
)

// MetaTier names which tier of the three-tier metadata check was used.
type MetaTier int

const (
	// TierQuick compares size only. False positives (says "changed" when
	// it didn't) are acceptable; false negatives are forbidden.
	TierQuick MetaTier = iota
	// TierFast compares size + mtime.
	TierFast
	// TierFull compares size + mtime + inode/device + permissions. Only
	// after a Full mismatch is content rehashed.
	TierFull
)

// FileMeta is the cheap metadata snapshot used by the three-tier check.
type FileMeta struct {
	Size    int64
	ModTime int64 // unix nanos
	Inode   uint64
	Device  uint64
	Mode    os.FileMode
}

// StatFile captures a FileMeta snapshot for path.
func StatFile(path string) (FileMeta, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileMeta{}, &FileError{Path: path, Err: err}
	}
	m := FileMeta{
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
		Mode:    info.Mode(),
	}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		m.Inode = sys.Ino
		m.Device = uint64(sys.Dev)
	}
	return m, nil
}

// Changed runs the three-tier metadata check: quick (size), then fast
// (size+mtime), then full (size+mtime+inode/device+permissions). It returns true as soon as any
// tier disagrees — disagreement at any tier is promoted straight to
// "changed" without checking the remaining, cheaper-to-rule-out tiers,
// since a full mismatch is itself sufficient grounds to rehash content.
//
// Quick/Fast tiers may say "changed" when the file is actually identical
// (a false positive, which only costs an extra rehash); they must never
// say "unchanged" when the file did change, which is why each tier's
// fields are a superset of the previous one's.
func Changed(old, neu FileMeta) (changed bool, tier MetaTier) {
	if old.Size != neu.Size {
		return true, TierQuick
	}
	if old.ModTime != neu.ModTime {
		return true, TierFast
	}
	if old.Inode != neu.Inode || old.Device != neu.Device || old.Mode != neu.Mode {
		return true, TierFull
	}
	return false, TierFull
}
