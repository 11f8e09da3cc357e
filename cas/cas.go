// Package cas implements the local content-addressed store: immutable
// blobs keyed by their ArtifactId, sharded on disk by the first two hex
// bytes of the key.
//
// The store is reference-counted by the action cache;
// this package only exposes the primitives (Put/Get/Has/Remove/Walk) that
// the action cache's GC sweep needs, not a GC policy of its own.
package cas

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/fingerprint"
	"github.com/sirupsen/logrus"
)

// Store is a local, filesystem-backed CAS rooted at a directory such as
// ".builder-cache/cas/".
type Store struct {
	root string
	log  *logrus.Entry
}

// New opens (and creates if necessary) a CAS rooted at dir.
func New(dir string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cas: creating root %s: %w", dir, err)
	}
	return &Store{root: dir, log: log.WithField("component", "cas")}, nil
}

func (s *Store) pathFor(id action.ArtifactId) string {
	shard, name := id.ShardPath()
	return filepath.Join(s.root, shard, name)
}

// Has reports whether a blob is already stored, without reading it.
func (s *Store) Has(id action.ArtifactId) bool {
	_, err := os.Stat(s.pathFor(id))
	return err == nil
}

// Put writes data to the store under its content fingerprint and returns
// that fingerprint. Writes are content-addressed and thus idempotent:
// concurrent writes of the same content race harmlessly to the same
// path.
func (s *Store) Put(data []byte) (action.ArtifactId, error) {
	id := action.ArtifactId(fingerprint.HashBytes(data))
	dest := s.pathFor(id)
	if _, err := os.Stat(dest); err == nil {
		return id, nil // already present, nothing to do
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return id, fmt.Errorf("cas: mkdir for %s: %w", id, err)
	}

	tmp := dest + fmt.Sprintf(".tmp-%d", os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return id, fmt.Errorf("cas: writing %s: %w", id, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return id, fmt.Errorf("cas: committing %s: %w", id, err)
	}
	return id, nil
}

// PutFile reads a file's whole contents into memory and stores them via
// Put. Used by the executor after a sandboxed process produces a
// declared output.
func (s *Store) PutFile(path string) (action.ArtifactId, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return action.ArtifactId{}, fmt.Errorf("cas: reading output %s: %w", path, err)
	}
	return s.Put(data)
}

// Get reads a blob's full content.
func (s *Store) Get(id action.ArtifactId) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		return nil, fmt.Errorf("cas: reading %s: %w", id, err)
	}
	return data, nil
}

// Open streams a blob's content without loading it fully into memory —
// used when materializing large outputs into a sandbox.
func (s *Store) Open(id action.ArtifactId) (io.ReadCloser, error) {
	f, err := os.Open(s.pathFor(id))
	if err != nil {
		return nil, fmt.Errorf("cas: opening %s: %w", id, err)
	}
	return f, nil
}

// Remove deletes a blob. Callers (the action cache's GC sweep) must have
// already established the blob has zero active references.
func (s *Store) Remove(id action.ArtifactId) error {
	if err := os.Remove(s.pathFor(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cas: removing %s: %w", id, err)
	}
	return nil
}

// Walk visits every stored ArtifactId along with its size and last
// modification time, for the action cache's GC sweep.
func (s *Store) Walk(fn func(id action.ArtifactId, size int64, modTime time.Time) error) error {
	return filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		id, perr := action.ParseFingerprint(filepath.Base(path))
		if perr != nil {
			return nil // skip temp files / stray entries
		}
		return fn(id, info.Size(), info.ModTime())
	})
}
