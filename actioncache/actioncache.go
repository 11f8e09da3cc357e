// Package actioncache implements the local tier of the action cache: a
// map from ActionId to ActionResult + ArtifactId set, with
// an in-memory single-flight registry guaranteeing at-most-one concurrent
// build per ActionId, and LRU eviction against a total-size watermark.
//
// The persisted index (ActionId -> result header) lives in an embedded
// go.etcd.io/bbolt database using this package's own big-endian entry
// format, while blob bodies stay in the cas package's CAS.
package actioncache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/forgebuild/forge/action"
)

var entriesBucket = []byte("actions")

// Cache is the local, single-flighted, LRU-evicted action cache.
type Cache struct {
	db  *bolt.DB
	lru *lru.Cache[action.ActionId, accessRecord]
	log *logrus.Entry

	mu      sync.Mutex
	inFlight map[action.ActionId]*buildSlot

	sizeMu        sync.Mutex
	totalBytes    int64
	maxTotalBytes int64
	retention     time.Duration
}

type accessRecord struct {
	size       int64
	accessedAt time.Time
}

type buildSlot struct {
	done   chan struct{}
	result *action.Result
	err    error
}

// Config configures a Cache.
type Config struct {
	// Path to the bbolt database file, e.g. ".builder-cache/actions/index.db".
	Path string
	// MaxTotalBytes is the LRU eviction watermark across all cached
	// result bodies (stdout/stderr; output blob bytes live in the CAS and
	// are evicted there).
	MaxTotalBytes int64
	// Retention is the minimum age, by modification time, an unreferenced
	// CAS blob must reach before SweepCAS removes it.
	Retention time.Duration
	Logger    *logrus.Entry
}

// Open opens (creating if necessary) the local action cache at cfg.Path.
func Open(cfg Config) (*Cache, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("actioncache: creating directory for %s: %w", cfg.Path, err)
	}
	db, err := bolt.Open(cfg.Path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("actioncache: opening %s: %w", cfg.Path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("actioncache: initializing bucket: %w", err)
	}

	cache := &Cache{
		db:            db,
		log:           cfg.Logger.WithField("component", "actioncache"),
		inFlight:      make(map[action.ActionId]*buildSlot),
		maxTotalBytes: cfg.MaxTotalBytes,
		retention:     cfg.Retention,
	}

	// The LRU's own count capacity is a generous backstop; track() enforces
	// the real eviction policy, a total-size watermark over cfg.MaxTotalBytes.
	l, err := lru.NewWithEvict(1<<20, cache.onEvict)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("actioncache: creating lru: %w", err)
	}
	cache.lru = l

	if err := cache.loadIndex(); err != nil {
		db.Close()
		return nil, err
	}

	return cache, nil
}

func (c *Cache) loadIndex() error {
	return c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		return b.ForEach(func(k, v []byte) error {
			var id action.ActionId
			copy(id[:], k)
			c.track(id, int64(len(v)))
			return nil
		})
	})
}

// onEvict is invoked by the LRU when total-size pressure evicts an entry.
// It removes the persisted header; the CAS blobs it referenced are
// reclaimed later by a GC sweep once their reference count hits zero and
// the retention window has elapsed.
func (c *Cache) onEvict(id action.ActionId, rec accessRecord) {
	_ = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete(id[:])
	})
	c.sizeMu.Lock()
	c.totalBytes -= rec.size
	c.sizeMu.Unlock()
	c.log.WithField("action_id", id.String()).Debug("evicted action cache entry")
}

// track records a fresh access to id with the given encoded size,
// enforcing the total-size watermark by evicting the least-recently-used
// entries. The entry just tracked is never evicted here, even when it
// alone exceeds the watermark.
func (c *Cache) track(id action.ActionId, size int64) {
	if old, ok := c.lru.Peek(id); ok {
		c.sizeMu.Lock()
		c.totalBytes -= old.size
		c.sizeMu.Unlock()
	}
	c.lru.Add(id, accessRecord{size: size, accessedAt: time.Now()})
	c.sizeMu.Lock()
	c.totalBytes += size
	over := c.maxTotalBytes > 0 && c.totalBytes > c.maxTotalBytes
	c.sizeMu.Unlock()

	for over && c.lru.Len() > 1 {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.sizeMu.Lock()
		over = c.maxTotalBytes > 0 && c.totalBytes > c.maxTotalBytes
		c.sizeMu.Unlock()
	}
}

// Close releases the underlying bbolt handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Lookup is a pure read: it returns a result only if the entry is present
// and not marked stale by the caller (staleness — fingerprint drift — is
// the caller's responsibility, since only the caller knows current input
// fingerprints).
func (c *Cache) Lookup(id action.ActionId) (*action.Result, bool) {
	data, ok := c.read(id)
	if !ok {
		return nil, false
	}
	c.track(id, int64(len(data)))
	result, err := decodeResult(data)
	if err != nil {
		c.log.WithError(err).WithField("action_id", id.String()).Warn("corrupt action cache entry, treating as miss")
		return nil, false
	}
	return result, true
}

func (c *Cache) read(id action.ActionId) ([]byte, bool) {
	var data []byte
	_ = c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get(id[:])
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, data != nil
}

// Slot is returned by BeginBuild: either Pass (the caller must execute
// and then Commit/Abort) or a future to Wait on for another caller's
// result.
type Slot struct {
	Pass bool
	wait func() (*action.Result, error)
}

// Wait blocks for the leader's result. Only valid when Pass is false.
func (s Slot) Wait() (*action.Result, error) {
	return s.wait()
}

// BeginBuild implements the single-flight acquire: the first caller for a
// given ActionId gets Pass=true and must call Commit or Abort; every
// other concurrent caller gets a Wait handle for the same result.
func (c *Cache) BeginBuild(id action.ActionId) Slot {
	c.mu.Lock()
	if slot, ok := c.inFlight[id]; ok {
		c.mu.Unlock()
		return Slot{Pass: false, wait: func() (*action.Result, error) {
			<-slot.done
			return slot.result, slot.err
		}}
	}
	slot := &buildSlot{done: make(chan struct{})}
	c.inFlight[id] = slot
	c.mu.Unlock()
	return Slot{Pass: true}
}

// Commit atomically stores a result and wakes any waiters. Must only be
// called by the leader that received Pass=true from BeginBuild.
func (c *Cache) Commit(id action.ActionId, result *action.Result) error {
	data, err := encodeResult(result)
	if err != nil {
		return fmt.Errorf("actioncache: encoding result for %s: %w", id, err)
	}

	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put(id[:], data)
	}); err != nil {
		return fmt.Errorf("actioncache: persisting %s: %w", id, err)
	}
	c.track(id, int64(len(data)))

	c.mu.Lock()
	slot, ok := c.inFlight[id]
	delete(c.inFlight, id)
	c.mu.Unlock()
	if ok {
		slot.result = result
		close(slot.done)
	}
	return nil
}

// Abort releases the single-flight slot without storing anything; any
// waiters' next Lookup will miss and they retry their own build.
func (c *Cache) Abort(id action.ActionId, reason error) {
	c.mu.Lock()
	slot, ok := c.inFlight[id]
	delete(c.inFlight, id)
	c.mu.Unlock()
	if ok {
		slot.err = reason
		close(slot.done)
	}
}
