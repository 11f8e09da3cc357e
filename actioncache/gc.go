package actioncache

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/cas"
)

// SweepCAS removes every CAS blob that no live cache entry references and
// that is older than the configured retention window. The retention
// check keys off the blob's modification time, so a blob written by an in-flight build
// that has not yet committed its entry is kept only while it is younger
// than the retention window; with a zero retention it is not protected.
// It returns the number of blobs removed and the bytes freed.
func (c *Cache) SweepCAS(store *cas.Store, now time.Time) (int, int64, error) {
	referenced := make(map[action.ArtifactId]struct{})
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			r, err := decodeResult(v)
			if err != nil {
				// A corrupt entry can't vouch for its blobs; Lookup
				// already treats it as a miss.
				return nil
			}
			for _, out := range r.Outputs {
				referenced[out] = struct{}{}
			}
			return nil
		})
	})
	if err != nil {
		return 0, 0, fmt.Errorf("actioncache: collecting referenced blobs: %w", err)
	}

	var removed int
	var freed int64
	err = store.Walk(func(id action.ArtifactId, size int64, modTime time.Time) error {
		if _, ok := referenced[id]; ok {
			return nil
		}
		if now.Sub(modTime) < c.retention {
			return nil
		}
		if err := store.Remove(id); err != nil {
			return err
		}
		removed++
		freed += size
		return nil
	})
	if err != nil {
		return removed, freed, fmt.Errorf("actioncache: sweeping cas: %w", err)
	}

	if removed > 0 {
		c.log.WithFields(logrus.Fields{
			"blobs": removed,
			"freed": humanize.Bytes(uint64(freed)),
		}).Info("gc sweep reclaimed unreferenced blobs")
	}
	return removed, freed, nil
}
