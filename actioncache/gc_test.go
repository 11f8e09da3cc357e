package actioncache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/cas"
)

func TestSweepCASRemovesOnlyUnreferencedBlobs(t *testing.T) {
	c := openTestCache(t)
	store, err := cas.New(t.TempDir(), nil)
	require.NoError(t, err)

	kept, err := store.Put([]byte("still referenced"))
	require.NoError(t, err)
	orphan, err := store.Put([]byte("orphaned output"))
	require.NoError(t, err)

	var id action.ActionId
	id[0] = 9
	slot := c.BeginBuild(id)
	require.True(t, slot.Pass)
	require.NoError(t, c.Commit(id, &action.Result{
		Status:  action.StatusSuccess,
		Outputs: []action.ArtifactId{kept},
	}))

	// Retention is zero, so age never protects the orphan.
	removed, freed, err := c.SweepCAS(store, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.EqualValues(t, len("orphaned output"), freed)
	assert.True(t, store.Has(kept))
	assert.False(t, store.Has(orphan))
}

func TestSweepCASHonorsRetentionWindow(t *testing.T) {
	c, err := Open(Config{
		Path:      filepath.Join(t.TempDir(), "index.db"),
		Retention: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	store, err := cas.New(t.TempDir(), nil)
	require.NoError(t, err)
	orphan, err := store.Put([]byte("fresh orphan"))
	require.NoError(t, err)

	removed, _, err := c.SweepCAS(store, time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.True(t, store.Has(orphan))
}
