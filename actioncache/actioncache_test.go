package actioncache

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/action"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(Config{Path: filepath.Join(t.TempDir(), "index.db")})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLookupMissThenHitAfterCommit(t *testing.T) {
	c := openTestCache(t)
	var id action.ActionId
	id[0] = 1

	_, ok := c.Lookup(id)
	assert.False(t, ok)

	slot := c.BeginBuild(id)
	require.True(t, slot.Pass)

	result := &action.Result{Status: action.StatusSuccess, ExitCode: 0}
	require.NoError(t, c.Commit(id, result))

	got, ok := c.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, action.StatusSuccess, got.Status)
}

func TestAbortLeavesAMiss(t *testing.T) {
	c := openTestCache(t)
	var id action.ActionId
	id[0] = 2

	slot := c.BeginBuild(id)
	require.True(t, slot.Pass)
	c.Abort(id, assertErr{})

	_, ok := c.Lookup(id)
	assert.False(t, ok)
}

type assertErr struct{}

func (assertErr) Error() string { return "aborted" }

// TestSingleFlightExactlyOneExecutor: for N
// concurrent callers racing BeginBuild on the same ActionId, exactly one
// gets Pass=true (and therefore "executes"), and every other caller's
// Wait() observes that leader's result.
func TestSingleFlightExactlyOneExecutor(t *testing.T) {
	c := openTestCache(t)
	var id action.ActionId
	id[0] = 3

	const n = 50
	var passCount int32
	var wg sync.WaitGroup
	results := make([]*action.Result, n)
	errs := make([]error, n)

	leaderResult := &action.Result{Status: action.StatusSuccess, ExitCode: 7}

	slots := make([]Slot, n)
	var slotMu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slot := c.BeginBuild(id)
			slotMu.Lock()
			slots[i] = slot
			slotMu.Unlock()
			if slot.Pass {
				atomic.AddInt32(&passCount, 1)
				time.Sleep(10 * time.Millisecond) // simulate doing the build
				require.NoError(t, c.Commit(id, leaderResult))
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, passCount, "exactly one caller must execute")

	for i := 0; i < n; i++ {
		if !slots[i].Pass {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r, err := slots[i].Wait()
				results[i] = r
				errs[i] = err
			}(i)
		}
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if slots[i].Pass {
			continue
		}
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, leaderResult.ExitCode, results[i].ExitCode)
	}
}

func TestWatermarkEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := Open(Config{
		Path:          filepath.Join(t.TempDir(), "index.db"),
		MaxTotalBytes: 1, // every entry alone exceeds the watermark
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	var first, second action.ActionId
	first[0] = 1
	second[0] = 2

	require.True(t, c.BeginBuild(first).Pass)
	require.NoError(t, c.Commit(first, &action.Result{Status: action.StatusSuccess}))

	require.True(t, c.BeginBuild(second).Pass)
	require.NoError(t, c.Commit(second, &action.Result{Status: action.StatusSuccess}))

	_, ok := c.Lookup(first)
	assert.False(t, ok, "oldest entry should have been evicted once the watermark was exceeded")

	_, ok = c.Lookup(second)
	assert.True(t, ok, "most recently committed entry should still be present")
}

func TestEncodeDecodeResultRoundTrip(t *testing.T) {
	var out action.ArtifactId
	out[0] = 9
	r := &action.Result{
		Status:          action.StatusFailure,
		ExitCode:        2,
		Duration:        5 * time.Second,
		Outputs:         []action.ArtifactId{out},
		Stdout:          []byte("out"),
		Stderr:          []byte("err"),
		StdoutTruncated: true,
		Resources: action.ResourceUsage{
			MaxMemoryBytes: 1024,
			CPUTimeMs:      500,
			WallTime:       2 * time.Second,
		},
	}

	data, err := encodeResult(r)
	require.NoError(t, err)
	decoded, err := decodeResult(data)
	require.NoError(t, err)

	assert.Equal(t, r.Status, decoded.Status)
	assert.Equal(t, r.ExitCode, decoded.ExitCode)
	assert.Equal(t, r.Duration, decoded.Duration)
	assert.Equal(t, r.Outputs, decoded.Outputs)
	assert.Equal(t, r.Stdout, decoded.Stdout)
	assert.Equal(t, r.Stderr, decoded.Stderr)
	assert.True(t, decoded.StdoutTruncated)
	assert.Equal(t, r.Resources, decoded.Resources)
}
