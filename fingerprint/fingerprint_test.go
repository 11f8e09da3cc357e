package fingerprint

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	data := bytes.Repeat([]byte{0xAB}, size)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestHashFileStableAcrossRuns(t *testing.T) {
	for _, size := range []int{100, 8 * 1024, 2 * 1024 * 1024} {
		path := writeTempFile(t, size)
		a, err := HashFile(path)
		require.NoError(t, err)
		b, err := HashFile(path)
		require.NoError(t, err)
		assert.Equal(t, a, b, "size=%d", size)
	}
}

func TestHashFileInvariantUnderCopyAndAtime(t *testing.T) {
	path := writeTempFile(t, 5*1024*1024)
	original, err := HashFile(path)
	require.NoError(t, err)

	dst := path + ".copy"
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, data, 0o644))

	copied, err := HashFile(dst)
	require.NoError(t, err)
	assert.Equal(t, original, copied)

	// Touching atime must not affect the hash.
	now := time.Now()
	require.NoError(t, os.Chtimes(path, now.Add(time.Hour), now.Add(-time.Hour)))
	afterAtime, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, afterAtime)
}

func TestHashFileTiersDoNotCollide(t *testing.T) {
	small := writeTempFile(t, 100)
	big := writeTempFile(t, 10*1024*1024)

	smallHash, err := HashFile(small)
	require.NoError(t, err)
	bigHash, err := HashFile(big)
	require.NoError(t, err)
	assert.NotEqual(t, smallHash, bigHash)
}

func TestHashBytesAndHashStringsDistinctTags(t *testing.T) {
	data := []byte("hello")
	byBytes := HashBytes(data)
	byStrings := HashStrings([]string{"hello"})
	assert.NotEqual(t, byBytes, byStrings, "different tags must not collide")
}

func TestHashStringsOrderSensitive(t *testing.T) {
	a := HashStrings([]string{"ab", "c"})
	b := HashStrings([]string{"a", "bc"})
	assert.NotEqual(t, a, b)
}

func TestChunksChangedFromUsesSetMembership(t *testing.T) {
	old := bytes.Repeat([]byte("0123456789abcdef"), 4096) // 64 KiB, several chunks
	oldSig := chunkBytes(old)
	require.NotEmpty(t, oldSig.Chunks)

	// Shift everything by inserting one byte at the start: with a
	// positional comparison every chunk looks different, but with
	// set-membership comparison only the chunks actually touched by the
	// shift should show up.
	shifted := append([]byte{'X'}, old...)
	newSig := chunkBytes(shifted)

	added, removed := oldSig.ChangedFrom(newSig)
	assert.Less(t, len(added), len(oldSig.Chunks), "set comparison should not flag every chunk as changed")
	assert.Less(t, len(removed), len(oldSig.Chunks))
}

func TestChunksIdenticalSignatureForIdenticalContent(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox "), 10000)
	sig1 := chunkBytes(data)
	sig2 := chunkBytes(data)
	assert.Equal(t, sig1.Signature, sig2.Signature)
	assert.Equal(t, len(sig1.Chunks), len(sig2.Chunks))
}

func TestMetaCheckPromotesOnAnyMismatch(t *testing.T) {
	a := FileMeta{Size: 10, ModTime: 1, Inode: 5, Device: 1}
	b := FileMeta{Size: 20, ModTime: 1, Inode: 5, Device: 1}
	changed, tier := Changed(a, b)
	assert.True(t, changed)
	assert.Equal(t, TierQuick, tier)

	c := FileMeta{Size: 10, ModTime: 2, Inode: 5, Device: 1}
	changed, tier = Changed(a, c)
	assert.True(t, changed)
	assert.Equal(t, TierFast, tier)

	d := FileMeta{Size: 10, ModTime: 1, Inode: 6, Device: 1}
	changed, tier = Changed(a, d)
	assert.True(t, changed)
	assert.Equal(t, TierFull, tier)

	identical := FileMeta{Size: 10, ModTime: 1, Inode: 5, Device: 1}
	changed, _ = Changed(a, identical)
	assert.False(t, changed)
}
