package remotecache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory Backend for exercising Client without
// network access.
type fakeBackend struct {
	mu      sync.Mutex
	objects map[action.ArtifactId][]byte
	puts    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{objects: make(map[action.ArtifactId][]byte)}
}

func (f *fakeBackend) Get(ctx context.Context, id action.ArtifactId) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[id]
	return data, ok, nil
}

func (f *fakeBackend) Put(ctx context.Context, id action.ArtifactId, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[id] = data
	f.puts++
	return nil
}

func (f *fakeBackend) GetBatch(ctx context.Context, ids []action.ArtifactId) (map[action.ArtifactId][]byte, error) {
	out := make(map[action.ArtifactId][]byte)
	for _, id := range ids {
		if data, ok, _ := f.Get(ctx, id); ok {
			out[id] = data
		}
	}
	return out, nil
}

func TestClientGetMissOnEmptyBackend(t *testing.T) {
	backend := newFakeBackend()
	client, err := New(backend, nil)
	require.NoError(t, err)

	_, ok, err := client.Get(context.Background(), action.ArtifactId(fingerprint.HashBytes([]byte("nope"))))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClientPutAsyncThenGetRoundTrips(t *testing.T) {
	backend := newFakeBackend()
	client, err := New(backend, nil)
	require.NoError(t, err)

	id := action.ArtifactId(fingerprint.HashBytes([]byte("artifact-content")))
	payload := []byte("artifact-content")
	client.PutAsync(id, payload)

	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.puts == 1
	}, time.Second, 5*time.Millisecond)

	data, ok, err := client.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, data)
}

func TestDisabledClientAlwaysMisses(t *testing.T) {
	client, err := New(nil, nil)
	require.NoError(t, err)
	assert.False(t, client.Enabled())

	_, ok, err := client.Get(context.Background(), action.ArtifactId(fingerprint.HashBytes([]byte("x"))))
	require.NoError(t, err)
	assert.False(t, ok)

	client.PutAsync(action.ArtifactId(fingerprint.HashBytes([]byte("x"))), []byte("x")) // must not panic
}

func TestGetBatchDecompressesEachEntry(t *testing.T) {
	backend := newFakeBackend()
	client, err := New(backend, nil)
	require.NoError(t, err)

	ids := make([]action.ArtifactId, 0, 3)
	for i := 0; i < 3; i++ {
		content := []byte{byte(i), byte(i + 1)}
		id := action.ArtifactId(fingerprint.HashBytes(content))
		client.PutAsync(id, content)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.puts == 3
	}, time.Second, 5*time.Millisecond)

	got, err := client.GetBatch(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}
