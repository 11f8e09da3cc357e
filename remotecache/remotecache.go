// Package remotecache implements the tier-2 remote cache client: a
// best-effort peer to actioncache.Cache and cas.Store backed by a
// shared remote store, so one machine's build populates a cache other
// machines' builds can read from. Reads consult the remote tier only
// after a local miss; writes are write-through and asynchronous so a
// failing or slow remote upload never blocks or fails the local build.
package remotecache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/forgebuild/forge/action"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// Backend is the minimal object-store contract a remote cache tier needs:
// content-addressed get/put keyed by artifact fingerprint. HTTPBackend
// and S3Backend both implement it.
type Backend interface {
	Get(ctx context.Context, id action.ArtifactId) ([]byte, bool, error)
	Put(ctx context.Context, id action.ArtifactId, data []byte) error
	// GetBatch fetches multiple ids in one round trip where the backend
	// supports it; a backend without native batching may just loop.
	GetBatch(ctx context.Context, ids []action.ArtifactId) (map[action.ArtifactId][]byte, error)
}

// Client wraps a Backend with zstd compression and an async write-through
// upload queue.
type Client struct {
	backend Backend
	log     *logrus.Entry
	enc     *zstd.Encoder
	dec     *zstd.Decoder

	uploadMu sync.Mutex
	inFlight map[action.ArtifactId]struct{}
}

// New builds a Client around backend. backend may be nil to disable the
// remote tier entirely (every Get reports a miss, every Put is a no-op) —
// the configuration path for BUILDER_REMOTE_CACHE="".
func New(backend Backend, log *logrus.Entry) (*Client, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("remotecache: creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("remotecache: creating zstd decoder: %w", err)
	}
	return &Client{
		backend:  backend,
		log:      log.WithField("component", "remotecache"),
		enc:      enc,
		dec:      dec,
		inFlight: make(map[action.ArtifactId]struct{}),
	}, nil
}

// Enabled reports whether a backend is configured.
func (c *Client) Enabled() bool { return c.backend != nil }

// Get fetches and decompresses id from the remote tier. Returns
// (nil, false, nil) on a clean miss.
func (c *Client) Get(ctx context.Context, id action.ArtifactId) ([]byte, bool, error) {
	if c.backend == nil {
		return nil, false, nil
	}
	compressed, ok, err := c.backend.Get(ctx, id)
	if err != nil || !ok {
		return nil, false, err
	}
	data, err := c.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("remotecache: decompressing artifact %s: %w", id, err)
	}
	return data, true, nil
}

// GetBatch fetches and decompresses several ids in one call where the
// backend supports native batching.
func (c *Client) GetBatch(ctx context.Context, ids []action.ArtifactId) (map[action.ArtifactId][]byte, error) {
	if c.backend == nil || len(ids) == 0 {
		return nil, nil
	}
	raw, err := c.backend.GetBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[action.ArtifactId][]byte, len(raw))
	for id, compressed := range raw {
		data, err := c.dec.DecodeAll(compressed, nil)
		if err != nil {
			c.log.WithError(err).WithField("artifact", id).Warn("skipping corrupt remote cache entry")
			continue
		}
		out[id] = data
	}
	return out, nil
}

// PutAsync compresses data and uploads it to the remote tier in the
// background. Upload failures are logged, never returned — a build must
// never fail because the remote cache was unreachable.
func (c *Client) PutAsync(id action.ArtifactId, data []byte) {
	if c.backend == nil {
		return
	}
	c.uploadMu.Lock()
	if _, already := c.inFlight[id]; already {
		c.uploadMu.Unlock()
		return
	}
	c.inFlight[id] = struct{}{}
	c.uploadMu.Unlock()

	go func() {
		defer func() {
			c.uploadMu.Lock()
			delete(c.inFlight, id)
			c.uploadMu.Unlock()
		}()

		compressed := c.enc.EncodeAll(data, nil)
		ctx := context.Background()
		if err := c.backend.Put(ctx, id, compressed); err != nil {
			c.log.WithError(err).WithField("artifact", id).Warn("remote cache upload failed, continuing with local cache only")
		}
	}()
}

// readAll is a small helper backends use to fully drain a stream into a
// byte slice, shared so each Backend implementation doesn't repeat it.
func readAll(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
