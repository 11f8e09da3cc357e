package remotecache

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/forgebuild/forge/action"
)

// HTTPBackend talks to a simple content-addressed HTTP cache server:
// GET/PUT /<fingerprint> against a base URL. This is the default remote
// cache backend (BUILDER_REMOTE_CACHE=https://cache.example.com) and the
// one most Forge deployments run, fronted by any static object server.
type HTTPBackend struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPBackend builds an HTTPBackend against baseURL, with a shared
// connection-pooled http.Client suited to a long-lived outbound client.
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (b *HTTPBackend) url(id action.ArtifactId) string {
	return b.BaseURL + "/" + id.String()
}

// Get fetches id's compressed bytes. A 404 is a clean miss, not an error.
func (b *HTTPBackend) Get(ctx context.Context, id action.ArtifactId) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url(id), nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("remotecache: http get %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("remotecache: http get %s: unexpected status %s", id, resp.Status)
	}
	data, err := readAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("remotecache: reading response body for %s: %w", id, err)
	}
	return data, true, nil
}

// Put uploads id's compressed bytes.
func (b *HTTPBackend) Put(ctx context.Context, id action.ArtifactId, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.url(id), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(data))
	resp, err := b.Client.Do(req)
	if err != nil {
		return fmt.Errorf("remotecache: http put %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("remotecache: http put %s: unexpected status %s", id, resp.Status)
	}
	return nil
}

// GetBatch has no native batching over plain HTTP GET/PUT, so it issues
// one request per id; the zstd compression still keeps transfer volume
// down even without a batched endpoint.
func (b *HTTPBackend) GetBatch(ctx context.Context, ids []action.ArtifactId) (map[action.ArtifactId][]byte, error) {
	out := make(map[action.ArtifactId][]byte, len(ids))
	for _, id := range ids {
		data, ok, err := b.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = data
		}
	}
	return out, nil
}
