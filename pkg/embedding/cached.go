package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"

	"github.com/malbeclabs/querygate/pkg/metrics"
)

// Cached memoizes request embeddings so repeated questions skip the embedder.
// Returned vectors are shared between callers and must not be modified.
type Cached struct {
	inner Embedder
	cache *ristretto.Cache
}

var _ Embedder = (*Cached)(nil)

// NewCached wraps inner with a memo holding roughly maxEntries vectors.
func NewCached(inner Embedder, maxEntries int64) (*Cached, error) {
	if maxEntries <= 0 {
		return nil, errors.New("max entries must be greater than 0")
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) Name() string   { return c.inner.Name() }
func (c *Cached) Dimension() int { return c.inner.Dimension() }

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.inner.Name() + "\x00" + strings.TrimSpace(text)
	if val, ok := c.cache.Get(key); ok {
		metrics.EmbeddingCacheTotal.WithLabelValues("hit").Inc()
		return val.([]float32), nil
	}
	metrics.EmbeddingCacheTotal.WithLabelValues("miss").Inc()

	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, v, 1)
	c.cache.Wait()
	return v, nil
}

func (c *Cached) Close() { c.cache.Close() }
