package embed

import (
	"context"
	"fmt"
	"io"

	"github.com/dgraph-io/ristretto"
)

// Cached memoizes another embedder's vectors by text. Cost is the vector
// length, so maxCost bounds the number of cached floats.
type Cached struct {
	next  Embedder
	cache *ristretto.Cache
}

func NewCached(next Embedder, maxCost int64) (*Cached, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) Name() string    { return c.next.Name() }
func (c *Cached) Dimensions() int { return c.next.Dimensions() }

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return v.([]float32), nil
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, vec, int64(len(vec)))
	return vec, nil
}

// Wait blocks until pending cache writes are applied.
func (c *Cached) Wait() {
	c.cache.Wait()
}

// Close releases the cache and the wrapped embedder if it holds resources.
func (c *Cached) Close() error {
	c.cache.Close()
	if closer, ok := c.next.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
