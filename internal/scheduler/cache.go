package scheduler

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// artifactCache keeps artifacts of CacheSkipIfFresh units for a bounded time.
type artifactCache struct {
	store *ristretto.Cache
	ttl   time.Duration
}

func newArtifactCache(ttl time.Duration) (*artifactCache, error) {
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4, // ten times expected entries
		MaxCost:     1e3, // one cost unit per artifact
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create artifact cache: %w", err)
	}
	return &artifactCache{store: store, ttl: ttl}, nil
}

// cachedValue boxes artifacts so a nil result is still a hit.
type cachedValue struct {
	value any
}

func (c *artifactCache) get(ref string) (any, bool) {
	v, ok := c.store.Get(ref)
	if !ok {
		return nil, false
	}
	boxed, ok := v.(cachedValue)
	if !ok {
		return nil, false
	}
	return boxed.value, true
}

// put stores value and waits until it is visible to subsequent gets.
func (c *artifactCache) put(ref string, value any) {
	if c.store.SetWithTTL(ref, cachedValue{value: value}, 1, c.ttl) {
		c.store.Wait()
	}
}

func (c *artifactCache) invalidate(ref string) {
	c.store.Del(ref)
}

func (c *artifactCache) close() {
	c.store.Close()
}
