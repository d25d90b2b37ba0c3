package resample

import "sync"

type pair struct {
	src, dst int
}

// Cache memoizes one Resampler per (source, target) rate pair for the
// lifetime of the process. The key space is bounded by the rate pairs
// clients actually request, so nothing is evicted.
type Cache struct {
	mu         sync.RWMutex
	resamplers map[pair]*Resampler
}

func NewCache() *Cache {
	return &Cache{resamplers: make(map[pair]*Resampler)}
}

func (c *Cache) Get(src, dst int) (*Resampler, error) {
	key := pair{src, dst}
	c.mu.RLock()
	r, ok := c.resamplers[key]
	c.mu.RUnlock()
	if ok {
		return r, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.resamplers[key]; ok {
		return r, nil
	}
	r, err := New(src, dst)
	if err != nil {
		return nil, err
	}
	c.resamplers[key] = r
	return r, nil
}

// Len reports how many rate pairs have been built.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.resamplers)
}
