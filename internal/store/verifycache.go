package store

import "sync"

// VerifyCache is a bounded set of payload hashes already confirmed on the
// ledger. Purely an optimization: a hit skips the anchor confirmation fetch,
// a miss costs nothing but the lookup. FIFO eviction keeps it bounded.
type VerifyCache struct {
	mu    sync.Mutex
	max   int
	order []string
	set   map[string]struct{}
}

func NewVerifyCache(max int) *VerifyCache {
	if max <= 0 {
		max = 1024
	}
	return &VerifyCache{max: max, set: make(map[string]struct{}, max)}
}

func (c *VerifyCache) Add(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.set[hash]; ok {
		return
	}
	c.set[hash] = struct{}{}
	c.order = append(c.order, hash)
	for len(c.order) > c.max {
		old := c.order[0]
		c.order = c.order[1:]
		delete(c.set, old)
	}
}

func (c *VerifyCache) Contains(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.set[hash]
	return ok
}
