package relay

import (
	"sync"
	"time"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// resultCache remembers the outcome of successful submissions for a TTL
// window so a duplicate submit of the same opportunity returns the original
// result instead of hitting the relay again. It is safe for concurrent use.
type resultCache struct {
	seen map[string]cachedResult // opportunity ID -> result
	ttl  time.Duration
	mu   sync.Mutex
}

type cachedResult struct {
	result domain.ExecutionResult
	at     time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		seen: make(map[string]cachedResult),
		ttl:  ttl,
	}
}

// get returns the cached result for id if one was recorded within the TTL.
func (c *resultCache) get(id string) (domain.ExecutionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[id]
	if !ok || time.Since(entry.at) >= c.ttl {
		return domain.ExecutionResult{}, false
	}
	return entry.result, true
}

// put records a result for id.
func (c *resultCache) put(id string, result domain.ExecutionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[id] = cachedResult{result: result, at: time.Now()}
}

// cleanup removes entries older than the TTL. Called periodically to prevent
// unbounded memory growth.
func (c *resultCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, entry := range c.seen {
		if now.Sub(entry.at) >= c.ttl {
			delete(c.seen, id)
		}
	}
}
