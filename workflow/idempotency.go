package workflow

import (
	"strings"
	"sync"
	"time"
)

// IdempotencyTTL is how long a cached response answers retries of the same key.
const IdempotencyTTL = 24 * time.Hour

// CachedResponse is the verbatim payload replayed to a retried request.
type CachedResponse struct {
	Status      int
	ContentType string
	Body        []byte
	CachedAt    time.Time
}

// ResponseCache stores responses by idempotency key. The in-process TTLCache
// is the only implementation; it is explicitly single-instance — behind a
// load balancer each instance has its own window, so retries must be routed
// sticky or the guarantee weakens to per-instance.
type ResponseCache interface {
	Get(key string) (*CachedResponse, bool)
	Set(key string, resp *CachedResponse)
}

type ttlEntry struct {
	resp      *CachedResponse
	expiresAt time.Time
}

// TTLCache is a process-local response cache with lazy expiry. Expired
// entries are dropped on read and swept opportunistically on write.
type TTLCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]ttlEntry
}

func NewTTLCache(ttl time.Duration) *TTLCache {
	if ttl <= 0 {
		ttl = IdempotencyTTL
	}
	return &TTLCache{
		ttl:     ttl,
		entries: make(map[string]ttlEntry),
	}
}

func (c *TTLCache) Get(key string) (*CachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.entries[key]
	if !found {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.resp, true
}

func (c *TTLCache) Set(key string, resp *CachedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= 4096 {
		c.sweepLocked()
	}
	c.entries[key] = ttlEntry{resp: resp, expiresAt: time.Now().Add(c.ttl)}
}

func (c *TTLCache) sweepLocked() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// IdempotencyGuard decides which requests are deduplicated and owns the
// response cache. It is constructed once at startup and injected into the
// middleware; there is no package-level state.
type IdempotencyGuard struct {
	cache     ResponseCache
	allowlist []string
}

func NewIdempotencyGuard(cache ResponseCache, allowlist ...string) *IdempotencyGuard {
	return &IdempotencyGuard{cache: cache, allowlist: allowlist}
}

var mutatingKeywords = []string{"complete", "cancel", "refund"}

// Applies reports whether a request is subject to deduplication: any mutating
// method whose path is on the allowlist or contains a completion-like keyword.
func (g *IdempotencyGuard) Applies(method, path string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
	default:
		return false
	}
	for _, prefix := range g.allowlist {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	lower := strings.ToLower(path)
	for _, keyword := range mutatingKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// cacheKey scopes keys per tenant so two tenants reusing the same opaque key
// never see each other's responses.
func cacheKey(businessId, key string) string {
	return businessId + ":" + key
}

// Lookup returns the cached response for a key, if any.
func (g *IdempotencyGuard) Lookup(businessId, key string) (*CachedResponse, bool) {
	if key == "" {
		return nil, false
	}
	return g.cache.Get(cacheKey(businessId, key))
}

// Store caches a response under a key. Only 2xx responses are kept; a failed
// request is retried naturally by resubmission.
func (g *IdempotencyGuard) Store(businessId, key string, resp *CachedResponse) {
	if key == "" || resp == nil {
		return
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return
	}
	if resp.CachedAt.IsZero() {
		resp.CachedAt = time.Now()
	}
	g.cache.Set(cacheKey(businessId, key), resp)
}
