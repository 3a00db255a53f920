package exchangeadapter

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultProviderCacheSize bounds the number of live Exchange Adapters
// held in memory at once (spec.md §4.1 "Provider cache: bounded LRU
// keyed by ExchangeAccount.id").
const defaultProviderCacheSize = 512

// ProviderCache is the process's only shared mutable exchange-adapter
// state (spec.md §5 "providerCache is the only shared mutable state"),
// keyed by ExchangeAccount.id. On overflow it evicts the
// least-recently-used adapter.
type ProviderCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, IExchangeAdapter]
}

// NewProviderCache returns an empty cache bounded to
// defaultProviderCacheSize entries.
func NewProviderCache() *ProviderCache {
	return NewProviderCacheWithSize(defaultProviderCacheSize)
}

// NewProviderCacheWithSize returns an empty cache bounded to size
// entries.
func NewProviderCacheWithSize(size int) *ProviderCache {
	c, err := lru.New[string, IExchangeAdapter](size)
	if err != nil {
		// size <= 0; fall back to the documented default rather than
		// propagating a constructor error for a programmer mistake.
		c, _ = lru.New[string, IExchangeAdapter](defaultProviderCacheSize)
	}
	return &ProviderCache{cache: c}
}

// GetOrCreate returns the cached adapter for accountID, calling build
// to construct one on a miss. build is invoked at most once per
// accountID regardless of concurrent callers.
func (c *ProviderCache) GetOrCreate(accountID string, build func() (IExchangeAdapter, error)) (IExchangeAdapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.cache.Get(accountID); ok {
		return p, nil
	}
	p, err := build()
	if err != nil {
		return nil, err
	}
	c.cache.Add(accountID, p)
	return p, nil
}

// Invalidate drops a cached adapter, forcing the next GetOrCreate to
// rebuild it (used when an account's credentials are rotated or
// deleted, for eager eviction on account deletion).
func (c *ProviderCache) Invalidate(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(accountID)
}
