package catalog

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedLookup 在内存中缓存星表查询结果，可被多个 worker 并发使用。
type CachedLookup struct {
	next  Lookup
	cache *expirable.LRU[int64, Star]
}

// NewCachedLookup 包装一个 Lookup，size 与 ttl 非正时使用默认值。
func NewCachedLookup(next Lookup, size int, ttl time.Duration) *CachedLookup {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedLookup{
		next:  next,
		cache: expirable.NewLRU[int64, Star](size, nil, ttl),
	}
}

// Lookup 实现 Lookup 接口，失败结果不缓存。
func (c *CachedLookup) Lookup(ctx context.Context, ticID int64) (Star, error) {
	if star, ok := c.cache.Get(ticID); ok {
		return star, nil
	}
	star, err := c.next.Lookup(ctx, ticID)
	if err != nil {
		return Star{}, err
	}
	c.cache.Add(ticID, star)
	return star, nil
}

// Len 返回当前缓存条目数。
func (c *CachedLookup) Len() int {
	return c.cache.Len()
}
