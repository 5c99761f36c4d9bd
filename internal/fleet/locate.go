package fleet

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"vesselctl/internal/allocator"
)

// locationCache memoises node location lookups; failure paths tend to ask
// about the same few nodes over and over.
type locationCache struct {
	alloc allocator.Allocator
	cache *cache.Cache
}

func newLocationCache(alloc allocator.Allocator, ttl time.Duration) *locationCache {
	return &locationCache{
		alloc: alloc,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (l *locationCache) lookup(ctx context.Context, nodeID string) string {
	if loc, ok := l.cache.Get(nodeID); ok {
		return loc.(string)
	}
	loc := l.alloc.Location(ctx, nodeID)
	l.cache.Set(nodeID, loc, cache.DefaultExpiration)
	return loc
}
