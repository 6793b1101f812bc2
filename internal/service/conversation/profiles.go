package conversation

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/culturemate/together-chat/backend/internal/model/profile"
	chatsvc "github.com/culturemate/together-chat/backend/internal/service/chat"
)

// ProfileCache memoizes profile lookups for roster enrichment.
type ProfileCache struct {
	source chatsvc.ProfileLookup
	cache  *ttlcache.Cache[string, profile.Profile]
}

// NewProfileCache wraps source with a cache expiring entries after ttl.
// Stop must be called to release the expiry goroutine.
func NewProfileCache(source chatsvc.ProfileLookup, ttl time.Duration) *ProfileCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cache := ttlcache.New[string, profile.Profile](
		ttlcache.WithTTL[string, profile.Profile](ttl),
		ttlcache.WithDisableTouchOnHit[string, profile.Profile](),
	)
	go cache.Start()

	return &ProfileCache{source: source, cache: cache}
}

// LookupProfile returns the cached profile or fetches it from the source.
func (c *ProfileCache) LookupProfile(ctx context.Context, id string) (profile.Profile, error) {
	if item := c.cache.Get(id); item != nil {
		return item.Value(), nil
	}

	p, err := c.source.LookupProfile(ctx, id)
	if err != nil {
		return profile.Profile{}, err
	}
	c.cache.Set(id, p, ttlcache.DefaultTTL)
	return p, nil
}

// Len returns the number of cached profiles.
func (c *ProfileCache) Len() int {
	return c.cache.Len()
}

// Stop halts expiry.
func (c *ProfileCache) Stop() {
	c.cache.Stop()
}
