package members

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/voicetime/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// entry caches a lookup result; a nil member records ErrNotFound.
type entry struct {
	member *Member
}

// Cache memoizes another Resolver. Concurrent lookups of the same member
// share one upstream call.
type Cache struct {
	next   Resolver
	lru    *expirable.LRU[string, entry]
	group  singleflight.Group
	logger zerolog.Logger
}

// NewCache wraps next with an LRU of size entries expiring after ttl.
func NewCache(next Resolver, size int, ttl time.Duration, logger zerolog.Logger) *Cache {
	if size <= 0 {
		size = 1
	}
	return &Cache{
		next:   next,
		lru:    expirable.NewLRU[string, entry](size, nil, ttl),
		logger: logger.With().Str("component", "member-cache").Logger(),
	}
}

// ResolveMember implements Resolver.
func (c *Cache) ResolveMember(ctx context.Context, guildID, userID string) (*Member, error) {
	key := guildID + "/" + userID

	if e, ok := c.lru.Get(key); ok {
		metrics.MemberCacheHits.Inc()
		return e.lookup()
	}
	metrics.MemberCacheMisses.Inc()

	v, err, _ := c.group.Do(key, func() (any, error) {
		m, err := c.next.ResolveMember(ctx, guildID, userID)
		switch {
		case err == nil:
			e := entry{member: m}
			c.lru.Add(key, e)
			return e, nil
		case errors.Is(err, ErrNotFound):
			e := entry{}
			c.lru.Add(key, e)
			return e, nil
		default:
			c.logger.Warn().Err(err).Str("user_id", userID).Msg("Member lookup failed")
			return nil, err
		}
	})
	if err != nil {
		return nil, err
	}
	return v.(entry).lookup()
}

// Purge drops every cached member.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached lookups.
func (c *Cache) Len() int {
	return c.lru.Len()
}

func (e entry) lookup() (*Member, error) {
	if e.member == nil {
		return nil, ErrNotFound
	}
	m := *e.member
	return &m, nil
}
