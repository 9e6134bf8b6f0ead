package valuelists

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/exceptions"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/metrics"
)

// Cached remembers membership answers, positive and negative, for ttl.
type Cached struct {
	next  exceptions.ListLookup
	cache *expirable.LRU[string, bool]
}

// NewCached wraps next with an LRU of the given size.
func NewCached(next exceptions.ListLookup, size int, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, bool](size, nil, ttl),
	}
}

func cacheKey(listID, listType, value string) string {
	return listID + "\x00" + listType + "\x00" + value
}

// IsMember implements exceptions.ListLookup.
func (c *Cached) IsMember(ctx context.Context, listID, listType, value string) (bool, error) {
	key := cacheKey(listID, listType, value)
	if ok, hit := c.cache.Get(key); hit {
		metrics.ListLookups.WithLabelValues("hit").Inc()
		return ok, nil
	}
	metrics.ListLookups.WithLabelValues("miss").Inc()
	ok, err := c.next.IsMember(ctx, listID, listType, value)
	if err != nil {
		metrics.ListLookups.WithLabelValues("error").Inc()
		return false, err
	}
	c.cache.Add(key, ok)
	return ok, nil
}

// AreMembers implements exceptions.ListLookup. Only values missing from the
// cache are sent to the wrapped lookup.
func (c *Cached) AreMembers(ctx context.Context, listID, listType string, values []string) (map[string]bool, error) {
	found := make(map[string]bool)
	var misses []string
	for _, v := range values {
		ok, hit := c.cache.Get(cacheKey(listID, listType, v))
		switch {
		case !hit:
			misses = append(misses, v)
		case ok:
			found[v] = true
		}
	}
	metrics.ListLookups.WithLabelValues("hit").Add(float64(len(values) - len(misses)))
	if len(misses) == 0 {
		return found, nil
	}
	metrics.ListLookups.WithLabelValues("miss").Add(float64(len(misses)))

	fetched, err := c.next.AreMembers(ctx, listID, listType, misses)
	if err != nil {
		metrics.ListLookups.WithLabelValues("error").Inc()
		return nil, err
	}
	for _, v := range misses {
		ok := fetched[v]
		c.cache.Add(cacheKey(listID, listType, v), ok)
		if ok {
			found[v] = true
		}
	}
	return found, nil
}

// Len returns the number of cached answers.
func (c *Cached) Len() int { return c.cache.Len() }

var (
	_ exceptions.ListLookup = (*Redis)(nil)
	_ exceptions.ListLookup = (*Postgres)(nil)
	_ exceptions.ListLookup = (*Cached)(nil)
)
