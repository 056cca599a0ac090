package lead

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// recentCache is an in-process view of recently created leads so repeated
// qualifying turns skip the store round trip.
type recentCache struct {
	c *ristretto.Cache[string, time.Time]
}

func newRecentCache(maxItems int64) (*recentCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, time.Time]{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &recentCache{c: c}, nil
}

func cacheKey(contact, source string) string {
	return source + "|" + contact
}

// seen reports a lead for the key created at or after since.
func (r *recentCache) seen(contact, source string, since time.Time) bool {
	created, ok := r.c.Get(cacheKey(contact, source))
	return ok && !created.Before(since)
}

func (r *recentCache) remember(contact, source string, created time.Time, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	r.c.SetWithTTL(cacheKey(contact, source), created, 1, ttl)
	r.c.Wait()
}

func (r *recentCache) close() {
	r.c.Close()
}
