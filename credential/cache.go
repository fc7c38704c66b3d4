package credential

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"clio/log"
)

const (
	expiryBuffer     = 60 * time.Second
	prefetchWhenLeft = 10 * time.Minute
	prefetchTimeout  = 15 * time.Second
)

// Cache keeps one key from an expiring provider. A key is served until
// expiryBuffer before it lapses; once less than prefetchWhenLeft remains a
// background refresh is started. Concurrent fetches share one request.
type Cache struct {
	src   Provider
	group singleflight.Group
	now   func() time.Time

	mu     sync.Mutex
	cur    *Credential
	hits   int
	misses int
}

func NewCache(src Provider) *Cache {
	return &Cache{src: src, now: time.Now}
}

func (c *Cache) Get(ctx context.Context, p Params) (Credential, error) {
	start := c.now()
	c.mu.Lock()
	cur := c.cur
	valid := cur != nil && c.validLocked(*cur)
	if valid {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if valid {
		if !cur.Expiry.IsZero() && cur.Expiry.Sub(c.now()) < prefetchWhenLeft {
			go c.prefetch(p)
		}
		log.Debugf("credential cache hit in %dms", c.now().Sub(start).Milliseconds())
		return *cur, nil
	}

	cred, err := c.fetch(ctx, p)
	if err != nil {
		return Credential{}, err
	}
	log.Infof("credential fetched in %dms", c.now().Sub(start).Milliseconds())
	return cred, nil
}

func (c *Cache) validLocked(cred Credential) bool {
	return cred.Expiry.IsZero() || c.now().Before(cred.Expiry.Add(-expiryBuffer))
}

func (c *Cache) fetch(ctx context.Context, p Params) (Credential, error) {
	v, err, _ := c.group.Do("key", func() (any, error) {
		cred, err := c.src.Get(ctx, p)
		if err != nil {
			return Credential{}, err
		}
		c.mu.Lock()
		c.cur = &cred
		c.mu.Unlock()
		return cred, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (c *Cache) prefetch(p Params) {
	ctx, cancel := context.WithTimeout(context.Background(), prefetchTimeout)
	defer cancel()
	if _, err := c.fetch(ctx, p); err != nil {
		log.Warnf("credential prefetch: %v", err)
	}
}

// Invalidate forgets the cached key, for example after the server rejected it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cur = nil
	c.mu.Unlock()
}

func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
