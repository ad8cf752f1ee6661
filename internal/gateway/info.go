package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultInfoTTL is how long a fetched process id is served from cache.
const DefaultInfoTTL = 5 * time.Minute

// InfoCache caches the gateway's process identifier. Get populates it on
// demand; Invalidate forces the next Get to refetch. Concurrent refreshes
// share a single upstream call.
type InfoCache struct {
	client *Client
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	processID string
	fetchedAt time.Time

	group singleflight.Group
}

// NewInfoCache creates an empty cache backed by client.
func NewInfoCache(client *Client, ttl time.Duration) *InfoCache {
	if ttl <= 0 {
		ttl = DefaultInfoTTL
	}
	return &InfoCache{client: client, ttl: ttl, now: time.Now}
}

// Get returns the cached process id, fetching it when missing or stale.
func (c *InfoCache) Get(ctx context.Context) (string, error) {
	c.mu.RLock()
	id, at := c.processID, c.fetchedAt
	c.mu.RUnlock()
	if !at.IsZero() && c.now().Sub(at) < c.ttl {
		return id, nil
	}

	// singleflight reuses the first caller's context, so detach from it.
	v, err, _ := c.group.Do("info", func() (any, error) {
		info, err := c.client.Info(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.processID = info.ProcessID
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return info.ProcessID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached value so the next Get refetches it. Callers
// use it when the gateway fails, since a restarted gateway may report a new
// process id.
func (c *InfoCache) Invalidate() {
	c.mu.Lock()
	c.processID = ""
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
