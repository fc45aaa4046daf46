package instance

import (
	"sync"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/digest"
	lru "github.com/hashicorp/golang-lru"
)

// RecentExecutionsCache remembers which execute requests were recently
// answered straight from the action cache. A retry of the same request
// within the TTL is forced to skip the cache lookup, preventing retry
// loops that would serve the same cached failure over and over.
type RecentExecutionsCache struct {
	clock clock.Clock
	ttl   time.Duration

	lock    sync.Mutex
	entries *lru.Cache
}

// NewRecentExecutionsCache creates a cache holding up to size entries
// for at most ttl each.
func NewRecentExecutionsCache(clk clock.Clock, size int, ttl time.Duration) (*RecentExecutionsCache, error) {
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &RecentExecutionsCache{
		clock:   clk,
		ttl:     ttl,
		entries: entries,
	}, nil
}

func requestKey(requestMetadata *remoteexecution.RequestMetadata, actionDigest digest.Digest) string {
	return requestMetadata.GetToolInvocationId() + "\x00" + actionDigest.String()
}

// RecordCacheServed notes that a request was answered from the action
// cache.
func (c *RecentExecutionsCache) RecordCacheServed(requestMetadata *remoteexecution.RequestMetadata, actionDigest digest.Digest) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.entries.Add(requestKey(requestMetadata, actionDigest), c.clock.Now().Add(c.ttl))
}

// WasRecentlyServed reports whether the same request was answered from
// the action cache within the TTL.
func (c *RecentExecutionsCache) WasRecentlyServed(requestMetadata *remoteexecution.RequestMetadata, actionDigest digest.Digest) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	expiry, ok := c.entries.Get(requestKey(requestMetadata, actionDigest))
	if !ok {
		return false
	}
	if c.clock.Now().After(expiry.(time.Time)) {
		c.entries.Remove(requestKey(requestMetadata, actionDigest))
		return false
	}
	return true
}
