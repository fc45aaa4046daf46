package instance_test

import (
	"sync"
	"testing"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/instance"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/digest"
	"github.com/stretchr/testify/require"
)

// manualClock provides a settable wall clock for deterministic TTL
// behavior.
type manualClock struct {
	clock.Clock

	lock sync.Mutex
	now  time.Time
}

func (c *manualClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *manualClock) advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

func TestRecentExecutionsCacheForcesSkipOnRetry(t *testing.T) {
	clk := &manualClock{now: time.Unix(1000, 0)}
	cache, err := instance.NewRecentExecutionsCache(clk, 16, time.Minute)
	require.NoError(t, err)

	requestMetadata := &remoteexecution.RequestMetadata{
		ToolInvocationId: "invocation-1",
	}
	actionDigest := digest.MustNewDigest("main", remoteexecution.DigestFunction_SHA256,
		"8b1a9953c4611296a827abf8c47804d7e6c49c6b2e4d4bba2f75e41b1cf501a0", 42)

	require.False(t, cache.WasRecentlyServed(requestMetadata, actionDigest))

	cache.RecordCacheServed(requestMetadata, actionDigest)
	require.True(t, cache.WasRecentlyServed(requestMetadata, actionDigest))

	// A different invocation of the same action is unaffected.
	require.False(t, cache.WasRecentlyServed(&remoteexecution.RequestMetadata{
		ToolInvocationId: "invocation-2",
	}, actionDigest))

	// The record expires after the TTL.
	clk.advance(2 * time.Minute)
	require.False(t, cache.WasRecentlyServed(requestMetadata, actionDigest))
}
