package worker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buildbarn/bb-build-farm/pkg/worker"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/stretchr/testify/require"
)

func TestPollerStopsWhenClaimIsLost(t *testing.T) {
	var polls int32
	failed := make(chan struct{})
	worker.StartPoller(
		clock.SystemClock,
		5*time.Millisecond,
		time.Time{},
		func(ctx context.Context) bool {
			return atomic.AddInt32(&polls, 1) < 3
		},
		func() { close(failed) },
		func() { t.Error("onExpiration must not fire when the claim is lost") })

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("Poller did not report the lost claim")
	}
	require.EqualValues(t, 3, atomic.LoadInt32(&polls))
}

func TestPollerExpires(t *testing.T) {
	expired := make(chan struct{})
	worker.StartPoller(
		clock.SystemClock,
		5*time.Millisecond,
		clock.SystemClock.Now().Add(30*time.Millisecond),
		func(ctx context.Context) bool { return true },
		func() { t.Error("onFailure must not fire on expiration") },
		func() { close(expired) })

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("Poller did not expire")
	}
}

func TestPollerPause(t *testing.T) {
	var polls int32
	p := worker.StartPoller(
		clock.SystemClock,
		5*time.Millisecond,
		time.Time{},
		func(ctx context.Context) bool {
			atomic.AddInt32(&polls, 1)
			return true
		},
		func() { t.Error("onFailure must not fire after Pause") },
		nil)

	time.Sleep(20 * time.Millisecond)
	p.Pause()
	pollsAtPause := atomic.LoadInt32(&polls)
	require.Positive(t, pollsAtPause)

	// No further polls happen after Pause has returned.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, pollsAtPause, atomic.LoadInt32(&polls))
}
