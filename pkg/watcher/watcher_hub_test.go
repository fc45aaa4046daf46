package watcher_test

import (
	"sync"
	"testing"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/internal/mock"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-build-farm/pkg/watcher"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"

	"google.golang.org/protobuf/encoding/protojson"
)

// manualClock provides a settable wall clock. Methods not used by the
// hub fall through to the embedded interface.
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

// serialExecutor runs hub callbacks on a single background goroutine,
// the way the frontends configure it.
func serialExecutor() watcher.Executor {
	tasks := make(chan func(), 128)
	go func() {
		for task := range tasks {
			task()
		}
	}()
	return func(task func()) { tasks <- task }
}

func collectObserver() (watcher.Observer, func() []*longrunningpb.Operation) {
	var lock sync.Mutex
	var observed []*longrunningpb.Operation
	return func(op *longrunningpb.Operation) {
			lock.Lock()
			defer lock.Unlock()
			observed = append(observed, op)
		}, func() []*longrunningpb.Operation {
			lock.Lock()
			defer lock.Unlock()
			return append([]*longrunningpb.Operation(nil), observed...)
		}
}

func marshalOperation(t *testing.T, op *longrunningpb.Operation) string {
	data, err := protojson.Marshal(op)
	require.NoError(t, err)
	return string(data)
}

func TestWatcherHubTerminalDelivery(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	clk := &manualClock{now: time.Unix(1000, 0)}
	subscriber := mock.NewMockSubscriber(ctrl)
	hub := watcher.NewHub(clk, serialExecutor(), subscriber, func(now time.Time) time.Time {
		return now.Add(10 * time.Second)
	})

	subscriber.EXPECT().Subscribe("channel-a").Return(nil)
	subscriber.EXPECT().Unsubscribe("channel-a").Return(nil)

	observer, observed := collectObserver()
	_, err := hub.Watch("channel-a", observer)
	require.NoError(t, err)

	metadata, err := operation.NewMetadata(remoteexecution.ExecutionStage_QUEUED, nil, "", "")
	require.NoError(t, err)
	hub.OnMessage("channel-a", marshalOperation(t, &longrunningpb.Operation{
		Name:     "op-a",
		Metadata: metadata,
	}))
	hub.OnMessage("channel-a", marshalOperation(t, &longrunningpb.Operation{
		Name: "op-a",
		Done: true,
	}))

	// Messages after the terminal state must not be delivered.
	hub.OnMessage("channel-a", marshalOperation(t, &longrunningpb.Operation{
		Name: "op-a",
		Done: true,
	}))

	require.Eventually(t, func() bool {
		return len(observed()) == 3
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	ops := observed()
	require.Len(t, ops, 3)
	require.Equal(t, "op-a", ops[0].Name)
	require.False(t, ops[0].Done)
	require.True(t, ops[1].Done)
	require.Nil(t, ops[2])
}

func TestWatcherHubExpireMessage(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	clk := &manualClock{now: time.Unix(1000, 0)}
	subscriber := mock.NewMockSubscriber(ctrl)
	hub := watcher.NewHub(clk, serialExecutor(), subscriber, func(now time.Time) time.Time {
		return now.Add(10 * time.Second)
	})

	subscriber.EXPECT().Subscribe("channel-a").Return(nil)
	subscriber.EXPECT().Subscribe("channel-b").Return(nil)
	subscriber.EXPECT().Unsubscribe("channel-a").Return(nil)

	observerA, observedA := collectObserver()
	_, err := hub.Watch("channel-a", observerA)
	require.NoError(t, err)
	observerB, observedB := collectObserver()
	_, err = hub.Watch("channel-b", observerB)
	require.NoError(t, err)

	// Before the deadline passes, "expire" is a no-op.
	hub.OnMessage("channel-a", watcher.ExpirePayload)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, observedA())

	clk.advance(11 * time.Second)
	require.ElementsMatch(t,
		[]string{"channel-a", "channel-b"},
		hub.ExpiredWatchedOperationChannels(clk.Now()))

	hub.OnMessage("channel-a", watcher.ExpirePayload)

	// The expired watcher observes a single terminal nil; watchers
	// on unrelated channels are unaffected.
	require.Eventually(t, func() bool {
		ops := observedA()
		return len(ops) == 1 && ops[0] == nil
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, observedB())
}

func TestWatcherHubResetWatchers(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	clk := &manualClock{now: time.Unix(1000, 0)}
	subscriber := mock.NewMockSubscriber(ctrl)
	hub := watcher.NewHub(clk, serialExecutor(), subscriber, func(now time.Time) time.Time {
		return now.Add(10 * time.Second)
	})

	subscriber.EXPECT().Subscribe("channel-a").Return(nil)
	observer, _ := collectObserver()
	_, err := hub.Watch("channel-a", observer)
	require.NoError(t, err)

	clk.advance(11 * time.Second)
	require.NotEmpty(t, hub.ExpiredWatchedOperationChannels(clk.Now()))

	hub.ResetWatchers("channel-a", clk.Now().Add(time.Minute))
	require.Empty(t, hub.ExpiredWatchedOperationChannels(clk.Now()))
}
