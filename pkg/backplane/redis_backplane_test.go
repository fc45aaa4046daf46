package backplane_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/backplane"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
)

func newTestBackplane(keyPrefix string, client redis.UniversalClient) backplane.Backplane {
	configuration := backplane.NewRedisBackplaneConfiguration(keyPrefix)
	configuration.MaxPrequeueDepth = 100
	configuration.MaxQueueDepth = 100
	configuration.MaxCompletedOperations = 10
	return backplane.NewRedisBackplane(client, clock.SystemClock, configuration)
}

func TestOperationChannelRoundTrip(t *testing.T) {
	bp := newTestBackplane("farm", nil)
	channel := bp.OperationChannel("b55c1c9a-96ec-4a55-a944-a9166d08c3e9")
	require.Equal(t, "farm:operation-channel:b55c1c9a-96ec-4a55-a944-a9166d08c3e9", channel)

	name, ok := bp.OperationNameFromChannel(channel)
	require.True(t, ok)
	require.Equal(t, "b55c1c9a-96ec-4a55-a944-a9166d08c3e9", name)

	_, ok = bp.OperationNameFromChannel("otherfarm:operation-channel:x")
	require.False(t, ok)
}

// The tests below run the real queue discipline, including the Lua
// scripts, against a live Redis server (6.2+ for LPOS). They are
// skipped in short mode and when no server is reachable. The server
// address can be overridden through REDIS_SERVER_ADDRESS.
func redisBackplaneForTest(t *testing.T) backplane.Backplane {
	if testing.Short() {
		t.Skip("Skipping Redis backed test in short mode")
	}
	address := os.Getenv("REDIS_SERVER_ADDRESS")
	if address == "" {
		address = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: address})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("No Redis server at %s: %s", address, err)
	}
	t.Cleanup(func() { client.Close() })

	// A unique key prefix isolates each test run.
	return newTestBackplane("farm-test-"+uuid.Must(uuid.NewRandom()).String(), client)
}

func queuedOperationForTest(t *testing.T, name string) (*operation.QueueEntry, *longrunningpb.Operation) {
	actionDigest := &remoteexecution.Digest{
		Hash:      "8b1a9953c4611296a827abf8c47804d7e6c49c6b2e4d4bba2f75e41b1cf501a0",
		SizeBytes: 42,
	}
	metadata, err := operation.NewMetadata(remoteexecution.ExecutionStage_QUEUED, actionDigest, "", "")
	require.NoError(t, err)
	return &operation.QueueEntry{
			ExecuteEntry: operation.ExecuteEntry{
				OperationName:  name,
				InstanceName:   "main",
				DigestFunction: remoteexecution.DigestFunction_SHA256,
				ActionDigest:   operation.NewStoredDigest(actionDigest),
			},
			QueuedOperationDigest: operation.StoredDigest{
				Hash:      "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
				SizeBytes: 99,
			},
		}, &longrunningpb.Operation{
			Name:     name,
			Metadata: metadata,
		}
}

func TestRedisDispatchOperationExactlyOnce(t *testing.T) {
	bp := redisBackplaneForTest(t)
	ctx := context.Background()

	name := uuid.Must(uuid.NewRandom()).String()
	entry, op := queuedOperationForTest(t, name)
	require.NoError(t, bp.Queue(ctx, entry, op))

	// Many workers race for a single queued entry; exactly one
	// dispatch succeeds.
	var lock sync.Mutex
	var dispatched []*operation.QueueEntry
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := bp.DispatchOperation(ctx)
			require.NoError(t, err)
			if claimed != nil {
				lock.Lock()
				dispatched = append(dispatched, claimed)
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, dispatched, 1)
	require.Equal(t, name, dispatched[0].ExecuteEntry.OperationName)

	operations, err := bp.GetDispatchedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, operations, 1)
	require.Equal(t, name, operations[0].Name)

	// A duplicate of the same entry in the queue cannot be
	// dispatched a second time while the first claim is live: the
	// set-if-absent insert drops it.
	require.NoError(t, bp.Queue(ctx, entry, op))
	duplicate, err := bp.DispatchOperation(ctx)
	require.NoError(t, err)
	require.Nil(t, duplicate)
	operations, err = bp.GetDispatchedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, operations, 1)
}

func TestRedisPollOperationRenewsOnlyLiveClaims(t *testing.T) {
	bp := redisBackplaneForTest(t)
	ctx := context.Background()

	name := uuid.Must(uuid.NewRandom()).String()
	entry, op := queuedOperationForTest(t, name)
	require.NoError(t, bp.Queue(ctx, entry, op))
	claimed, err := bp.DispatchOperation(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The poll script renews the deadline of the live claim.
	requeueAt := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	require.True(t, bp.PollOperation(ctx, name, remoteexecution.ExecutionStage_EXECUTING, requeueAt))
	operations, err := bp.GetDispatchedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, operations, 1)
	require.Equal(t, requeueAt.UnixMilli(), operations[0].RequeueAt)

	// Claims that do not exist, or have completed, never renew.
	require.False(t, bp.PollOperation(ctx, "no-such-operation", remoteexecution.ExecutionStage_EXECUTING, requeueAt))
	require.False(t, bp.PollOperation(ctx, name, remoteexecution.ExecutionStage_COMPLETED, requeueAt))
	require.NoError(t, bp.CompleteOperation(ctx, name))
	require.False(t, bp.PollOperation(ctx, name, remoteexecution.ExecutionStage_EXECUTING, requeueAt))
}

func TestRedisRequeueDispatchedOperationIsIdempotent(t *testing.T) {
	bp := redisBackplaneForTest(t)
	ctx := context.Background()

	name := uuid.Must(uuid.NewRandom()).String()
	entry, op := queuedOperationForTest(t, name)
	require.NoError(t, bp.Queue(ctx, entry, op))
	claimed, err := bp.DispatchOperation(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// The first requeue moves the claim back onto the ready queue;
	// a repeated requeue of the already queued entry is a no-op.
	require.NoError(t, bp.RequeueDispatchedOperation(ctx, entry, 1))
	require.NoError(t, bp.RequeueDispatchedOperation(ctx, entry, 1))

	operations, err := bp.GetDispatchedOperations(ctx)
	require.NoError(t, err)
	require.Empty(t, operations)

	first, err := bp.DispatchOperation(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.EqualValues(t, 1, first.Attempt)
	second, err := bp.DispatchOperation(ctx)
	require.NoError(t, err)
	require.Nil(t, second)
}
