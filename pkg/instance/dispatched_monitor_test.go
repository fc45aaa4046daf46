package instance_test

import (
	"context"
	"testing"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/internal/mock"
	"github.com/buildbarn/bb-build-farm/pkg/grpcutil"
	"github.com/buildbarn/bb-build-farm/pkg/instance"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const testActionHash = "8b1a9953c4611296a827abf8c47804d7e6c49c6b2e4d4bba2f75e41b1cf501a0"

func newTestInstance(t *testing.T, backplane *mock.MockBackplane) *instance.Instance {
	recent, err := instance.NewRecentExecutionsCache(clock.SystemClock, 16, time.Minute)
	require.NoError(t, err)
	return instance.NewInstance(backplane, nil, clock.SystemClock, grpcutil.NewConnectionPool(), "main", recent)
}

func dispatchedOperationForTest(attempt int32, skipCacheLookup bool) *operation.DispatchedOperation {
	return &operation.DispatchedOperation{
		Name:      "op-1",
		RequeueAt: 0,
		Attempt:   attempt,
		QueueEntry: operation.QueueEntry{
			ExecuteEntry: operation.ExecuteEntry{
				OperationName:   "op-1",
				InstanceName:    "main",
				DigestFunction:  remoteexecution.DigestFunction_SHA256,
				ActionDigest:    operation.StoredDigest{Hash: testActionHash, SizeBytes: 42},
				SkipCacheLookup: skipCacheLookup,
			},
			QueuedOperationDigest: operation.StoredDigest{Hash: testActionHash, SizeBytes: 99},
			Attempt:               attempt,
		},
	}
}

func TestRequeueOperationCompletesFromActionCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	backplane := mock.NewMockBackplane(ctrl)
	inst := newTestInstance(t, backplane)
	dispatched := dispatchedOperationForTest(0, false)

	backplane.EXPECT().GetOperation(ctx, "op-1").Return(&longrunningpb.Operation{Name: "op-1"}, nil)
	backplane.EXPECT().GetActionResult(ctx, gomock.Any()).Return(&remoteexecution.ActionResult{ExitCode: 0}, nil)
	backplane.EXPECT().PutOperation(ctx, gomock.Any()).DoAndReturn(
		func(ctx context.Context, op *longrunningpb.Operation) error {
			require.True(t, op.Done)
			response, err := operation.GetExecuteResponse(op)
			require.NoError(t, err)
			require.True(t, response.CachedResult)
			return nil
		})
	backplane.EXPECT().CompleteOperation(ctx, "op-1").Return(nil)

	require.NoError(t, inst.RequeueOperation(ctx, dispatched))
}

func TestRequeueOperationDropsCompletedOperations(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	backplane := mock.NewMockBackplane(ctrl)
	inst := newTestInstance(t, backplane)
	dispatched := dispatchedOperationForTest(0, false)

	backplane.EXPECT().GetOperation(ctx, "op-1").Return(&longrunningpb.Operation{
		Name: "op-1",
		Done: true,
	}, nil)
	backplane.EXPECT().CompleteOperation(ctx, "op-1").Return(nil)

	require.NoError(t, inst.RequeueOperation(ctx, dispatched))
}

func TestRequeueOperationTerminatesAfterTooManyAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	backplane := mock.NewMockBackplane(ctrl)
	inst := newTestInstance(t, backplane)
	dispatched := dispatchedOperationForTest(5, true)

	backplane.EXPECT().GetOperation(ctx, "op-1").Return(&longrunningpb.Operation{Name: "op-1"}, nil)
	backplane.EXPECT().PutOperation(ctx, gomock.Any()).DoAndReturn(
		func(ctx context.Context, op *longrunningpb.Operation) error {
			require.True(t, op.Done)
			require.EqualValues(t, codes.Internal, op.GetError().GetCode())
			return nil
		})
	backplane.EXPECT().CompleteOperation(ctx, "op-1").Return(nil)

	require.NoError(t, inst.RequeueOperation(ctx, dispatched))
}

func TestRequeueOperationDropsVanishedOperations(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	backplane := mock.NewMockBackplane(ctrl)
	inst := newTestInstance(t, backplane)
	dispatched := dispatchedOperationForTest(0, false)

	backplane.EXPECT().GetOperation(ctx, "op-1").Return(nil, status.Error(codes.NotFound, "Operation not found"))
	backplane.EXPECT().CompleteOperation(ctx, "op-1").Return(nil)

	require.NoError(t, inst.RequeueOperation(ctx, dispatched))
}
