package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/buildbarn/bb-build-farm/internal/mock"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-build-farm/pkg/worker"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func queueEntryForTest(name string, platform []operation.PlatformProperty) *operation.QueueEntry {
	return &operation.QueueEntry{
		ExecuteEntry: operation.ExecuteEntry{
			OperationName: name,
			InstanceName:  "main",
		},
		Platform: platform,
	}
}

func TestMatchStageSkipsMismatchedPlatforms(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	backplane := mock.NewMockBackplane(ctrl)
	stage := worker.NewMatchStage(
		backplane,
		clock.SystemClock,
		map[string]string{"os": "linux"},
		time.Millisecond,
		time.Second,
		30*time.Second)

	mismatched := queueEntryForTest("op-windows", []operation.PlatformProperty{
		{Name: "os", Value: "windows"},
	})
	matched := queueEntryForTest("op-linux", []operation.PlatformProperty{
		{Name: "os", Value: "linux"},
	})

	gomock.InOrder(
		backplane.EXPECT().DispatchOperation(gomock.Any()).Return(mismatched, nil),
		backplane.EXPECT().RequeueDispatchedOperation(gomock.Any(), mismatched, int32(0)).Return(nil),
		backplane.EXPECT().DispatchOperation(gomock.Any()).Return(matched, nil),
	)
	backplane.EXPECT().DispatchOperation(gomock.Any()).Return(nil, nil).AnyTimes()
	backplane.EXPECT().PollOperation(gomock.Any(), "op-linux", gomock.Any(), gomock.Any()).Return(true).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan *worker.OperationContext)
	go stage.Run(ctx, out)

	select {
	case oc := <-out:
		require.Equal(t, "op-linux", oc.Name())
		oc.Poller.Pause()
	case <-time.After(time.Second):
		t.Fatal("Match stage did not emit the matching entry")
	}
	cancel()
}
