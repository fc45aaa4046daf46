package operation_test

import (
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestStripRemovesResponsePayload(t *testing.T) {
	completed, err := operation.NewCompletedOperation(
		"op-1",
		&remoteexecution.Digest{
			Hash:      "8b1a9953c4611296a827abf8c47804d7e6c49c6b2e4d4bba2f75e41b1cf501a0",
			SizeBytes: 42,
		},
		&remoteexecution.ExecuteResponse{
			Result: &remoteexecution.ActionResult{ExitCode: 0},
		})
	require.NoError(t, err)
	require.NotNil(t, completed.GetResponse())

	stripped := operation.Strip(completed)
	require.Equal(t, "op-1", stripped.Name)
	require.True(t, stripped.Done)
	require.Nil(t, stripped.GetResponse())
	require.Equal(t, remoteexecution.ExecutionStage_COMPLETED, operation.GetStage(stripped))
}

func TestErrorOperationIsTerminal(t *testing.T) {
	errorOperation := operation.NewErrorOperation(
		"op-2",
		nil,
		status.New(codes.FailedPrecondition, "Missing input"))
	require.True(t, errorOperation.Done)
	require.Equal(t, remoteexecution.ExecutionStage_COMPLETED, operation.GetStage(errorOperation))
	require.EqualValues(t, codes.FailedPrecondition, errorOperation.GetError().GetCode())

	// Error operations survive stripping, so watchers observe the
	// failure.
	stripped := operation.Strip(errorOperation)
	require.True(t, stripped.Done)
	require.EqualValues(t, codes.FailedPrecondition, stripped.GetError().GetCode())
}

func TestStageOrderIsMonotonic(t *testing.T) {
	stages := []remoteexecution.ExecutionStage_Value{
		remoteexecution.ExecutionStage_UNKNOWN,
		remoteexecution.ExecutionStage_CACHE_CHECK,
		remoteexecution.ExecutionStage_QUEUED,
		remoteexecution.ExecutionStage_EXECUTING,
		remoteexecution.ExecutionStage_COMPLETED,
	}
	for i := 1; i < len(stages); i++ {
		require.Less(t, int32(stages[i-1]), int32(stages[i]))
	}
}
