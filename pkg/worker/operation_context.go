package worker

import (
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
)

// OperationContext is the in-flight unit handed from stage to stage.
// The poller started at match time travels with it, so that liveness
// signaling continues across stage boundaries without interruption.
type OperationContext struct {
	QueueEntry       *operation.QueueEntry
	QueuedOperation  *operation.QueuedOperation
	DirectoriesIndex operation.DirectoriesIndex
	ExecDirPath      string
	Poller           *Poller

	// Stage as last published on the operation channel. The
	// poller's predicate reports this value to the backplane.
	Stage remoteexecution.ExecutionStage_Value

	// Filled in by the execute stage for the report stage.
	ExitCode       int32
	StdoutPath     string
	StderrPath     string
	ExecutionError error
}

// Name returns the operation name of the context.
func (oc *OperationContext) Name() string {
	return oc.QueueEntry.ExecuteEntry.OperationName
}
