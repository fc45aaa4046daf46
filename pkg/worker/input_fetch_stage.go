package worker

import (
	"bytes"
	"context"

	"github.com/buildbarn/bb-build-farm/pkg/cas"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
)

// InputFetchStage decodes the queued operation referenced by a claimed
// entry and stages its input root as an execution directory.
type InputFetchStage struct {
	fetcher cas.BlobFetcher
	execFS  *cas.ExecFileSystem
	width   int
}

// NewInputFetchStage creates an input fetch stage of the given width.
func NewInputFetchStage(fetcher cas.BlobFetcher, execFS *cas.ExecFileSystem, width int) *InputFetchStage {
	return &InputFetchStage{
		fetcher: fetcher,
		execFS:  execFS,
		width:   width,
	}
}

func (s *InputFetchStage) Name() string {
	return "InputFetch"
}

func (s *InputFetchStage) Width() int {
	return s.width
}

func (s *InputFetchStage) Process(ctx context.Context, oc *OperationContext) (*OperationContext, error) {
	queuedOperationDigest, err := oc.QueueEntry.QueuedOperationDigestValue()
	if err != nil {
		return nil, util.StatusWrap(err, "Invalid queued operation digest")
	}

	var b bytes.Buffer
	if err := s.fetcher.FetchBlob(ctx, queuedOperationDigest, &b); err != nil {
		return nil, util.StatusWrap(err, "Failed to fetch queued operation")
	}
	queuedOperation, err := operation.UnmarshalQueuedOperation(b.Bytes())
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to decode queued operation")
	}
	oc.QueuedOperation = queuedOperation

	digestFunction := queuedOperationDigest.GetDigestFunction()
	index, err := operation.NewDirectoriesIndex(queuedOperation.Directories, digestFunction)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to index input directories")
	}
	oc.DirectoriesIndex = index

	inputRootDigest, err := digestFunction.NewDigestFromProto(queuedOperation.Action.InputRootDigest)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Invalid input root digest")
	}
	execDirPath, err := s.execFS.CreateExecDir(ctx, oc.Name(), inputRootDigest, queuedOperation.Command, index)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to create execution directory")
	}
	oc.ExecDirPath = execDirPath
	return oc, nil
}
