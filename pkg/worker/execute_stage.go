package worker

import (
	"context"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/backplane"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// stdoutFileName and stderrFileName are the names under which process
// output is captured inside the execution directory. They are chosen
// to not collide with input or output paths, which never start with a
// dot in practice.
const (
	stdoutFileName = ".stdout"
	stderrFileName = ".stderr"
)

// ExecuteStage runs the subprocess of a staged operation under the
// action's timeout and publishes the EXECUTING stage transition.
type ExecuteStage struct {
	backplane               backplane.Backplane
	runner                  Runner
	clock                   clock.Clock
	defaultExecutionTimeout time.Duration
	maximumExecutionTimeout time.Duration
	width                   int
}

// NewExecuteStage creates an execute stage of the given width.
func NewExecuteStage(bp backplane.Backplane, runner Runner, clk clock.Clock, defaultExecutionTimeout, maximumExecutionTimeout time.Duration, width int) *ExecuteStage {
	return &ExecuteStage{
		backplane:               bp,
		runner:                  runner,
		clock:                   clk,
		defaultExecutionTimeout: defaultExecutionTimeout,
		maximumExecutionTimeout: maximumExecutionTimeout,
		width:                   width,
	}
}

func (s *ExecuteStage) Name() string {
	return "Execute"
}

func (s *ExecuteStage) Width() int {
	return s.width
}

func (s *ExecuteStage) executionTimeout(action *remoteexecution.Action) (time.Duration, error) {
	timeout := action.GetTimeout()
	if timeout == nil {
		return s.defaultExecutionTimeout, nil
	}
	if err := timeout.CheckValid(); err != nil {
		return 0, util.StatusWrapWithCode(err, codes.InvalidArgument, "Invalid execution timeout")
	}
	d := timeout.AsDuration()
	if d < 0 || d > s.maximumExecutionTimeout {
		return 0, status.Errorf(codes.InvalidArgument, "Execution timeout of %s exceeds maximum of %s", d, s.maximumExecutionTimeout)
	}
	return d, nil
}

func (s *ExecuteStage) Process(ctx context.Context, oc *OperationContext) (*OperationContext, error) {
	name := oc.Name()
	entry := &oc.QueueEntry.ExecuteEntry

	timeout, err := s.executionTimeout(oc.QueuedOperation.Action)
	if err != nil {
		return nil, err
	}

	// Publish the EXECUTING transition before starting the
	// process, so watchers observe it ahead of completion.
	metadata, err := operation.NewMetadata(
		remoteexecution.ExecutionStage_EXECUTING,
		entry.ActionDigest.ToProto(),
		entry.StdoutStreamName,
		entry.StderrStreamName)
	if err != nil {
		return nil, err
	}
	if err := s.backplane.PutOperation(ctx, &longrunningpb.Operation{
		Name:     name,
		Metadata: metadata,
	}); err != nil {
		return nil, util.StatusWrap(err, "Failed to publish EXECUTING transition")
	}
	oc.Stage = remoteexecution.ExecutionStage_EXECUTING

	command := oc.QueuedOperation.Command
	environment := make(map[string]string, len(command.EnvironmentVariables))
	for _, variable := range command.EnvironmentVariables {
		environment[variable.Name] = variable.Value
	}

	oc.StdoutPath = oc.ExecDirPath + "/" + stdoutFileName
	oc.StderrPath = oc.ExecDirPath + "/" + stderrFileName

	runCtx, cancel := s.clock.NewContextWithTimeout(ctx, timeout)
	response, err := s.runner.Run(runCtx, &RunRequest{
		Arguments:            command.Arguments,
		EnvironmentVariables: environment,
		WorkingDirectory:     command.WorkingDirectory,
		StdoutPath:           oc.StdoutPath,
		StderrPath:           oc.StderrPath,
		InputRootDirectory:   oc.ExecDirPath,
	})
	cancel()
	if err != nil {
		if status.Code(err) == codes.DeadlineExceeded && ctx.Err() == nil {
			// The action timed out; this is a terminal
			// result, not an infrastructure failure.
			oc.ExecutionError = status.Errorf(codes.DeadlineExceeded, "Action timed out after %s", timeout)
			oc.ExitCode = -1
			return oc, nil
		}
		return nil, util.StatusWrap(err, "Failed to run process")
	}
	oc.ExitCode = response.ExitCode
	return oc, nil
}
