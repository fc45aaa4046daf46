package worker

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RunRequest describes one subprocess invocation within an execution
// directory.
type RunRequest struct {
	Arguments            []string
	EnvironmentVariables map[string]string
	WorkingDirectory     string
	StdoutPath           string
	StderrPath           string
	InputRootDirectory   string
}

// RunResponse carries the observable outcome of a subprocess.
type RunResponse struct {
	ExitCode int32
}

// Runner runs a command within a prepared execution directory. The
// on-disk sandboxing of the child process is outside the scope of the
// scheduling plane; implementations may add isolation as they see fit.
type Runner interface {
	Run(ctx context.Context, request *RunRequest) (*RunResponse, error)
}

type localRunner struct{}

// NewLocalRunner returns a Runner that executes commands directly on
// the system, without further isolation.
func NewLocalRunner() Runner {
	return &localRunner{}
}

func (r *localRunner) Run(ctx context.Context, request *RunRequest) (*RunResponse, error) {
	if len(request.Arguments) == 0 {
		return nil, status.Error(codes.InvalidArgument, "Insufficient number of command arguments")
	}

	stdout, err := os.OpenFile(request.StdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to open stdout log")
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(request.StderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to open stderr log")
	}
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, request.Arguments[0], request.Arguments[1:]...)
	cmd.Dir = filepath.Join(request.InputRootDirectory, request.WorkingDirectory)
	for name, value := range request.EnvironmentVariables {
		cmd.Env = append(cmd.Env, name+"="+value)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
			return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to start process")
		}
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to start process")
	}
	err = cmd.Wait()
	if err == nil {
		return &RunResponse{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return nil, util.StatusFromContext(ctx)
		}
		return &RunResponse{ExitCode: int32(exitErr.ExitCode())}, nil
	}
	return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to wait for process")
}
