package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/buildbarn/bb-build-farm/pkg/worker"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestLocalRunnerCapturesOutputAndExitCode(t *testing.T) {
	execDir := t.TempDir()
	runner := worker.NewLocalRunner()

	response, err := runner.Run(context.Background(), &worker.RunRequest{
		Arguments:          []string{"/bin/sh", "-c", "echo hello; exit 7"},
		StdoutPath:         filepath.Join(execDir, "stdout"),
		StderrPath:         filepath.Join(execDir, "stderr"),
		InputRootDirectory: execDir,
	})
	require.NoError(t, err)
	require.EqualValues(t, 7, response.ExitCode)

	stdout, err := os.ReadFile(filepath.Join(execDir, "stdout"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(stdout))
}

func TestLocalRunnerRejectsEmptyArguments(t *testing.T) {
	runner := worker.NewLocalRunner()
	_, err := runner.Run(context.Background(), &worker.RunRequest{
		StdoutPath: filepath.Join(t.TempDir(), "stdout"),
		StderrPath: filepath.Join(t.TempDir(), "stderr"),
	})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestLocalRunnerHonorsCancellation(t *testing.T) {
	execDir := t.TempDir()
	runner := worker.NewLocalRunner()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := runner.Run(ctx, &worker.RunRequest{
		Arguments:          []string{"/bin/sh", "-c", "sleep 10"},
		StdoutPath:         filepath.Join(execDir, "stdout"),
		StderrPath:         filepath.Join(execDir, "stderr"),
		InputRootDirectory: execDir,
	})
	require.Error(t, err)
	require.Equal(t, codes.DeadlineExceeded, status.Code(err))
}
