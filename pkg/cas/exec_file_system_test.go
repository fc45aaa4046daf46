package cas_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	farm_cas "github.com/buildbarn/bb-build-farm/pkg/cas"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/digest"
	"github.com/buildbarn/bb-storage/pkg/filesystem"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestExecFileSystemStagesInputRoot(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	toolData := []byte("#!/bin/sh\nexit 0\n")
	headerData := []byte("#define VERSION 7\n")

	depsDirectory := &remoteexecution.Directory{
		Files: []*remoteexecution.FileNode{
			{Name: "version.h", Digest: digestOf(headerData).GetProto()},
		},
	}
	depsDigest, err := operation.DigestForMessage(testDigestFunction, depsDirectory)
	require.NoError(t, err)

	rootDirectory := &remoteexecution.Directory{
		Files: []*remoteexecution.FileNode{
			{Name: "tool.sh", Digest: digestOf(toolData).GetProto(), IsExecutable: true},
		},
		Directories: []*remoteexecution.DirectoryNode{
			{Name: "deps", Digest: depsDigest.GetProto()},
			{Name: "out", Digest: emptyDirectoryDigest(t).GetProto()},
		},
	}
	rootDigest, err := operation.DigestForMessage(testDigestFunction, rootDirectory)
	require.NoError(t, err)

	index, err := operation.NewDirectoriesIndex(
		[]*remoteexecution.Directory{rootDirectory, depsDirectory, {}},
		testDigestFunction)
	require.NoError(t, err)

	cachePath := t.TempDir()
	cacheRoot, err := filesystem.NewLocalDirectory(cachePath)
	require.NoError(t, err)
	cache := farm_cas.NewFileCache(cacheRoot, 1000, testDigestFunction, clock.SystemClock,
		fetcherFor(ctrl, toolData, headerData), nil, nil)
	require.NoError(t, cache.Start())

	execPath := t.TempDir()
	execRoot, err := filesystem.NewLocalDirectory(execPath)
	require.NoError(t, err)
	execFS := farm_cas.NewExecFileSystem(execRoot, execPath, cache, cachePath, true)

	command := &remoteexecution.Command{
		Arguments:   []string{"./tool.sh"},
		OutputFiles: []string{"out/result.txt"},
	}
	execDirPath, err := execFS.CreateExecDir(ctx, "operation-1", rootDigest, command, index)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(execPath, "operation-1"), execDirPath)

	// The root file is hard-linked out of the cache.
	staged, err := os.ReadFile(filepath.Join(execDirPath, "tool.sh"))
	require.NoError(t, err)
	require.Equal(t, toolData, staged)

	// The dependency directory is a symlink to the cache's
	// materialization; the output parent is a real directory.
	info, err := os.Lstat(filepath.Join(execDirPath, "deps"))
	require.NoError(t, err)
	require.Equal(t, os.ModeSymlink, info.Mode()&os.ModeSymlink)
	materialized, err := os.ReadFile(filepath.Join(execDirPath, "deps", "version.h"))
	require.NoError(t, err)
	require.Equal(t, headerData, materialized)

	info, err = os.Lstat(filepath.Join(execDirPath, "out"))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	sizeBefore := cache.SizeBytes()
	execFS.DestroyExecDir("operation-1")

	// Destruction releases every reference without dropping the
	// cached blobs, and removes the on-disk tree.
	require.Equal(t, sizeBefore, cache.SizeBytes())
	_, err = os.Lstat(execDirPath)
	require.True(t, os.IsNotExist(err))

	// With all references released, pressure can now evict the
	// staged inputs.
	filler := make([]byte, 990)
	for i := range filler {
		filler[i] = byte(i)
	}
	require.NoError(t, cache.PutContent(ctx, digestOf(filler), bytes.NewReader(filler)))
}

func emptyDirectoryDigest(t *testing.T) digest.Digest {
	emptyDigest, err := operation.DigestForMessage(testDigestFunction, &remoteexecution.Directory{})
	require.NoError(t, err)
	return emptyDigest
}
