package cas

import (
	"context"
	"os"
	"strings"
	"sync"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-storage/pkg/digest"
	"github.com/buildbarn/bb-storage/pkg/filesystem"
	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type execDirState struct {
	fileKeys    []string
	directories []digest.Digest
}

// ExecFileSystem stages execution directories by hard-linking input
// files out of a FileCache. Input directories that cannot contain
// outputs are not recreated file by file; instead the cache
// materializes them once and the execution directory receives a single
// symlink to the materialization.
type ExecFileSystem struct {
	root                 filesystem.Directory
	rootPath             string
	cache                *FileCache
	cachePath            string
	linkInputDirectories bool

	lock     sync.Mutex
	execDirs map[string]*execDirState
}

// NewExecFileSystem creates an ExecFileSystem that places execution
// directories under rootPath. cachePath is the location of the file
// cache root, used as the target of input directory symlinks.
func NewExecFileSystem(root filesystem.Directory, rootPath string, cache *FileCache, cachePath string, linkInputDirectories bool) *ExecFileSystem {
	return &ExecFileSystem{
		root:                 root,
		rootPath:             rootPath,
		cache:                cache,
		cachePath:            cachePath,
		linkInputDirectories: linkInputDirectories,

		execDirs: map[string]*execDirState{},
	}
}

// outputParentPaths returns the set of directory paths that must exist
// as real directories because an output will be created in or below
// them. Paths use forward slashes relative to the input root, with ""
// denoting the root itself.
func outputParentPaths(command *remoteexecution.Command) map[string]struct{} {
	parents := map[string]struct{}{"": {}}
	addAncestors := func(p string) {
		for {
			i := strings.LastIndexByte(p, '/')
			if i < 0 {
				break
			}
			p = p[:i]
			parents[p] = struct{}{}
		}
	}
	for _, p := range command.OutputFiles {
		addAncestors(p)
	}
	for _, p := range command.OutputDirectories {
		addAncestors(p)
		parents[p] = struct{}{}
	}
	for _, p := range command.OutputPaths {
		addAncestors(p)
		parents[p] = struct{}{}
	}
	return parents
}

// CreateExecDir stages the input root of an operation and returns the
// absolute path of the resulting directory. A stale directory with the
// same operation name is destroyed first. On failure every reference
// acquired so far is released and the partial directory is removed.
func (fs *ExecFileSystem) CreateExecDir(ctx context.Context, operationName string, inputRootDigest digest.Digest, command *remoteexecution.Command, index operation.DirectoriesIndex) (string, error) {
	component, ok := path.NewComponent(operationName)
	if !ok {
		return "", status.Errorf(codes.InvalidArgument, "Invalid operation name %#v", operationName)
	}

	fs.lock.Lock()
	if _, ok := fs.execDirs[operationName]; ok {
		fs.lock.Unlock()
		fs.DestroyExecDir(operationName)
		fs.lock.Lock()
	}
	state := &execDirState{}
	fs.execDirs[operationName] = state
	fs.lock.Unlock()

	if err := fs.root.RemoveAll(component); err != nil && !os.IsNotExist(err) {
		return "", util.StatusWrapWithCode(err, codes.Internal, "Failed to remove stale execution directory")
	}
	if err := fs.root.Mkdir(component, 0o755); err != nil {
		return "", util.StatusWrapWithCode(err, codes.Internal, "Failed to create execution directory")
	}
	target, err := fs.root.EnterDirectory(component)
	if err != nil {
		return "", util.StatusWrapWithCode(err, codes.Internal, "Failed to enter execution directory")
	}

	parents := outputParentPaths(command)
	err = fs.stageDirectory(ctx, target, "", inputRootDigest, index, parents, state)
	target.Close()
	if err != nil {
		fs.DestroyExecDir(operationName)
		return "", err
	}
	return fs.rootPath + "/" + operationName, nil
}

func (fs *ExecFileSystem) stageDirectory(ctx context.Context, target filesystem.Directory, relPath string, directoryDigest digest.Digest, index operation.DirectoriesIndex, outputParents map[string]struct{}, state *execDirState) error {
	directory, ok := index.Lookup(directoryDigest)
	if !ok {
		return status.Errorf(codes.FailedPrecondition, "Directory %#v is absent from the directories index", directoryDigest.String())
	}

	for _, file := range directory.Files {
		name, ok := path.NewComponent(file.Name)
		if !ok {
			return status.Errorf(codes.InvalidArgument, "File %#v has an invalid name", file.Name)
		}
		fileDigest, err := fs.cache.digestFunction.NewDigestFromProto(file.Digest)
		if err != nil {
			return util.StatusWrapf(err, "Failed to extract digest for input file %#v", file.Name)
		}
		cached, err := fs.cache.Put(ctx, fileDigest, file.IsExecutable, nil)
		if err != nil {
			return util.StatusWrapf(err, "Failed to fetch input file %#v", file.Name)
		}
		fs.lock.Lock()
		state.fileKeys = append(state.fileKeys, cached.String())
		fs.lock.Unlock()
		if err := fs.cache.root.Link(cached, target, name); err != nil {
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to link input file %#v", file.Name)
		}
	}

	for _, subdirectory := range directory.Directories {
		name, ok := path.NewComponent(subdirectory.Name)
		if !ok {
			return status.Errorf(codes.InvalidArgument, "Directory %#v has an invalid name", subdirectory.Name)
		}
		childPath := subdirectory.Name
		if relPath != "" {
			childPath = relPath + "/" + subdirectory.Name
		}
		subdirectoryDigest, err := fs.cache.digestFunction.NewDigestFromProto(subdirectory.Digest)
		if err != nil {
			return util.StatusWrapf(err, "Failed to extract digest for input directory %#v", childPath)
		}

		_, containsOutputs := outputParents[childPath]
		if fs.linkInputDirectories && !containsOutputs {
			materialized, err := fs.cache.PutDirectory(ctx, subdirectoryDigest, index)
			if err != nil {
				return util.StatusWrapf(err, "Failed to materialize input directory %#v", childPath)
			}
			fs.lock.Lock()
			state.directories = append(state.directories, subdirectoryDigest)
			fs.lock.Unlock()
			if err := target.Symlink(path.LocalFormat.NewParser(fs.cachePath+"/"+materialized.String()), name); err != nil {
				return util.StatusWrapfWithCode(err, codes.Internal, "Failed to link input directory %#v", childPath)
			}
			continue
		}

		if err := target.Mkdir(name, 0o755); err != nil {
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to create input directory %#v", childPath)
		}
		child, err := target.EnterDirectory(name)
		if err != nil {
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to enter input directory %#v", childPath)
		}
		err = fs.stageDirectory(ctx, child, childPath, subdirectoryDigest, index, outputParents, state)
		child.Close()
		if err != nil {
			return err
		}
	}

	for _, symlink := range directory.Symlinks {
		name, ok := path.NewComponent(symlink.Name)
		if !ok {
			return status.Errorf(codes.InvalidArgument, "Symlink %#v has an invalid name", symlink.Name)
		}
		if err := target.Symlink(path.LocalFormat.NewParser(symlink.Target), name); err != nil {
			return util.StatusWrapfWithCode(err, codes.Internal, "Failed to create input symlink %#v", symlink.Name)
		}
	}
	return nil
}

// EnterExecDir opens the execution directory of an operation, used for
// collecting outputs after the process has run.
func (fs *ExecFileSystem) EnterExecDir(operationName string) (filesystem.DirectoryCloser, error) {
	component, ok := path.NewComponent(operationName)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "Invalid operation name %#v", operationName)
	}
	return fs.root.EnterDirectory(component)
}

// DestroyExecDir releases every reference held by an execution
// directory in one call and removes its on-disk tree.
func (fs *ExecFileSystem) DestroyExecDir(operationName string) {
	fs.lock.Lock()
	state, ok := fs.execDirs[operationName]
	delete(fs.execDirs, operationName)
	fs.lock.Unlock()
	if ok {
		fs.cache.DecrementReferences(state.fileKeys, state.directories)
	}
	if component, ok := path.NewComponent(operationName); ok {
		fs.root.RemoveAll(component)
	}
}
