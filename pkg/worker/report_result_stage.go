package worker

import (
	"bytes"
	"context"
	"io"
	"math"
	"os"
	"strings"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/backplane"
	"github.com/buildbarn/bb-build-farm/pkg/cas"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/digest"
	"github.com/buildbarn/bb-storage/pkg/filesystem"
	"github.com/buildbarn/bb-storage/pkg/filesystem/path"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ReportResultStage uploads the outputs of an executed action to the
// local Content Addressable Storage, stores the action result, puts
// the terminal operation and tears down the execution directory.
type ReportResultStage struct {
	backplane  backplane.Backplane
	fileCache  *cas.FileCache
	execFS     *cas.ExecFileSystem
	clock      clock.Clock
	workerName string
	width      int
}

// NewReportResultStage creates a report result stage of the given
// width.
func NewReportResultStage(bp backplane.Backplane, fileCache *cas.FileCache, execFS *cas.ExecFileSystem, clk clock.Clock, workerName string, width int) *ReportResultStage {
	return &ReportResultStage{
		backplane:  bp,
		fileCache:  fileCache,
		execFS:     execFS,
		clock:      clk,
		workerName: workerName,
		width:      width,
	}
}

func (s *ReportResultStage) Name() string {
	return "ReportResult"
}

func (s *ReportResultStage) Width() int {
	return s.width
}

func (s *ReportResultStage) Process(ctx context.Context, oc *OperationContext) (*OperationContext, error) {
	name := oc.Name()
	entry := &oc.QueueEntry.ExecuteEntry
	actionDigest, err := entry.ActionDigestValue()
	if err != nil {
		return nil, util.StatusWrap(err, "Invalid action digest")
	}
	digestFunction := actionDigest.GetDigestFunction()

	execDir, err := s.execFS.EnterExecDir(name)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to open execution directory")
	}

	response, err := s.collectResponse(ctx, execDir, oc, digestFunction)
	execDir.Close()
	if err != nil {
		return nil, err
	}

	// Cache successful results, unless the action opted out.
	if oc.ExecutionError == nil && response.Result.GetExitCode() == 0 &&
		!oc.QueuedOperation.Action.GetDoNotCache() {
		if err := s.backplane.PutActionResult(ctx, actionDigest, response.Result); err != nil {
			return nil, util.StatusWrap(err, "Failed to store action result")
		}
	}

	completed, err := operation.NewCompletedOperation(name, actionDigest.GetProto(), response)
	if err != nil {
		return nil, err
	}
	if err := s.backplane.PutOperation(ctx, completed); err != nil {
		return nil, util.StatusWrap(err, "Failed to put terminal operation")
	}
	if err := s.backplane.CompleteOperation(ctx, name); err != nil {
		return nil, util.StatusWrap(err, "Failed to complete operation")
	}

	oc.Poller.Pause()
	s.execFS.DestroyExecDir(name)
	oc.Stage = remoteexecution.ExecutionStage_COMPLETED
	return nil, nil
}

func (s *ReportResultStage) collectResponse(ctx context.Context, execDir filesystem.Directory, oc *OperationContext, digestFunction digest.Function) (*remoteexecution.ExecuteResponse, error) {
	result := &remoteexecution.ActionResult{
		ExitCode: oc.ExitCode,
		ExecutionMetadata: &remoteexecution.ExecutedActionMetadata{
			Worker:                     s.workerName,
			QueuedTimestamp:            timestamppb.New(time.UnixMilli(oc.QueueEntry.ExecuteEntry.QueuedTimestamp)),
			OutputUploadStartTimestamp: timestamppb.New(s.clock.Now()),
		},
	}

	stdoutDigest, err := s.uploadFile(ctx, execDir, stdoutFileName, digestFunction)
	if err != nil && status.Code(err) != codes.NotFound {
		return nil, util.StatusWrap(err, "Failed to upload stdout")
	} else if err == nil {
		result.StdoutDigest = stdoutDigest.GetProto()
	}
	stderrDigest, err := s.uploadFile(ctx, execDir, stderrFileName, digestFunction)
	if err != nil && status.Code(err) != codes.NotFound {
		return nil, util.StatusWrap(err, "Failed to upload stderr")
	} else if err == nil {
		result.StderrDigest = stderrDigest.GetProto()
	}

	if oc.ExecutionError != nil {
		result.ExecutionMetadata.OutputUploadCompletedTimestamp = timestamppb.New(s.clock.Now())
		return &remoteexecution.ExecuteResponse{
			Result: result,
			Status: status.Convert(oc.ExecutionError).Proto(),
		}, nil
	}

	command := oc.QueuedOperation.Command
	outputFiles := command.OutputFiles
	outputDirectories := command.OutputDirectories
	for _, outputPath := range command.OutputPaths {
		info, err := s.lstatPath(execDir, outputPath)
		if err != nil {
			continue
		}
		if info.Type() == filesystem.FileTypeDirectory {
			outputDirectories = append(outputDirectories, outputPath)
		} else {
			outputFiles = append(outputFiles, outputPath)
		}
	}

	for _, outputPath := range outputFiles {
		parent, fileName, err := enterParent(execDir, outputPath)
		if err != nil {
			continue
		}
		isExecutable := false
		if info, err := parent.Lstat(fileName); err == nil {
			isExecutable = info.Type() == filesystem.FileTypeExecutableFile
		}
		fileDigest, err := s.uploadFileFromDirectory(ctx, parent, fileName, digestFunction)
		closeIfCloser(parent, execDir)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				continue
			}
			return nil, util.StatusWrapf(err, "Failed to upload output file %#v", outputPath)
		}
		result.OutputFiles = append(result.OutputFiles, &remoteexecution.OutputFile{
			Path:         outputPath,
			Digest:       fileDigest.GetProto(),
			IsExecutable: isExecutable,
		})
	}

	for _, outputPath := range outputDirectories {
		parent, dirName, err := enterParent(execDir, outputPath)
		if err != nil {
			continue
		}
		child, err := parent.EnterDirectory(dirName)
		closeIfCloser(parent, execDir)
		if err != nil {
			continue
		}
		tree, err := s.buildTree(ctx, child, digestFunction)
		child.Close()
		if err != nil {
			return nil, util.StatusWrapf(err, "Failed to upload output directory %#v", outputPath)
		}
		treeData, err := proto.Marshal(tree)
		if err != nil {
			return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to marshal output tree")
		}
		generator := digestFunction.NewGenerator(math.MaxInt64)
		generator.Write(treeData)
		treeDigest := generator.Sum()
		if err := s.fileCache.PutContent(ctx, treeDigest, bytes.NewReader(treeData)); err != nil {
			return nil, util.StatusWrapf(err, "Failed to store output tree %#v", outputPath)
		}
		result.OutputDirectories = append(result.OutputDirectories, &remoteexecution.OutputDirectory{
			Path:       outputPath,
			TreeDigest: treeDigest.GetProto(),
		})
	}

	result.ExecutionMetadata.OutputUploadCompletedTimestamp = timestamppb.New(s.clock.Now())
	return &remoteexecution.ExecuteResponse{Result: result}, nil
}

func (s *ReportResultStage) lstatPath(execDir filesystem.Directory, outputPath string) (filesystem.FileInfo, error) {
	parent, name, err := enterParent(execDir, outputPath)
	if err != nil {
		return filesystem.FileInfo{}, err
	}
	defer closeIfCloser(parent, execDir)
	return parent.Lstat(name)
}

// enterParent resolves the parent directory of a slash separated
// relative path, returning it together with the final component. The
// caller must close the returned directory if it differs from the
// root handle.
func enterParent(execDir filesystem.Directory, relativePath string) (filesystem.Directory, path.Component, error) {
	components := strings.Split(relativePath, "/")
	current := execDir
	for _, name := range components[:len(components)-1] {
		component, ok := path.NewComponent(name)
		if !ok {
			closeIfCloser(current, execDir)
			return nil, path.Component{}, status.Errorf(codes.InvalidArgument, "Invalid path %#v", relativePath)
		}
		child, err := current.EnterDirectory(component)
		closeIfCloser(current, execDir)
		if err != nil {
			return nil, path.Component{}, err
		}
		current = child
	}
	component, ok := path.NewComponent(components[len(components)-1])
	if !ok {
		closeIfCloser(current, execDir)
		return nil, path.Component{}, status.Errorf(codes.InvalidArgument, "Invalid path %#v", relativePath)
	}
	return current, component, nil
}

func closeIfCloser(d filesystem.Directory, root filesystem.Directory) {
	if d == root {
		return
	}
	if closer, ok := d.(filesystem.DirectoryCloser); ok {
		closer.Close()
	}
}

func (s *ReportResultStage) uploadFile(ctx context.Context, execDir filesystem.Directory, name string, digestFunction digest.Function) (digest.Digest, error) {
	component, ok := path.NewComponent(name)
	if !ok {
		return digest.BadDigest, status.Errorf(codes.InvalidArgument, "Invalid file name %#v", name)
	}
	return s.uploadFileFromDirectory(ctx, execDir, component, digestFunction)
}

// uploadFileFromDirectory computes the digest of a file and stores its
// contents in the local file cache, making the blob available to the
// rest of the farm.
func (s *ReportResultStage) uploadFileFromDirectory(ctx context.Context, d filesystem.Directory, name path.Component, digestFunction digest.Function) (digest.Digest, error) {
	f, err := d.OpenRead(name)
	if os.IsNotExist(err) {
		return digest.BadDigest, status.Errorf(codes.NotFound, "File %#v does not exist", name.String())
	} else if err != nil {
		return digest.BadDigest, util.StatusWrapWithCode(err, codes.Internal, "Failed to open file")
	}
	defer f.Close()

	generator := digestFunction.NewGenerator(math.MaxInt64)
	sizeBytes, err := io.Copy(generator, io.NewSectionReader(f, 0, math.MaxInt64))
	if err != nil {
		return digest.BadDigest, util.StatusWrapWithCode(err, codes.Internal, "Failed to compute file digest")
	}
	fileDigest := generator.Sum()

	// Limit the upload to the size used for the digest, in case the
	// file is still being appended to.
	if err := s.fileCache.PutContent(ctx, fileDigest, io.NewSectionReader(f, 0, sizeBytes)); err != nil {
		return digest.BadDigest, err
	}
	return fileDigest, nil
}

func (s *ReportResultStage) buildTree(ctx context.Context, d filesystem.Directory, digestFunction digest.Function) (*remoteexecution.Tree, error) {
	root, children, err := s.buildDirectory(ctx, d, digestFunction)
	if err != nil {
		return nil, err
	}
	return &remoteexecution.Tree{
		Root:     root,
		Children: children,
	}, nil
}

func (s *ReportResultStage) buildDirectory(ctx context.Context, d filesystem.Directory, digestFunction digest.Function) (*remoteexecution.Directory, []*remoteexecution.Directory, error) {
	entries, err := d.ReadDir()
	if err != nil {
		return nil, nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to read directory")
	}
	directory := &remoteexecution.Directory{}
	var children []*remoteexecution.Directory
	for _, info := range entries {
		name := info.Name()
		switch info.Type() {
		case filesystem.FileTypeRegularFile, filesystem.FileTypeExecutableFile:
			fileDigest, err := s.uploadFileFromDirectory(ctx, d, name, digestFunction)
			if err != nil {
				return nil, nil, err
			}
			directory.Files = append(directory.Files, &remoteexecution.FileNode{
				Name:         name.String(),
				Digest:       fileDigest.GetProto(),
				IsExecutable: info.Type() == filesystem.FileTypeExecutableFile,
			})
		case filesystem.FileTypeDirectory:
			child, err := d.EnterDirectory(name)
			if err != nil {
				return nil, nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to enter directory")
			}
			childDirectory, grandchildren, err := s.buildDirectory(ctx, child, digestFunction)
			child.Close()
			if err != nil {
				return nil, nil, err
			}
			childDigest, err := operation.DigestForMessage(digestFunction, childDirectory)
			if err != nil {
				return nil, nil, err
			}
			directory.Directories = append(directory.Directories, &remoteexecution.DirectoryNode{
				Name:   name.String(),
				Digest: childDigest.GetProto(),
			})
			children = append(children, childDirectory)
			children = append(children, grandchildren...)
		case filesystem.FileTypeSymlink:
			target, err := d.Readlink(name)
			if err != nil {
				return nil, nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to read symlink")
			}
			directory.Symlinks = append(directory.Symlinks, &remoteexecution.SymlinkNode{
				Name:   name.String(),
				Target: target,
			})
		}
	}
	return directory, children, nil
}
