package instance_test

import (
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/instance"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-storage/pkg/digest"
	"github.com/stretchr/testify/require"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
)

var testDigestFunction = digest.MustNewFunction("main", remoteexecution.DigestFunction_SHA256)

func TestValidateQueuedOperationRejectsEmptyCommand(t *testing.T) {
	rootDirectory := &remoteexecution.Directory{}
	rootDigest, err := operation.DigestForMessage(testDigestFunction, rootDirectory)
	require.NoError(t, err)

	s := instance.ValidateQueuedOperation(&operation.QueuedOperation{
		Action: &remoteexecution.Action{
			InputRootDigest: rootDigest.GetProto(),
		},
		Command:     &remoteexecution.Command{},
		Directories: []*remoteexecution.Directory{rootDirectory},
	}, testDigestFunction)
	require.NotNil(t, s)
	require.Equal(t, codes.InvalidArgument, s.Code())
}

func TestValidateQueuedOperationAcceptsResolvableTree(t *testing.T) {
	subDirectory := &remoteexecution.Directory{}
	subDigest, err := operation.DigestForMessage(testDigestFunction, subDirectory)
	require.NoError(t, err)
	rootDirectory := &remoteexecution.Directory{
		Directories: []*remoteexecution.DirectoryNode{
			{Name: "sub", Digest: subDigest.GetProto()},
		},
	}
	rootDigest, err := operation.DigestForMessage(testDigestFunction, rootDirectory)
	require.NoError(t, err)

	s := instance.ValidateQueuedOperation(&operation.QueuedOperation{
		Action: &remoteexecution.Action{
			InputRootDigest: rootDigest.GetProto(),
		},
		Command: &remoteexecution.Command{
			Arguments: []string{"true"},
		},
		Directories: []*remoteexecution.Directory{rootDirectory, subDirectory},
	}, testDigestFunction)
	require.Nil(t, s)
}

func TestValidateQueuedOperationReportsMissingDirectory(t *testing.T) {
	subDirectory := &remoteexecution.Directory{
		Files: []*remoteexecution.FileNode{
			{Name: "gone.txt", Digest: &remoteexecution.Digest{
				Hash:      "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
				SizeBytes: 5,
			}},
		},
	}
	subDigest, err := operation.DigestForMessage(testDigestFunction, subDirectory)
	require.NoError(t, err)
	rootDirectory := &remoteexecution.Directory{
		Directories: []*remoteexecution.DirectoryNode{
			{Name: "sub", Digest: subDigest.GetProto()},
		},
	}
	rootDigest, err := operation.DigestForMessage(testDigestFunction, rootDirectory)
	require.NoError(t, err)

	// The subdirectory's contents are absent from the directory
	// list, so queueing must fail with a MISSING violation naming
	// the blob.
	s := instance.ValidateQueuedOperation(&operation.QueuedOperation{
		Action: &remoteexecution.Action{
			InputRootDigest: rootDigest.GetProto(),
		},
		Command: &remoteexecution.Command{
			Arguments: []string{"true"},
		},
		Directories: []*remoteexecution.Directory{rootDirectory},
	}, testDigestFunction)
	require.NotNil(t, s)
	require.Equal(t, codes.FailedPrecondition, s.Code())

	var violation *errdetails.PreconditionFailure_Violation
	for _, detail := range s.Details() {
		if failure, ok := detail.(*errdetails.PreconditionFailure); ok {
			require.Len(t, failure.Violations, 1)
			violation = failure.Violations[0]
		}
	}
	require.NotNil(t, violation)
	require.Equal(t, "MISSING", violation.Type)
	subProto := subDigest.GetProto()
	require.Contains(t, violation.Subject, subProto.GetHash())
}
