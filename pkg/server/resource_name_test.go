package server_test

import (
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/server"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const testHash = "8b1a9953c4611296a827abf8c47804d7e6c49c6b2e4d4bba2f75e41b1cf501a0"

func TestParseResourceNameBlob(t *testing.T) {
	name, err := server.ParseResourceName("blobs/"+testHash+"_42", "main", remoteexecution.DigestFunction_UNKNOWN)
	require.NoError(t, err)
	require.Equal(t, server.ResourceNameBlob, name.Kind)
	require.Equal(t, testHash, name.Digest.GetProto().GetHash())
	require.EqualValues(t, 42, name.Digest.GetSizeBytes())
}

func TestParseResourceNameUpload(t *testing.T) {
	name, err := server.ParseResourceName("uploads/b55c1c9a-96ec-4a55-a944-a9166d08c3e9/blobs/"+testHash+"_42", "main", remoteexecution.DigestFunction_UNKNOWN)
	require.NoError(t, err)
	require.Equal(t, server.ResourceNameUpload, name.Kind)
	require.Equal(t, "b55c1c9a-96ec-4a55-a944-a9166d08c3e9", name.UploadID)
	require.EqualValues(t, 42, name.Digest.GetSizeBytes())
}

func TestParseResourceNameOperationStream(t *testing.T) {
	for _, streamName := range []string{"stdout", "stderr"} {
		name, err := server.ParseResourceName("operation-7/streams/"+streamName, "main", remoteexecution.DigestFunction_UNKNOWN)
		require.NoError(t, err)
		require.Equal(t, server.ResourceNameOperationStream, name.Kind)
		require.Equal(t, "operation-7", name.OperationName)
		require.Equal(t, streamName, name.StreamName)
	}
}

func TestParseResourceNameRejectsMalformedNames(t *testing.T) {
	for _, malformed := range []string{
		"",
		"blobs",
		"blobs/" + testHash,
		"blobs/" + testHash + "_notasize",
		"blobs/tooshort_42",
		"uploads//blobs/" + testHash + "_42",
		"uploads/u/notblobs/" + testHash + "_42",
		"operation-7/streams/stdlog",
		"/streams/stdout",
		"some/random/name/with/slashes",
	} {
		_, err := server.ParseResourceName(malformed, "main", remoteexecution.DigestFunction_UNKNOWN)
		require.Equal(t, codes.InvalidArgument, status.Code(err), "name %#v", malformed)
	}
}
