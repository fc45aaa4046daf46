package server

import (
	"bytes"
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/instance"
	"github.com/buildbarn/bb-storage/pkg/digest"

	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// ContentAddressableStorageServer implements the REv2 CAS service on a
// frontend shard, fanning every request out over the worker set.
type ContentAddressableStorageServer struct {
	instance *instance.Instance
}

// NewContentAddressableStorageServer creates a CAS server.
func NewContentAddressableStorageServer(inst *instance.Instance) *ContentAddressableStorageServer {
	return &ContentAddressableStorageServer{instance: inst}
}

// FindMissingBlobs reports which blobs are absent from the farm.
func (s *ContentAddressableStorageServer) FindMissingBlobs(ctx context.Context, request *remoteexecution.FindMissingBlobsRequest) (*remoteexecution.FindMissingBlobsResponse, error) {
	digests := make([]digest.Digest, 0, len(request.BlobDigests))
	protos := make(map[string]*remoteexecution.Digest, len(request.BlobDigests))
	for _, p := range request.BlobDigests {
		blobDigest, err := digestFromRequest(request.InstanceName, request.DigestFunction, p)
		if err != nil {
			return nil, err
		}
		digests = append(digests, blobDigest)
		protos[blobDigest.String()] = p
	}
	missing, err := s.instance.FindMissingBlobs(ctx, digests)
	if err != nil {
		return nil, err
	}
	response := &remoteexecution.FindMissingBlobsResponse{}
	for _, blobDigest := range missing {
		if p, ok := protos[blobDigest.String()]; ok {
			response.MissingBlobDigests = append(response.MissingBlobDigests, p)
		}
	}
	return response, nil
}

// BatchUpdateBlobs stores small blobs in a single round trip.
func (s *ContentAddressableStorageServer) BatchUpdateBlobs(ctx context.Context, request *remoteexecution.BatchUpdateBlobsRequest) (*remoteexecution.BatchUpdateBlobsResponse, error) {
	response := &remoteexecution.BatchUpdateBlobsResponse{}
	for _, blobRequest := range request.Requests {
		blobDigest, err := digestFromRequest(request.InstanceName, request.DigestFunction, blobRequest.Digest)
		var writeErr error
		if err != nil {
			writeErr = err
		} else {
			writeErr = s.instance.WriteBlob(ctx, blobDigest, blobRequest.Data)
		}
		response.Responses = append(response.Responses, &remoteexecution.BatchUpdateBlobsResponse_Response{
			Digest: blobRequest.Digest,
			Status: statusProto(writeErr),
		})
	}
	return response, nil
}

// BatchReadBlobs reads small blobs in a single round trip.
func (s *ContentAddressableStorageServer) BatchReadBlobs(ctx context.Context, request *remoteexecution.BatchReadBlobsRequest) (*remoteexecution.BatchReadBlobsResponse, error) {
	response := &remoteexecution.BatchReadBlobsResponse{}
	for _, p := range request.Digests {
		blobResponse := &remoteexecution.BatchReadBlobsResponse_Response{Digest: p}
		blobDigest, err := digestFromRequest(request.InstanceName, request.DigestFunction, p)
		if err == nil {
			var b bytes.Buffer
			err = s.instance.ReadBlob(ctx, blobDigest, 0, 0, &b)
			blobResponse.Data = b.Bytes()
		}
		blobResponse.Status = statusProto(err)
		response.Responses = append(response.Responses, blobResponse)
	}
	return response, nil
}

// GetTree streams the transitive closure of a directory.
func (s *ContentAddressableStorageServer) GetTree(request *remoteexecution.GetTreeRequest, stream remoteexecution.ContentAddressableStorage_GetTreeServer) error {
	ctx := stream.Context()
	rootDigest, err := digestFromRequest(request.InstanceName, request.DigestFunction, request.RootDigest)
	if err != nil {
		return err
	}
	digestFunction := rootDigest.GetDigestFunction()

	queue := []*remoteexecution.Digest{rootDigest.GetProto()}
	var directories []*remoteexecution.Directory
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		directoryDigest, err := digestFunction.NewDigestFromProto(p)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "Invalid directory digest: %s", err)
		}
		var b bytes.Buffer
		if err := s.instance.ReadBlob(ctx, directoryDigest, 0, 0, &b); err != nil {
			return err
		}
		directory := &remoteexecution.Directory{}
		if err := proto.Unmarshal(b.Bytes(), directory); err != nil {
			return status.Errorf(codes.Internal, "Failed to unmarshal directory: %s", err)
		}
		directories = append(directories, directory)
		for _, subdirectory := range directory.Directories {
			queue = append(queue, subdirectory.Digest)
		}
	}
	return stream.Send(&remoteexecution.GetTreeResponse{
		Directories: directories,
	})
}

func statusProto(err error) *statuspb.Status {
	if err == nil {
		return status.New(codes.OK, "").Proto()
	}
	return status.Convert(err).Proto()
}
