package server

import (
	"bytes"
	"context"
	"io"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/cas"
	"github.com/buildbarn/bb-storage/pkg/digest"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// WorkerContentAddressableStorageServer serves the REv2 CAS surface of
// a worker straight from its local file cache, so that shards and peer
// workers can probe and read the blobs it holds.
type WorkerContentAddressableStorageServer struct {
	fileCache *cas.FileCache
}

// NewWorkerContentAddressableStorageServer creates a worker CAS
// server.
func NewWorkerContentAddressableStorageServer(fileCache *cas.FileCache) *WorkerContentAddressableStorageServer {
	return &WorkerContentAddressableStorageServer{fileCache: fileCache}
}

// FindMissingBlobs reports which blobs are absent from this worker.
func (s *WorkerContentAddressableStorageServer) FindMissingBlobs(ctx context.Context, request *remoteexecution.FindMissingBlobsRequest) (*remoteexecution.FindMissingBlobsResponse, error) {
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
	response := &remoteexecution.FindMissingBlobsResponse{}
	for _, blobDigest := range s.fileCache.FindMissingBlobs(digests) {
		if p, ok := protos[blobDigest.String()]; ok {
			response.MissingBlobDigests = append(response.MissingBlobDigests, p)
		}
	}
	return response, nil
}

// BatchUpdateBlobs stores small blobs into the local cache.
func (s *WorkerContentAddressableStorageServer) BatchUpdateBlobs(ctx context.Context, request *remoteexecution.BatchUpdateBlobsRequest) (*remoteexecution.BatchUpdateBlobsResponse, error) {
	response := &remoteexecution.BatchUpdateBlobsResponse{}
	for _, blobRequest := range request.Requests {
		blobDigest, err := digestFromRequest(request.InstanceName, request.DigestFunction, blobRequest.Digest)
		var writeErr error
		if err != nil {
			writeErr = err
		} else {
			writeErr = s.fileCache.PutContent(ctx, blobDigest, bytes.NewReader(blobRequest.Data))
		}
		response.Responses = append(response.Responses, &remoteexecution.BatchUpdateBlobsResponse_Response{
			Digest: blobRequest.Digest,
			Status: statusProto(writeErr),
		})
	}
	return response, nil
}

// BatchReadBlobs reads small blobs from the local cache.
func (s *WorkerContentAddressableStorageServer) BatchReadBlobs(ctx context.Context, request *remoteexecution.BatchReadBlobsRequest) (*remoteexecution.BatchReadBlobsResponse, error) {
	response := &remoteexecution.BatchReadBlobsResponse{}
	for _, p := range request.Digests {
		blobResponse := &remoteexecution.BatchReadBlobsResponse_Response{Digest: p}
		blobDigest, err := digestFromRequest(request.InstanceName, request.DigestFunction, p)
		if err == nil {
			var r io.ReadCloser
			r, err = s.fileCache.NewInput(blobDigest, 0)
			if err == nil {
				var b bytes.Buffer
				_, err = io.Copy(&b, r)
				r.Close()
				blobResponse.Data = b.Bytes()
			}
		}
		blobResponse.Status = statusProto(err)
		response.Responses = append(response.Responses, blobResponse)
	}
	return response, nil
}

// GetTree is not served by workers; shards resolve trees themselves.
func (s *WorkerContentAddressableStorageServer) GetTree(request *remoteexecution.GetTreeRequest, stream remoteexecution.ContentAddressableStorage_GetTreeServer) error {
	return status.Error(codes.Unimplemented, "Workers do not serve GetTree")
}
