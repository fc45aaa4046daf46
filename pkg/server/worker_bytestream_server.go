package server

import (
	"context"
	"io"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/cas"
	"github.com/buildbarn/bb-storage/pkg/digest"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// WorkerByteStreamServer serves ByteStream reads and writes of a
// worker's local file cache.
type WorkerByteStreamServer struct {
	fileCache    *cas.FileCache
	instanceName string
}

// NewWorkerByteStreamServer creates a worker ByteStream server.
func NewWorkerByteStreamServer(fileCache *cas.FileCache, instanceName string) *WorkerByteStreamServer {
	return &WorkerByteStreamServer{
		fileCache:    fileCache,
		instanceName: instanceName,
	}
}

// Read streams a locally cached blob.
func (s *WorkerByteStreamServer) Read(request *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	name, err := ParseResourceName(request.ResourceName, s.instanceName, remoteexecution.DigestFunction_UNKNOWN)
	if err != nil {
		return err
	}
	if name.Kind != ResourceNameBlob {
		return status.Errorf(codes.InvalidArgument, "Resource name %#v is not readable", request.ResourceName)
	}
	if request.ReadOffset > name.Digest.GetSizeBytes() {
		return status.Errorf(codes.OutOfRange, "Offset %d is past the end of blob of %d bytes", request.ReadOffset, name.Digest.GetSizeBytes())
	}
	r, err := s.fileCache.NewInput(name.Digest, request.ReadOffset)
	if err != nil {
		return err
	}
	defer r.Close()

	remaining := name.Digest.GetSizeBytes() - request.ReadOffset
	if request.ReadLimit > 0 && request.ReadLimit < remaining {
		remaining = request.ReadLimit
	}
	buf := make([]byte, readChunkSizeBytes)
	for remaining > 0 {
		chunk := buf
		if remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		n, err := io.ReadFull(r, chunk)
		if n > 0 {
			if err := stream.Send(&bytestream.ReadResponse{Data: chunk[:n]}); err != nil {
				return err
			}
			remaining -= int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		} else if err != nil {
			return status.Errorf(codes.Internal, "Failed to read blob: %s", err)
		}
	}
	return nil
}

// Write stores an uploaded blob into the local cache, enforcing the
// single-resource-name and contiguous-offset rules of the protocol.
func (s *WorkerByteStreamServer) Write(stream bytestream.ByteStream_WriteServer) error {
	ctx := stream.Context()
	request, err := stream.Recv()
	if err != nil {
		return err
	}
	if request.ResourceName == "" {
		return status.Error(codes.InvalidArgument, "The first write request lacks a resource name")
	}
	name, err := ParseResourceName(request.ResourceName, s.instanceName, remoteexecution.DigestFunction_UNKNOWN)
	if err != nil {
		return err
	}
	if name.Kind != ResourceNameUpload {
		return status.Errorf(codes.InvalidArgument, "Resource name %#v is not writable", request.ResourceName)
	}
	resourceName := request.ResourceName

	pr, pw := io.Pipe()
	putDone := make(chan error, 1)
	go func() {
		putDone <- s.fileCache.PutContent(ctx, name.Digest, pr)
		pr.Close()
	}()

	committed := int64(0)
	for {
		if request.ResourceName != "" && request.ResourceName != resourceName {
			pw.CloseWithError(status.Error(codes.InvalidArgument, "Resource name changed mid stream"))
			<-putDone
			return status.Errorf(codes.InvalidArgument, "Resource name changed mid stream from %#v to %#v", resourceName, request.ResourceName)
		}
		if request.WriteOffset != committed {
			pw.CloseWithError(status.Error(codes.InvalidArgument, "Non-contiguous write"))
			<-putDone
			return status.Errorf(codes.InvalidArgument, "Write at offset %d, while %d bytes have been committed", request.WriteOffset, committed)
		}
		if _, err := pw.Write(request.Data); err != nil {
			<-putDone
			return err
		}
		committed += int64(len(request.Data))
		if request.FinishWrite {
			break
		}
		request, err = stream.Recv()
		if err == io.EOF {
			pw.CloseWithError(status.Error(codes.InvalidArgument, "Stream ended without finishing the write"))
			<-putDone
			return status.Error(codes.InvalidArgument, "Client closed the stream without finishing the write")
		} else if err != nil {
			pw.CloseWithError(err)
			<-putDone
			return err
		}
	}
	pw.Close()
	if err := <-putDone; err != nil {
		return err
	}
	return stream.SendAndClose(&bytestream.WriteResponse{
		CommittedSize: committed,
	})
}

// QueryWriteStatus reports whether a blob is present locally.
func (s *WorkerByteStreamServer) QueryWriteStatus(ctx context.Context, request *bytestream.QueryWriteStatusRequest) (*bytestream.QueryWriteStatusResponse, error) {
	name, err := ParseResourceName(request.ResourceName, s.instanceName, remoteexecution.DigestFunction_UNKNOWN)
	if err != nil {
		return nil, err
	}
	if name.Kind != ResourceNameUpload && name.Kind != ResourceNameBlob {
		return nil, status.Errorf(codes.InvalidArgument, "Resource name %#v has no write status", request.ResourceName)
	}
	if len(s.fileCache.FindMissingBlobs([]digest.Digest{name.Digest})) == 0 {
		return &bytestream.QueryWriteStatusResponse{
			CommittedSize: name.Digest.GetSizeBytes(),
			Complete:      true,
		}, nil
	}
	return &bytestream.QueryWriteStatusResponse{}, nil
}
