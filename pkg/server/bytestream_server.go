package server

import (
	"bytes"
	"context"
	"io"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/instance"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-storage/pkg/digest"
	"github.com/buildbarn/bb-storage/pkg/util"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// readChunkSizeBytes is the chunk size used when streaming blobs to
// clients.
const readChunkSizeBytes = 64 * 1024

// ByteStreamServer implements the ByteStream protocol on a frontend
// shard. Blob reads and writes fan out over the worker set; operation
// stream reads resolve the operation's stdout or stderr blob once it
// has completed.
type ByteStreamServer struct {
	instance     *instance.Instance
	instanceName string
}

// NewByteStreamServer creates a ByteStreamServer.
func NewByteStreamServer(inst *instance.Instance, instanceName string) *ByteStreamServer {
	return &ByteStreamServer{
		instance:     inst,
		instanceName: instanceName,
	}
}

type chunkWriter struct {
	send func(data []byte) error
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > readChunkSizeBytes {
			chunk = chunk[:readChunkSizeBytes]
		}
		if err := w.send(chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Read streams the contents named by a resource name to the client.
func (s *ByteStreamServer) Read(request *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	ctx := stream.Context()
	name, err := ParseResourceName(request.ResourceName, s.instanceName, remoteexecution.DigestFunction_UNKNOWN)
	if err != nil {
		return err
	}
	w := &chunkWriter{send: func(data []byte) error {
		return stream.Send(&bytestream.ReadResponse{Data: data})
	}}

	switch name.Kind {
	case ResourceNameBlob:
		return s.instance.ReadBlob(ctx, name.Digest, request.ReadOffset, request.ReadLimit, w)
	case ResourceNameOperationStream:
		streamDigest, err := s.resolveOperationStream(ctx, name.OperationName, name.StreamName)
		if err != nil {
			return err
		}
		return s.instance.ReadBlob(ctx, streamDigest, request.ReadOffset, request.ReadLimit, w)
	}
	return status.Errorf(codes.InvalidArgument, "Resource name %#v is not readable", request.ResourceName)
}

// resolveOperationStream waits for an operation to complete and
// returns the digest of its stdout or stderr blob.
func (s *ByteStreamServer) resolveOperationStream(ctx context.Context, operationName, streamName string) (digest.Digest, error) {
	done := make(chan struct{})
	var terminal *longrunningpb.Operation
	current, err := s.instance.WatchOperation(ctx, operationName, func(op *longrunningpb.Operation) {
		if op == nil || op.GetDone() {
			select {
			case <-done:
			default:
				terminal = op
				close(done)
			}
		}
	})
	if err != nil {
		return digest.BadDigest, err
	}
	if current.GetDone() {
		terminal = current
	} else {
		select {
		case <-ctx.Done():
			return digest.BadDigest, util.StatusFromContext(ctx)
		case <-done:
		}
		if terminal == nil {
			return digest.BadDigest, status.Error(codes.Unavailable, "Operation watch expired")
		}
		// The stripped operation lacks the response payload.
		terminal, err = s.instance.GetOperation(ctx, operationName)
		if err != nil {
			return digest.BadDigest, err
		}
	}

	response, err := operation.GetExecuteResponse(terminal)
	if err != nil {
		return digest.BadDigest, err
	}
	if response == nil {
		return digest.BadDigest, status.Errorf(codes.NotFound, "Operation %#v carries no response", operationName)
	}
	var p *remoteexecution.Digest
	if streamName == "stdout" {
		p = response.GetResult().GetStdoutDigest()
	} else {
		p = response.GetResult().GetStderrDigest()
	}
	if p == nil {
		return digest.BadDigest, status.Errorf(codes.NotFound, "Operation %#v has no %s", operationName, streamName)
	}
	return digestFromRequest(s.instanceName, remoteexecution.DigestFunction_UNKNOWN, p)
}

// Write stores a blob uploaded by the client. The resource name is
// only required on the first chunk; every subsequent chunk must
// continue at the committed offset, and changing the resource name mid
// stream is rejected.
func (s *ByteStreamServer) Write(stream bytestream.ByteStream_WriteServer) error {
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

	var b bytes.Buffer
	for {
		if request.ResourceName != "" && request.ResourceName != resourceName {
			return status.Errorf(codes.InvalidArgument, "Resource name changed mid stream from %#v to %#v", resourceName, request.ResourceName)
		}
		if request.WriteOffset != int64(b.Len()) {
			return status.Errorf(codes.InvalidArgument, "Write at offset %d, while %d bytes have been committed", request.WriteOffset, b.Len())
		}
		b.Write(request.Data)
		if request.FinishWrite {
			break
		}
		request, err = stream.Recv()
		if err == io.EOF {
			return status.Error(codes.InvalidArgument, "Client closed the stream without finishing the write")
		} else if err != nil {
			return err
		}
	}

	if int64(b.Len()) != name.Digest.GetSizeBytes() {
		return status.Errorf(codes.InvalidArgument, "Client wrote %d bytes, while the digest calls for %d", b.Len(), name.Digest.GetSizeBytes())
	}
	if err := s.instance.WriteBlob(ctx, name.Digest, b.Bytes()); err != nil {
		return err
	}
	return stream.SendAndClose(&bytestream.WriteResponse{
		CommittedSize: int64(b.Len()),
	})
}

// QueryWriteStatus reports whether a blob has been fully stored.
func (s *ByteStreamServer) QueryWriteStatus(ctx context.Context, request *bytestream.QueryWriteStatusRequest) (*bytestream.QueryWriteStatusResponse, error) {
	name, err := ParseResourceName(request.ResourceName, s.instanceName, remoteexecution.DigestFunction_UNKNOWN)
	if err != nil {
		return nil, err
	}
	if name.Kind != ResourceNameUpload && name.Kind != ResourceNameBlob {
		return nil, status.Errorf(codes.InvalidArgument, "Resource name %#v has no write status", request.ResourceName)
	}
	missing, err := s.instance.FindMissingBlobs(ctx, []digest.Digest{name.Digest})
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		return &bytestream.QueryWriteStatusResponse{
			CommittedSize: name.Digest.GetSizeBytes(),
			Complete:      true,
		}, nil
	}
	return &bytestream.QueryWriteStatusResponse{}, nil
}
