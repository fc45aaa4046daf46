package server

import (
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/instance"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-storage/pkg/digest"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// requestMetadataKey is the gRPC metadata key under which clients send
// the REv2 RequestMetadata message.
const requestMetadataKey = "build.bazel.remote.execution.v2.requestmetadata-bin"

// ExecutionServer implements the REv2 Execution service on top of an
// Instance.
type ExecutionServer struct {
	instance *instance.Instance
}

// NewExecutionServer creates an ExecutionServer.
func NewExecutionServer(inst *instance.Instance) *ExecutionServer {
	return &ExecutionServer{instance: inst}
}

func getRequestMetadata(ctx context.Context) *remoteexecution.RequestMetadata {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, value := range md.Get(requestMetadataKey) {
			var requestMetadata remoteexecution.RequestMetadata
			if err := proto.Unmarshal([]byte(value), &requestMetadata); err == nil {
				return &requestMetadata
			}
		}
	}
	return &remoteexecution.RequestMetadata{}
}

// digestFromRequest builds a digest.Digest from request fields,
// inferring the digest function from the hash length when the request
// leaves it unset.
func digestFromRequest(instanceName string, digestFunction remoteexecution.DigestFunction_Value, blobDigest *remoteexecution.Digest) (digest.Digest, error) {
	if blobDigest == nil {
		return digest.BadDigest, status.Error(codes.InvalidArgument, "No digest provided")
	}
	digestFunction, err := inferDigestFunction(digestFunction, blobDigest.GetHash())
	if err != nil {
		return digest.BadDigest, err
	}
	return digest.NewDigest(instanceName, digestFunction, blobDigest.GetHash(), blobDigest.GetSizeBytes())
}

// streamOperation forwards watcher observations to the client until a
// terminal state is reached.
func streamOperation(ctx context.Context, register func(observer func(op *longrunningpb.Operation)) (bool, error), send func(op *longrunningpb.Operation) error) error {
	updates := make(chan *longrunningpb.Operation, 16)
	done, err := register(func(op *longrunningpb.Operation) {
		select {
		case updates <- op:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case op := <-updates:
			if op == nil {
				// Terminal notification without a final
				// state: the watch expired.
				return status.Error(codes.Unavailable, "Operation watch expired")
			}
			if err := send(op); err != nil {
				return err
			}
			if op.GetDone() {
				return nil
			}
		}
	}
}

// Execute submits an action for execution and streams the operation's
// state transitions.
func (s *ExecutionServer) Execute(request *remoteexecution.ExecuteRequest, stream remoteexecution.Execution_ExecuteServer) error {
	ctx := stream.Context()
	actionDigest, err := digestFromRequest(request.InstanceName, request.DigestFunction, request.ActionDigest)
	if err != nil {
		return err
	}

	return streamOperation(ctx,
		func(observer func(op *longrunningpb.Operation)) (bool, error) {
			name, err := s.instance.Execute(
				ctx,
				actionDigest,
				request.SkipCacheLookup,
				request.GetExecutionPolicy().GetPriority(),
				request.GetResultsCachePolicy().GetPriority(),
				getRequestMetadata(ctx),
				observer)
			if err != nil {
				return false, err
			}
			// Send the initial state before any transition
			// arrives.
			metadata, err := operation.NewMetadata(
				remoteexecution.ExecutionStage_UNKNOWN,
				actionDigest.GetProto(),
				name+"/streams/stdout",
				name+"/streams/stderr")
			if err != nil {
				return false, err
			}
			return false, stream.Send(&longrunningpb.Operation{
				Name:     name,
				Metadata: metadata,
			})
		},
		stream.Send)
}

// WaitExecution reattaches to an existing operation.
func (s *ExecutionServer) WaitExecution(request *remoteexecution.WaitExecutionRequest, stream remoteexecution.Execution_WaitExecutionServer) error {
	ctx := stream.Context()
	return streamOperation(ctx,
		func(observer func(op *longrunningpb.Operation)) (bool, error) {
			current, err := s.instance.WatchOperation(ctx, request.Name, observer)
			if err != nil {
				return false, err
			}
			return current.GetDone(), stream.Send(current)
		},
		stream.Send)
}
