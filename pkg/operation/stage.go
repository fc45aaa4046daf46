package operation

import (
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-storage/pkg/util"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"

	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
)

// GetStage extracts the execution stage from an operation's metadata.
// Operations without valid metadata are reported as being in the
// UNKNOWN stage.
func GetStage(operation *longrunningpb.Operation) remoteexecution.ExecutionStage_Value {
	metadata, err := GetMetadata(operation)
	if err != nil {
		return remoteexecution.ExecutionStage_UNKNOWN
	}
	return metadata.Stage
}

// GetMetadata unpacks the ExecuteOperationMetadata stored in an
// operation.
func GetMetadata(operation *longrunningpb.Operation) (*remoteexecution.ExecuteOperationMetadata, error) {
	var metadata remoteexecution.ExecuteOperationMetadata
	if err := operation.GetMetadata().UnmarshalTo(&metadata); err != nil {
		return nil, util.StatusWrap(err, "Failed to unpack execute operation metadata")
	}
	return &metadata, nil
}

// NewMetadata creates the metadata message that is attached to every
// operation published by this build farm.
func NewMetadata(stage remoteexecution.ExecutionStage_Value, actionDigest *remoteexecution.Digest, stdoutStreamName, stderrStreamName string) (*anypb.Any, error) {
	metadata, err := anypb.New(&remoteexecution.ExecuteOperationMetadata{
		Stage:            stage,
		ActionDigest:     actionDigest,
		StdoutStreamName: stdoutStreamName,
		StderrStreamName: stderrStreamName,
	})
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to marshal execute operation metadata")
	}
	return metadata, nil
}

// Strip returns a copy of an operation that only carries its name,
// done flag, metadata and error. Response payloads are removed, so
// that the resulting message is small enough to publish on the
// operation channel.
func Strip(operation *longrunningpb.Operation) *longrunningpb.Operation {
	stripped := &longrunningpb.Operation{
		Name:     operation.GetName(),
		Done:     operation.GetDone(),
		Metadata: operation.GetMetadata(),
	}
	if e, ok := operation.GetResult().(*longrunningpb.Operation_Error); ok {
		stripped.Result = &longrunningpb.Operation_Error{Error: e.Error}
	}
	return stripped
}

// NewErrorOperation creates a terminal operation for an execution that
// failed with the provided status. The metadata is set to the
// COMPLETED stage, so that watchers observe a monotonic sequence of
// stages ending in a terminal state.
func NewErrorOperation(name string, actionDigest *remoteexecution.Digest, s *status.Status) *longrunningpb.Operation {
	metadata, err := NewMetadata(remoteexecution.ExecutionStage_COMPLETED, actionDigest, "", "")
	if err != nil {
		// ExecuteOperationMetadata always marshals.
		panic(err)
	}
	return &longrunningpb.Operation{
		Name:     name,
		Done:     true,
		Metadata: metadata,
		Result: &longrunningpb.Operation_Error{
			Error: s.Proto(),
		},
	}
}

// NewCompletedOperation creates a terminal operation carrying an
// ExecuteResponse.
func NewCompletedOperation(name string, actionDigest *remoteexecution.Digest, response *remoteexecution.ExecuteResponse) (*longrunningpb.Operation, error) {
	metadata, err := NewMetadata(remoteexecution.ExecutionStage_COMPLETED, actionDigest, "", "")
	if err != nil {
		return nil, err
	}
	packedResponse, err := anypb.New(response)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to marshal execute response")
	}
	return &longrunningpb.Operation{
		Name:     name,
		Done:     true,
		Metadata: metadata,
		Result: &longrunningpb.Operation_Response{
			Response: packedResponse,
		},
	}, nil
}

// GetExecuteResponse unpacks the ExecuteResponse of a completed
// operation. It returns nil if the operation is not done, or if it
// carries an error instead of a response.
func GetExecuteResponse(operation *longrunningpb.Operation) (*remoteexecution.ExecuteResponse, error) {
	response, ok := operation.GetResult().(*longrunningpb.Operation_Response)
	if !ok {
		return nil, nil
	}
	var executeResponse remoteexecution.ExecuteResponse
	if err := response.Response.UnmarshalTo(&executeResponse); err != nil {
		return nil, util.StatusWrap(err, "Failed to unpack execute response")
	}
	return &executeResponse, nil
}

// GetError returns the error status of a terminal operation, or nil.
func GetError(operation *longrunningpb.Operation) *statuspb.Status {
	if e, ok := operation.GetResult().(*longrunningpb.Operation_Error); ok {
		return e.Error
	}
	return nil
}
