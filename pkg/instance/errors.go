package instance

import (
	"fmt"

	"github.com/buildbarn/bb-storage/pkg/digest"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MissingBlobStatus builds the FAILED_PRECONDITION status that
// terminates an operation whose action, command, directory or input
// file is absent from the Content Addressable Storage. The violation
// subject names the missing blob, so that clients know what to upload.
func MissingBlobStatus(blobDigests ...digest.Digest) *status.Status {
	violations := make([]*errdetails.PreconditionFailure_Violation, 0, len(blobDigests))
	for _, blobDigest := range blobDigests {
		p := blobDigest.GetProto()
		violations = append(violations, &errdetails.PreconditionFailure_Violation{
			Type:    "MISSING",
			Subject: fmt.Sprintf("blobs/%s_%d", p.GetHash(), p.GetSizeBytes()),
		})
	}
	s, err := status.New(codes.FailedPrecondition, "Missing input").WithDetails(
		&errdetails.PreconditionFailure{
			Violations: violations,
		})
	if err != nil {
		return status.New(codes.FailedPrecondition, "Missing input")
	}
	return s
}
