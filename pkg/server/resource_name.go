package server

import (
	"strconv"
	"strings"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-storage/pkg/digest"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ResourceNameKind distinguishes the grammars a ByteStream resource
// name can follow.
type ResourceNameKind int

// The resource name kinds supported by the farm.
const (
	ResourceNameBlob ResourceNameKind = iota
	ResourceNameUpload
	ResourceNameOperationStream
)

// ResourceName is a parsed ByteStream resource name.
type ResourceName struct {
	Kind ResourceNameKind

	// Set for blobs and uploads.
	Digest digest.Digest
	// Set for uploads.
	UploadID string
	// Set for operation streams.
	OperationName string
	StreamName    string
}

// inferDigestFunction resolves an unset digest function from the hash
// length, so that resource names do not need to carry it explicitly.
func inferDigestFunction(digestFunction remoteexecution.DigestFunction_Value, hash string) (remoteexecution.DigestFunction_Value, error) {
	if digestFunction != remoteexecution.DigestFunction_UNKNOWN {
		return digestFunction, nil
	}
	switch len(hash) {
	case 32:
		return remoteexecution.DigestFunction_MD5, nil
	case 40:
		return remoteexecution.DigestFunction_SHA1, nil
	case 64:
		return remoteexecution.DigestFunction_SHA256, nil
	case 128:
		return remoteexecution.DigestFunction_SHA512, nil
	}
	return remoteexecution.DigestFunction_UNKNOWN, status.Errorf(codes.InvalidArgument, "Unknown digest hash length: %d characters", len(hash))
}

func parseBlobSuffix(instanceName string, digestFunction remoteexecution.DigestFunction_Value, blob string) (digest.Digest, error) {
	i := strings.LastIndexByte(blob, '_')
	if i < 0 {
		return digest.BadDigest, status.Errorf(codes.InvalidArgument, "Blob name %#v does not follow the form \"<hash>_<size>\"", blob)
	}
	sizeBytes, err := strconv.ParseInt(blob[i+1:], 10, 64)
	if err != nil {
		return digest.BadDigest, status.Errorf(codes.InvalidArgument, "Blob name %#v has an invalid size", blob)
	}
	digestFunction, err = inferDigestFunction(digestFunction, blob[:i])
	if err != nil {
		return digest.BadDigest, err
	}
	blobDigest, err := digest.NewDigest(instanceName, digestFunction, blob[:i], sizeBytes)
	if err != nil {
		return digest.BadDigest, status.Errorf(codes.InvalidArgument, "Blob name %#v has an invalid hash: %s", blob, err)
	}
	return blobDigest, nil
}

// ParseResourceName parses a ByteStream resource name of any of the
// supported forms: "blobs/<hash>_<size>" for downloads,
// "uploads/<uuid>/blobs/<hash>_<size>" for uploads, and
// "<operation>/streams/{stdout,stderr}" for operation streams.
func ParseResourceName(name, instanceName string, digestFunction remoteexecution.DigestFunction_Value) (*ResourceName, error) {
	fields := strings.Split(name, "/")
	switch {
	case len(fields) == 2 && fields[0] == "blobs":
		blobDigest, err := parseBlobSuffix(instanceName, digestFunction, fields[1])
		if err != nil {
			return nil, err
		}
		return &ResourceName{
			Kind:   ResourceNameBlob,
			Digest: blobDigest,
		}, nil
	case len(fields) == 4 && fields[0] == "uploads" && fields[2] == "blobs":
		if fields[1] == "" {
			return nil, status.Errorf(codes.InvalidArgument, "Resource name %#v has an empty upload ID", name)
		}
		blobDigest, err := parseBlobSuffix(instanceName, digestFunction, fields[3])
		if err != nil {
			return nil, err
		}
		return &ResourceName{
			Kind:     ResourceNameUpload,
			Digest:   blobDigest,
			UploadID: fields[1],
		}, nil
	case len(fields) == 3 && fields[1] == "streams" &&
		(fields[2] == "stdout" || fields[2] == "stderr"):
		if fields[0] == "" {
			return nil, status.Errorf(codes.InvalidArgument, "Resource name %#v has an empty operation name", name)
		}
		return &ResourceName{
			Kind:          ResourceNameOperationStream,
			OperationName: fields[0],
			StreamName:    fields[2],
		}, nil
	}
	return nil, status.Errorf(codes.InvalidArgument, "Unsupported resource name %#v", name)
}
