package operation

import (
	"bufio"
	"bytes"
	"io"
	"math"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-storage/pkg/digest"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"
)

// QueuedOperation is the fully resolved execution envelope that the
// operation queuer uploads to the Content Addressable Storage. It
// bundles the action, its command and the complete list of input
// directories, so that workers can fetch everything needed to set up
// an execution with a single blob read.
type QueuedOperation struct {
	Action      *remoteexecution.Action
	Command     *remoteexecution.Command
	Directories []*remoteexecution.Directory
}

// Marshal serializes a queued operation as a sequence of
// length-delimited messages: the action, the command, and then one
// frame per directory until the end of the blob.
func (qo *QueuedOperation) Marshal() ([]byte, error) {
	if qo.Action == nil || qo.Command == nil {
		return nil, status.Error(codes.InvalidArgument, "Queued operation lacks an action or command")
	}
	var b bytes.Buffer
	if _, err := protodelim.MarshalTo(&b, qo.Action); err != nil {
		return nil, util.StatusWrap(err, "Failed to marshal action")
	}
	if _, err := protodelim.MarshalTo(&b, qo.Command); err != nil {
		return nil, util.StatusWrap(err, "Failed to marshal command")
	}
	for _, directory := range qo.Directories {
		if _, err := protodelim.MarshalTo(&b, directory); err != nil {
			return nil, util.StatusWrap(err, "Failed to marshal directory")
		}
	}
	return b.Bytes(), nil
}

// UnmarshalQueuedOperation parses the wire form produced by Marshal().
func UnmarshalQueuedOperation(data []byte) (*QueuedOperation, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	qo := &QueuedOperation{
		Action:  &remoteexecution.Action{},
		Command: &remoteexecution.Command{},
	}
	if err := protodelim.UnmarshalFrom(r, qo.Action); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to unmarshal action")
	}
	if err := protodelim.UnmarshalFrom(r, qo.Command); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to unmarshal command")
	}
	for {
		directory := &remoteexecution.Directory{}
		if err := protodelim.UnmarshalFrom(r, directory); err == io.EOF {
			break
		} else if err != nil {
			return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to unmarshal directory")
		}
		qo.Directories = append(qo.Directories, directory)
	}
	return qo, nil
}

// DirectoriesIndex maps directory digests to their contents, keyed by
// the digest's key without instance name. It is how workers look up
// the subdirectories referenced by an input root.
type DirectoriesIndex map[string]*remoteexecution.Directory

// NewDirectoriesIndex indexes the directory list of a queued operation
// by digest, so that input roots can be walked without refetching.
func NewDirectoriesIndex(directories []*remoteexecution.Directory, digestFunction digest.Function) (DirectoriesIndex, error) {
	index := DirectoriesIndex{}
	for _, directory := range directories {
		directoryDigest, err := DigestForMessage(digestFunction, directory)
		if err != nil {
			return nil, util.StatusWrap(err, "Failed to compute directory digest")
		}
		index[directoryDigest.GetKey(digest.KeyWithoutInstance)] = directory
	}
	return index, nil
}

// MarshalDirectoryList serializes a flattened directory list as a
// sequence of length-delimited messages, the same framing used for
// queued operations.
func MarshalDirectoryList(directories []*remoteexecution.Directory) ([]byte, error) {
	var b bytes.Buffer
	for _, directory := range directories {
		if _, err := protodelim.MarshalTo(&b, directory); err != nil {
			return nil, util.StatusWrap(err, "Failed to marshal directory")
		}
	}
	return b.Bytes(), nil
}

// UnmarshalDirectoryList parses the wire form produced by
// MarshalDirectoryList().
func UnmarshalDirectoryList(data []byte) ([]*remoteexecution.Directory, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	var directories []*remoteexecution.Directory
	for {
		directory := &remoteexecution.Directory{}
		if err := protodelim.UnmarshalFrom(r, directory); err == io.EOF {
			break
		} else if err != nil {
			return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to unmarshal directory")
		}
		directories = append(directories, directory)
	}
	return directories, nil
}

// DigestForMessage computes the digest of a message's serialized form
// within the provided digest function.
func DigestForMessage(digestFunction digest.Function, m proto.Message) (digest.Digest, error) {
	data, err := proto.Marshal(m)
	if err != nil {
		return digest.BadDigest, util.StatusWrap(err, "Failed to marshal message")
	}
	generator := digestFunction.NewGenerator(math.MaxInt64)
	generator.Write(data)
	return generator.Sum(), nil
}

// Lookup returns the directory with the provided digest.
func (di DirectoriesIndex) Lookup(directoryDigest digest.Digest) (*remoteexecution.Directory, bool) {
	directory, ok := di[directoryDigest.GetKey(digest.KeyWithoutInstance)]
	return directory, ok
}
