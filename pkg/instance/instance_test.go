package instance_test

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/internal/mock"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-storage/pkg/digest"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeWorker is an in-process worker serving the CAS and ByteStream
// surfaces the Instance fans out to. Tests observe how often it was
// consulted.
type fakeWorker struct {
	lock             sync.Mutex
	blobs            map[string][]byte
	claimsAll        bool
	findMissingErr   error
	findMissingCalls int
	reads            int
	written          []byte
}

func newFakeWorker(blobs ...[]byte) *fakeWorker {
	fw := &fakeWorker{blobs: map[string][]byte{}}
	for _, data := range blobs {
		fw.blobs[digestOfBlob(data).GetProto().GetHash()] = data
	}
	return fw
}

func digestOfBlob(data []byte) digest.Digest {
	generator := testDigestFunction.NewGenerator(int64(len(data)))
	generator.Write(data)
	return generator.Sum()
}

func (fw *fakeWorker) FindMissingBlobs(ctx context.Context, request *remoteexecution.FindMissingBlobsRequest) (*remoteexecution.FindMissingBlobsResponse, error) {
	fw.lock.Lock()
	defer fw.lock.Unlock()
	fw.findMissingCalls++
	if fw.findMissingErr != nil {
		return nil, fw.findMissingErr
	}
	response := &remoteexecution.FindMissingBlobsResponse{}
	if fw.claimsAll {
		return response, nil
	}
	for _, p := range request.BlobDigests {
		if _, ok := fw.blobs[p.GetHash()]; !ok {
			response.MissingBlobDigests = append(response.MissingBlobDigests, p)
		}
	}
	return response, nil
}

func (fw *fakeWorker) BatchUpdateBlobs(ctx context.Context, request *remoteexecution.BatchUpdateBlobsRequest) (*remoteexecution.BatchUpdateBlobsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "Not implemented by this worker")
}

func (fw *fakeWorker) BatchReadBlobs(ctx context.Context, request *remoteexecution.BatchReadBlobsRequest) (*remoteexecution.BatchReadBlobsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "Not implemented by this worker")
}

func (fw *fakeWorker) GetTree(request *remoteexecution.GetTreeRequest, stream remoteexecution.ContentAddressableStorage_GetTreeServer) error {
	return status.Error(codes.Unimplemented, "Not implemented by this worker")
}

func (fw *fakeWorker) Read(request *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	fw.lock.Lock()
	fw.reads++
	hash := strings.TrimPrefix(request.ResourceName, "blobs/")
	if i := strings.LastIndexByte(hash, '_'); i >= 0 {
		hash = hash[:i]
	}
	data, ok := fw.blobs[hash]
	fw.lock.Unlock()
	if !ok {
		return status.Errorf(codes.NotFound, "Blob %#v not found", request.ResourceName)
	}
	return stream.Send(&bytestream.ReadResponse{Data: data})
}

func (fw *fakeWorker) Write(stream bytestream.ByteStream_WriteServer) error {
	var written []byte
	for {
		request, err := stream.Recv()
		if err != nil {
			return err
		}
		written = append(written, request.Data...)
		if request.FinishWrite {
			break
		}
	}
	fw.lock.Lock()
	fw.written = written
	fw.lock.Unlock()
	return stream.SendAndClose(&bytestream.WriteResponse{
		CommittedSize: int64(len(written)),
	})
}

func (fw *fakeWorker) QueryWriteStatus(ctx context.Context, request *bytestream.QueryWriteStatusRequest) (*bytestream.QueryWriteStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "Not implemented by this worker")
}

// startWorker serves a fake worker on a loopback port and returns its
// name, the same host:port string that identifies it in the worker
// set.
func startWorker(t *testing.T, fw *fakeWorker) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcServer := grpc.NewServer()
	remoteexecution.RegisterContentAddressableStorageServer(grpcServer, fw)
	bytestream.RegisterByteStreamServer(grpcServer, fw)
	go grpcServer.Serve(listener)
	t.Cleanup(grpcServer.Stop)
	return listener.Addr().String()
}

// deadWorkerAddress returns an address with nothing listening behind
// it, so that calls fail with UNAVAILABLE.
func deadWorkerAddress(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())
	return address
}

func TestFindMissingBlobsNarrowsAcrossWorkers(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	blobA := []byte("blob a")
	blobB := []byte("blob b")
	blobC := []byte("blob c")
	worker1 := startWorker(t, newFakeWorker(blobA))
	worker2 := startWorker(t, newFakeWorker(blobB))

	backplane := mock.NewMockBackplane(ctrl)
	backplane.EXPECT().GetWorkers(ctx).Return([]string{worker1, worker2}, nil)
	inst := newTestInstance(t, backplane)

	// Each hop narrows the missing subset; only C is absent from
	// the whole farm.
	missing, err := inst.FindMissingBlobs(ctx, []digest.Digest{
		digestOfBlob(blobA),
		digestOfBlob(blobB),
		digestOfBlob(blobC),
	})
	require.NoError(t, err)
	require.Equal(t, []digest.Digest{digestOfBlob(blobC)}, missing)
}

func TestFindMissingBlobsRemovesBrokenWorkers(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	blobA := []byte("blob a")
	blobC := []byte("blob c")
	dead := deadWorkerAddress(t)
	unimplemented := newFakeWorker()
	unimplemented.findMissingErr = status.Error(codes.Unimplemented, "No CAS here")
	unimplementedAddress := startWorker(t, unimplemented)
	live := startWorker(t, newFakeWorker(blobA))

	backplane := mock.NewMockBackplane(ctrl)
	backplane.EXPECT().GetWorkers(ctx).Return([]string{dead, unimplementedAddress, live}, nil)
	// The unreachable and unimplemented workers are removed from
	// the worker set; the live one is kept. C stays missing, so
	// every worker is consulted regardless of shuffle order.
	backplane.EXPECT().RemoveWorker(ctx, dead).Return(nil)
	backplane.EXPECT().RemoveWorker(ctx, unimplementedAddress).Return(nil)
	inst := newTestInstance(t, backplane)

	missing, err := inst.FindMissingBlobs(ctx, []digest.Digest{
		digestOfBlob(blobA),
		digestOfBlob(blobC),
	})
	require.NoError(t, err)
	require.Equal(t, []digest.Digest{digestOfBlob(blobC)}, missing)
}

func TestReadBlobOnlyContactsCandidateIntersection(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	data := []byte("the blob contents")
	blobDigest := digestOfBlob(data)
	bystander := newFakeWorker(data)
	bystanderAddress := startWorker(t, bystander)
	holder := newFakeWorker(data)
	holderAddress := startWorker(t, holder)

	backplane := mock.NewMockBackplane(ctrl)
	backplane.EXPECT().GetWorkers(ctx).Return([]string{bystanderAddress, holderAddress}, nil)
	// The location set lists the holder and a worker that has left
	// the worker set; only the intersection is contacted.
	backplane.EXPECT().GetBlobLocations(ctx, blobDigest).Return([]string{holderAddress, "10.0.0.1:8981"}, nil)
	inst := newTestInstance(t, backplane)

	var b bytes.Buffer
	require.NoError(t, inst.ReadBlob(ctx, blobDigest, 0, 0, &b))
	require.Equal(t, data, b.Bytes())
	require.Zero(t, bystander.reads)
	require.Equal(t, 1, holder.reads)
}

func TestReadBlobRetriesOnceAfterCorrection(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	data := []byte("the blob contents")
	blobDigest := digestOfBlob(data)
	holder := newFakeWorker(data)
	holderAddress := startWorker(t, holder)

	backplane := mock.NewMockBackplane(ctrl)
	backplane.EXPECT().GetWorkers(ctx).Return([]string{holderAddress}, nil).AnyTimes()
	// The location set is empty at first. The correction pass
	// discovers the blob on the worker and repairs the index, and
	// the read is retried against the corrected locations.
	gomock.InOrder(
		backplane.EXPECT().GetBlobLocations(ctx, blobDigest).Return(nil, nil),
		backplane.EXPECT().AdjustBlobLocations(ctx, blobDigest, []string{holderAddress}, nil).Return(nil),
		backplane.EXPECT().GetBlobLocations(ctx, blobDigest).Return([]string{holderAddress}, nil),
	)
	inst := newTestInstance(t, backplane)

	var b bytes.Buffer
	require.NoError(t, inst.ReadBlob(ctx, blobDigest, 0, 0, &b))
	require.Equal(t, data, b.Bytes())
	require.Equal(t, 1, holder.findMissingCalls)
}

func TestReadBlobGivesUpAfterOneCorrection(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	data := []byte("the blob contents")
	blobDigest := digestOfBlob(data)
	// This worker claims to have every blob but cannot actually
	// serve it, the worst case for the correction pass.
	liar := newFakeWorker()
	liar.claimsAll = true
	liarAddress := startWorker(t, liar)

	backplane := mock.NewMockBackplane(ctrl)
	backplane.EXPECT().GetWorkers(ctx).Return([]string{liarAddress}, nil).AnyTimes()
	backplane.EXPECT().GetBlobLocations(ctx, blobDigest).Return(nil, nil)
	backplane.EXPECT().AdjustBlobLocations(ctx, blobDigest, []string{liarAddress}, nil).Return(nil)
	backplane.EXPECT().GetBlobLocations(ctx, blobDigest).Return([]string{liarAddress}, nil)
	// The failed read withdraws the stale location.
	backplane.EXPECT().AdjustBlobLocations(ctx, blobDigest, nil, []string{liarAddress}).Return(nil)
	inst := newTestInstance(t, backplane)

	var b bytes.Buffer
	err := inst.ReadBlob(ctx, blobDigest, 0, 0, &b)
	require.Equal(t, codes.NotFound, status.Code(err))
	// Exactly one correction pass runs before giving up.
	require.Equal(t, 1, liar.findMissingCalls)
}

func TestWriteBlobRecordsLocation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	data := []byte("uploaded contents")
	blobDigest := digestOfBlob(data)
	holder := newFakeWorker()
	holderAddress := startWorker(t, holder)

	backplane := mock.NewMockBackplane(ctrl)
	backplane.EXPECT().GetWorkers(ctx).Return([]string{holderAddress}, nil)
	backplane.EXPECT().AdjustBlobLocations(ctx, blobDigest, []string{holderAddress}, nil).Return(nil)
	inst := newTestInstance(t, backplane)

	require.NoError(t, inst.WriteBlob(ctx, blobDigest, data))
	require.Equal(t, data, holder.written)
}

func TestExecuteChecksAdmission(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	backplane := mock.NewMockBackplane(ctrl)
	backplane.EXPECT().CanPrequeue(ctx).Return(false)
	inst := newTestInstance(t, backplane)

	actionDigest := digest.MustNewDigest("main", remoteexecution.DigestFunction_SHA256, testActionHash, 42)
	_, err := inst.Execute(ctx, actionDigest, false, 0, 0, &remoteexecution.RequestMetadata{}, nil)
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestExecuteForcesSkipCacheLookupOnRetry(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	ctx := context.Background()

	backplane := mock.NewMockBackplane(ctrl)
	inst := newTestInstance(t, backplane)
	actionDigest := digest.MustNewDigest("main", remoteexecution.DigestFunction_SHA256, testActionHash, 42)
	requestMetadata := &remoteexecution.RequestMetadata{
		ToolInvocationId: "invocation-1",
	}

	backplane.EXPECT().CanPrequeue(ctx).Return(true).Times(2)
	var prequeued []*operation.ExecuteEntry
	backplane.EXPECT().Prequeue(ctx, gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, entry *operation.ExecuteEntry, op *longrunningpb.Operation) error {
			prequeued = append(prequeued, entry)
			return nil
		}).Times(2)

	// The first submission keeps the cache lookup enabled.
	name, err := inst.Execute(ctx, actionDigest, false, 0, 0, requestMetadata, nil)
	require.NoError(t, err)
	require.NotEmpty(t, name)
	require.Len(t, prequeued, 1)
	require.False(t, prequeued[0].SkipCacheLookup)

	// Once the request has been served from the action cache, a
	// retry with the same request metadata skips the lookup, so
	// that a cached failure is not replayed forever.
	inst.RecordCacheServed(requestMetadata, actionDigest)
	_, err = inst.Execute(ctx, actionDigest, false, 0, 0, requestMetadata, nil)
	require.NoError(t, err)
	require.Len(t, prequeued, 2)
	require.True(t, prequeued[1].SkipCacheLookup)
}
