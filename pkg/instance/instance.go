package instance

import (
	"context"
	"io"
	"log"
	"math/rand"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/backplane"
	"github.com/buildbarn/bb-build-farm/pkg/cas"
	"github.com/buildbarn/bb-build-farm/pkg/grpcutil"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-build-farm/pkg/watcher"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/digest"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/google/uuid"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"

	"golang.org/x/sync/errgroup"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

// maxRequeueAttempts bounds how often a dispatched operation may be
// requeued before it is terminated with an error.
const maxRequeueAttempts = 5

// Instance is the front-facing scheduler of one shard. It validates
// and prequeues execute requests, watches operations on behalf of
// clients, and fans blob reads and existence checks out over the
// worker set.
type Instance struct {
	backplane    backplane.Backplane
	hub          *watcher.Hub
	clock        clock.Clock
	pool         *grpcutil.ConnectionPool
	instanceName string
	recent       *RecentExecutionsCache
}

// NewInstance creates an instance on top of a started backplane.
func NewInstance(bp backplane.Backplane, hub *watcher.Hub, clk clock.Clock, pool *grpcutil.ConnectionPool, instanceName string, recent *RecentExecutionsCache) *Instance {
	return &Instance{
		backplane:    bp,
		hub:          hub,
		clock:        clk,
		pool:         pool,
		instanceName: instanceName,
		recent:       recent,
	}
}

// Execute creates an operation for an action, pushes it onto the
// prequeue and registers the observer for its state transitions. The
// operation name is returned. Retries of a request whose cached result
// was recently served are forced to skip the cache lookup, so that a
// client retrying a cached failure makes forward progress.
func (i *Instance) Execute(ctx context.Context, actionDigest digest.Digest, skipCacheLookup bool, executionPriority, resultsCachePriority int32, requestMetadata *remoteexecution.RequestMetadata, observer watcher.Observer) (string, error) {
	if !i.backplane.CanPrequeue(ctx) {
		return "", status.Error(codes.Unavailable, "Too many operations are waiting to be queued")
	}

	name := uuid.Must(uuid.NewRandom()).String()
	if !skipCacheLookup && i.recent.WasRecentlyServed(requestMetadata, actionDigest) {
		skipCacheLookup = true
	}

	metadata, err := operation.NewMetadata(
		remoteexecution.ExecutionStage_UNKNOWN,
		actionDigest.GetProto(),
		name+"/streams/stdout",
		name+"/streams/stderr")
	if err != nil {
		return "", err
	}
	op := &longrunningpb.Operation{
		Name:     name,
		Metadata: metadata,
	}
	entry := &operation.ExecuteEntry{
		OperationName:        name,
		InstanceName:         i.instanceName,
		DigestFunction:       actionDigest.GetDigestFunction().GetEnumValue(),
		ActionDigest:         operation.NewStoredDigest(actionDigest.GetProto()),
		SkipCacheLookup:      skipCacheLookup,
		ExecutionPriority:    executionPriority,
		ResultsCachePriority: resultsCachePriority,
		RequestMetadata:      operation.NewRequestMetadata(requestMetadata),
		StdoutStreamName:     name + "/streams/stdout",
		StderrStreamName:     name + "/streams/stderr",
		QueuedTimestamp:      i.clock.Now().UnixMilli(),
	}

	if observer != nil {
		if _, err := i.hub.Watch(i.backplane.OperationChannel(name), observer); err != nil {
			return "", util.StatusWrap(err, "Failed to watch operation")
		}
	}
	if err := i.backplane.Prequeue(ctx, entry, op); err != nil {
		return "", util.StatusWrap(err, "Failed to prequeue operation")
	}
	return name, nil
}

// WatchOperation returns the current state of an operation. A done
// operation is returned as stored, including its response, and no
// observer is registered; otherwise the stripped state is returned and
// the observer is registered for subsequent transitions.
func (i *Instance) WatchOperation(ctx context.Context, name string, observer watcher.Observer) (*longrunningpb.Operation, error) {
	op, err := i.backplane.GetOperation(ctx, name)
	if err != nil {
		return nil, err
	}
	stripped := operation.Strip(op)
	if op.GetDone() {
		return op, nil
	}
	if observer != nil {
		if _, err := i.hub.Watch(i.backplane.OperationChannel(name), observer); err != nil {
			return nil, util.StatusWrap(err, "Failed to watch operation")
		}
	}
	return stripped, nil
}

// GetOperation returns the stored operation, including its response.
func (i *Instance) GetOperation(ctx context.Context, name string) (*longrunningpb.Operation, error) {
	return i.backplane.GetOperation(ctx, name)
}

// RecordCacheServed notes that an execute request was answered from
// the action cache, so that retries of the same request skip the
// lookup.
func (i *Instance) RecordCacheServed(requestMetadata *remoteexecution.RequestMetadata, actionDigest digest.Digest) {
	i.recent.RecordCacheServed(requestMetadata, actionDigest)
}

// FindMissingBlobs determines which of the provided digests are absent
// from the entire farm. Workers are visited in random order; each hop
// narrows the still-missing subset, short-circuiting once it is empty.
func (i *Instance) FindMissingBlobs(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	workers, err := i.backplane.GetWorkers(ctx)
	if err != nil {
		return nil, err
	}
	rand.Shuffle(len(workers), func(a, b int) {
		workers[a], workers[b] = workers[b], workers[a]
	})

	missing := digests
	var hops []string
	for idx := 0; idx < len(workers) && len(missing) > 0; idx++ {
		worker := workers[idx]
		stillMissing, err := i.findMissingBlobsOnWorker(ctx, worker, missing)
		if err != nil {
			switch status.Code(err) {
			case codes.Unavailable, codes.Unimplemented:
				i.removeWorker(ctx, worker)
				continue
			case codes.DeadlineExceeded, codes.Canceled:
				return nil, util.StatusWrapf(err, "Failed to find missing blobs after querying %v", hops)
			default:
				// Transient failure: revisit the worker
				// after the others.
				workers = append(workers, worker)
				continue
			}
		}
		hops = append(hops, worker)
		missing = stillMissing
	}
	return missing, nil
}

func (i *Instance) findMissingBlobsOnWorker(ctx context.Context, worker string, digests []digest.Digest) ([]digest.Digest, error) {
	conn, err := i.pool.Get(worker)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "Failed to connect to worker %#v: %s", worker, err)
	}
	client := remoteexecution.NewContentAddressableStorageClient(conn)
	request := &remoteexecution.FindMissingBlobsRequest{
		InstanceName: i.instanceName,
	}
	byProto := map[string]digest.Digest{}
	for _, blobDigest := range digests {
		p := blobDigest.GetProto()
		request.BlobDigests = append(request.BlobDigests, p)
		byProto[p.GetHash()] = blobDigest
	}
	response, err := client.FindMissingBlobs(ctx, request)
	if err != nil {
		return nil, err
	}
	var missing []digest.Digest
	for _, p := range response.MissingBlobDigests {
		if blobDigest, ok := byProto[p.GetHash()]; ok {
			missing = append(missing, blobDigest)
		}
	}
	return missing, nil
}

func (i *Instance) removeWorker(ctx context.Context, worker string) {
	log.Printf("Removing unreachable worker %#v", worker)
	if err := i.backplane.RemoveWorker(ctx, worker); err != nil {
		log.Printf("Failed to remove worker %#v: %s", worker, err)
	}
	i.pool.Remove(worker)
}

// ReadBlob streams a blob to the writer, starting at offset and
// limited to limit bytes when limit is positive. Candidate workers are
// the intersection of the worker set and the blob's location set; if
// the first full pass yields NOT_FOUND, one correction pass polls
// every worker for the truth and the read is retried once.
func (i *Instance) ReadBlob(ctx context.Context, blobDigest digest.Digest, offset, limit int64, w io.Writer) error {
	if offset > blobDigest.GetSizeBytes() {
		return status.Errorf(codes.OutOfRange, "Offset %d is past the end of blob of %d bytes", offset, blobDigest.GetSizeBytes())
	}
	corrected := false
	for {
		workers, err := i.backplane.GetWorkers(ctx)
		if err != nil {
			return err
		}
		locations, err := i.backplane.GetBlobLocations(ctx, blobDigest)
		if err != nil {
			return err
		}
		candidates := intersect(workers, locations)
		if len(candidates) > 0 {
			err := i.readBlobFromCandidates(ctx, blobDigest, offset, limit, w, candidates)
			if err == nil || status.Code(err) != codes.NotFound {
				return err
			}
		}
		if corrected {
			return status.Errorf(codes.NotFound, "Blob %#v is not present on any worker", blobDigest.String())
		}
		// The location index may be stale in both directions.
		// Poll every worker once, repair the index and retry.
		found, err := i.correctMissingBlob(ctx, blobDigest)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return status.Errorf(codes.NotFound, "Blob %#v is not present on any worker", blobDigest.String())
		}
		corrected = true
	}
}

func (i *Instance) readBlobFromCandidates(ctx context.Context, blobDigest digest.Digest, offset, limit int64, w io.Writer, candidates []string) error {
	rand.Shuffle(len(candidates), func(a, b int) {
		candidates[a], candidates[b] = candidates[b], candidates[a]
	})
	resourceName := cas.BlobResourceName(blobDigest)
	for idx := 0; idx < len(candidates); idx++ {
		worker := candidates[idx]
		conn, err := i.pool.Get(worker)
		if err != nil {
			i.removeWorker(ctx, worker)
			continue
		}
		stream, err := bytestream.NewByteStreamClient(conn).Read(ctx, &bytestream.ReadRequest{
			ResourceName: resourceName,
			ReadOffset:   offset,
			ReadLimit:    limit,
		})
		if err != nil {
			continue
		}
		written := int64(0)
		for {
			chunk, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				switch status.Code(err) {
				case codes.NotFound:
					log.Printf("Worker %#v no longer has blob %#v", worker, blobDigest.String())
					i.backplane.AdjustBlobLocations(ctx, blobDigest, nil, []string{worker})
				case codes.Unavailable:
					i.removeWorker(ctx, worker)
				default:
					candidates = append(candidates, worker)
				}
				if written > 0 {
					return util.StatusWrapf(err, "Transfer of blob %#v was interrupted", blobDigest.String())
				}
				break
			}
			if _, err := w.Write(chunk.Data); err != nil {
				return util.StatusWrapWithCode(err, codes.Internal, "Failed to write blob contents")
			}
			written += int64(len(chunk.Data))
		}
	}
	return status.Errorf(codes.NotFound, "Blob %#v was not served by any candidate worker", blobDigest.String())
}

// correctMissingBlob polls every worker for a blob in parallel and
// overwrites the backplane's location set with the observed truth. It
// returns the workers that have the blob.
func (i *Instance) correctMissingBlob(ctx context.Context, blobDigest digest.Digest) ([]string, error) {
	workers, err := i.backplane.GetWorkers(ctx)
	if err != nil {
		return nil, err
	}
	found := make([]bool, len(workers))
	group, groupCtx := errgroup.WithContext(ctx)
	for idx, worker := range workers {
		idx, worker := idx, worker
		group.Go(func() error {
			missing, err := i.findMissingBlobsOnWorker(groupCtx, worker, []digest.Digest{blobDigest})
			if err != nil {
				return nil
			}
			found[idx] = len(missing) == 0
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	var add, remove []string
	for idx, worker := range workers {
		if found[idx] {
			add = append(add, worker)
		} else {
			remove = append(remove, worker)
		}
	}
	if err := i.backplane.AdjustBlobLocations(ctx, blobDigest, add, remove); err != nil {
		return nil, err
	}
	return add, nil
}

// WriteBlob stores a blob on some worker and records its location.
func (i *Instance) WriteBlob(ctx context.Context, blobDigest digest.Digest, data []byte) error {
	workers, err := i.backplane.GetWorkers(ctx)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		return status.Error(codes.Unavailable, "No workers are available to store the blob")
	}
	rand.Shuffle(len(workers), func(a, b int) {
		workers[a], workers[b] = workers[b], workers[a]
	})

	resourceName := cas.UploadResourceName(uuid.Must(uuid.NewRandom()).String(), blobDigest)
	var lastErr error
	for _, worker := range workers {
		conn, err := i.pool.Get(worker)
		if err != nil {
			lastErr = err
			continue
		}
		if err := writeBlobToWorker(ctx, conn, resourceName, data); err != nil {
			if status.Code(err) == codes.Unavailable {
				i.removeWorker(ctx, worker)
			}
			lastErr = err
			continue
		}
		return i.backplane.AdjustBlobLocations(ctx, blobDigest, []string{worker}, nil)
	}
	return util.StatusWrapWithCode(lastErr, codes.Unavailable, "Failed to store blob on any worker")
}

const writeChunkSizeBytes = 64 * 1024

func writeBlobToWorker(ctx context.Context, conn grpc.ClientConnInterface, resourceName string, data []byte) error {
	stream, err := bytestream.NewByteStreamClient(conn).Write(ctx)
	if err != nil {
		return err
	}
	writeOffset := int64(0)
	for {
		chunk := data
		if int64(len(chunk)) > writeChunkSizeBytes {
			chunk = chunk[:writeChunkSizeBytes]
		}
		data = data[len(chunk):]
		request := &bytestream.WriteRequest{
			WriteOffset: writeOffset,
			Data:        chunk,
			FinishWrite: len(data) == 0,
		}
		if writeOffset == 0 {
			request.ResourceName = resourceName
		}
		if err := stream.Send(request); err != nil {
			stream.CloseAndRecv()
			return err
		}
		writeOffset += int64(len(chunk))
		if len(data) == 0 {
			break
		}
	}
	response, err := stream.CloseAndRecv()
	if err != nil {
		return err
	}
	if response.CommittedSize != writeOffset {
		return status.Errorf(codes.Internal, "Worker committed %d bytes, while %d were written", response.CommittedSize, writeOffset)
	}
	return nil
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// RunExpirationSweeps periodically publishes "expire" messages on
// channels that have watchers with passed deadlines.
func (i *Instance) RunExpirationSweeps(ctx context.Context, interval time.Duration) {
	for {
		timer, timerChannel := i.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timerChannel:
		}
		for _, channel := range i.hub.ExpiredWatchedOperationChannels(i.clock.Now()) {
			if err := i.backplane.PublishExpire(ctx, channel); err != nil {
				log.Printf("Failed to publish expiration on %#v: %s", channel, err)
			}
		}
	}
}

// RunSubscriptionRepair re-resolves the state of every watched
// operation from the operations hash after the pub/sub connection was
// reestablished, so that transitions missed during the outage are not
// lost.
func (i *Instance) RunSubscriptionRepair(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.backplane.Reconnected():
		}
		for _, channel := range i.hub.WatchedChannels() {
			name, ok := i.backplane.OperationNameFromChannel(channel)
			if !ok {
				continue
			}
			op, err := i.backplane.GetOperation(ctx, name)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					i.hub.OnMessage(channel, watcher.ExpirePayload)
				}
				continue
			}
			payload, err := protojson.Marshal(operation.Strip(op))
			if err != nil {
				continue
			}
			i.hub.OnMessage(channel, string(payload))
		}
	}
}

// RequeueOperation returns a timed-out dispatched operation to the
// ready queue, bypassing the prequeue transform. Operations whose
// results have appeared in the action cache are completed instead, and
// operations that keep failing to requeue are terminated.
func (i *Instance) RequeueOperation(ctx context.Context, dispatched *operation.DispatchedOperation) error {
	name := dispatched.Name
	entry := &dispatched.QueueEntry
	executeEntry := &entry.ExecuteEntry

	op, err := i.backplane.GetOperation(ctx, name)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// The operation is gone; drop the claim.
			return i.backplane.CompleteOperation(ctx, name)
		}
		return err
	}
	if op.GetDone() {
		return i.backplane.CompleteOperation(ctx, name)
	}

	actionDigest, err := executeEntry.ActionDigestValue()
	if err != nil {
		return err
	}

	if !executeEntry.SkipCacheLookup {
		if result, err := i.backplane.GetActionResult(ctx, actionDigest); err == nil {
			completed, err := operation.NewCompletedOperation(name, actionDigest.GetProto(), &remoteexecution.ExecuteResponse{
				Result:       result,
				CachedResult: true,
			})
			if err != nil {
				return err
			}
			if err := i.backplane.PutOperation(ctx, completed); err != nil {
				return err
			}
			return i.backplane.CompleteOperation(ctx, name)
		}
	}

	attempt := dispatched.Attempt + 1
	if attempt > maxRequeueAttempts {
		return i.failOperation(ctx, name, actionDigest,
			status.Newf(codes.Internal, "Operation was requeued %d times without completing", dispatched.Attempt))
	}

	// The queued operation blob must still exist for a worker to
	// pick the entry back up.
	queuedOperationDigest, err := entry.QueuedOperationDigestValue()
	if err != nil {
		return err
	}
	missing, err := i.FindMissingBlobs(ctx, []digest.Digest{queuedOperationDigest})
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return i.failOperation(ctx, name, actionDigest, MissingBlobStatus(queuedOperationDigest))
	}

	metadata, err := operation.NewMetadata(
		remoteexecution.ExecutionStage_QUEUED,
		actionDigest.GetProto(),
		executeEntry.StdoutStreamName,
		executeEntry.StderrStreamName)
	if err != nil {
		return err
	}
	if err := i.backplane.RequeueDispatchedOperation(ctx, entry, attempt); err != nil {
		return err
	}
	return i.backplane.PutOperation(ctx, &longrunningpb.Operation{
		Name:     name,
		Metadata: metadata,
	})
}

func (i *Instance) failOperation(ctx context.Context, name string, actionDigest digest.Digest, s *status.Status) error {
	errorOperation := operation.NewErrorOperation(name, actionDigest.GetProto(), s)
	if err := i.backplane.PutOperation(ctx, errorOperation); err != nil {
		return err
	}
	return i.backplane.CompleteOperation(ctx, name)
}
