package instance

import (
	"bytes"
	"context"
	"log"
	"sync"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/backplane"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-build-farm/pkg/worker"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/digest"
	"github.com/buildbarn/bb-storage/pkg/util"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

var (
	operationQueuerPrometheusMetrics sync.Once

	operationQueuerStepDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buildfarm",
			Subsystem: "instance",
			Name:      "operation_queuer_step_duration_seconds",
			Help:      "Time spent in each step of promoting an execute entry to the ready queue.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"step"})
	operationQueuerOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildfarm",
			Subsystem: "instance",
			Name:      "operation_queuer_outcomes_total",
			Help:      "Number of execute entries leaving the operation queuer, by outcome.",
		},
		[]string{"outcome"})
)

const (
	// transformConcurrency caps the number of execute entries being
	// promoted at the same time.
	transformConcurrency = 256
	// queueingKeepAlivePeriod is how often the queueing heartbeat
	// republishes the operation while it is being transformed.
	queueingKeepAlivePeriod = 5 * time.Second
	// cacheCheckDeadline bounds the action cache lookup.
	cacheCheckDeadline = 60 * time.Second
)

// OperationQueuer promotes execute entries from the prequeue to the
// ready queue: it performs the cache check, resolves the action into a
// self-contained QueuedOperation, validates it, uploads it to the
// Content Addressable Storage and enqueues the resulting queue entry.
type OperationQueuer struct {
	backplane      backplane.Backplane
	instance       *Instance
	clock          clock.Clock
	transforms     *semaphore.Weighted
	directoryCache *lru.Cache
}

// NewOperationQueuer creates an operation queuer. directoryCacheSize
// bounds the in-memory cache of directory messages used while walking
// input trees.
func NewOperationQueuer(bp backplane.Backplane, inst *Instance, clk clock.Clock, directoryCacheSize int) (*OperationQueuer, error) {
	operationQueuerPrometheusMetrics.Do(func() {
		prometheus.MustRegister(operationQueuerStepDurationSeconds)
		prometheus.MustRegister(operationQueuerOutcomesTotal)
	})

	directoryCache, err := lru.New(directoryCacheSize)
	if err != nil {
		return nil, err
	}
	return &OperationQueuer{
		backplane:      bp,
		instance:       inst,
		clock:          clk,
		transforms:     semaphore.NewWeighted(transformConcurrency),
		directoryCache: directoryCache,
	}, nil
}

// Run pulls execute entries from the prequeue until the context is
// cancelled. Every entry is transformed asynchronously, bounded by the
// concurrency cap.
func (oq *OperationQueuer) Run(ctx context.Context) {
	for ctx.Err() == nil {
		entry, err := oq.backplane.DeprequeueOperation(ctx)
		if err != nil {
			log.Print("Failed to deprequeue operation: ", err)
			oq.sleep(ctx, 100*time.Millisecond)
			continue
		}
		if entry == nil {
			continue
		}

		start := oq.clock.Now()
		for !oq.backplane.CanQueue(ctx) {
			if ctx.Err() != nil {
				return
			}
			oq.sleep(ctx, 100*time.Millisecond)
		}
		operationQueuerStepDurationSeconds.WithLabelValues("can_queue").Observe(oq.clock.Now().Sub(start).Seconds())

		if err := oq.transforms.Acquire(ctx, 1); err != nil {
			return
		}
		go func(entry *operation.ExecuteEntry) {
			defer oq.transforms.Release(1)
			oq.transform(ctx, entry)
		}(entry)
	}
}

func (oq *OperationQueuer) sleep(ctx context.Context, d time.Duration) {
	timer, timerChannel := oq.clock.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
	case <-timerChannel:
	}
}

// transform promotes one execute entry. A keep-alive poller extends
// the watchers' deadlines for as long as the transform runs.
func (oq *OperationQueuer) transform(ctx context.Context, entry *operation.ExecuteEntry) {
	name := entry.OperationName
	transformCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	keepAlive := worker.StartPoller(
		oq.clock,
		queueingKeepAlivePeriod,
		time.Time{},
		func(ctx context.Context) bool {
			return oq.backplane.Queueing(ctx, name) == nil
		},
		cancel,
		nil)
	defer keepAlive.Pause()

	outcome := oq.transformEntry(transformCtx, entry)
	operationQueuerOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (oq *OperationQueuer) transformEntry(ctx context.Context, entry *operation.ExecuteEntry) string {
	name := entry.OperationName
	actionDigest, err := entry.ActionDigestValue()
	if err != nil {
		oq.failOperation(ctx, entry, status.Convert(util.StatusWrapWithCode(err, codes.InvalidArgument, "Invalid action digest")))
		return "invalid"
	}
	digestFunction := actionDigest.GetDigestFunction()

	// Cache check.
	if !entry.SkipCacheLookup {
		start := oq.clock.Now()
		hit, err := oq.checkActionCache(ctx, entry, actionDigest)
		operationQueuerStepDurationSeconds.WithLabelValues("cache_check").Observe(oq.clock.Now().Sub(start).Seconds())
		if err != nil {
			log.Printf("Failed to check action cache for operation %#v: %s", name, err)
		} else if hit {
			return "cache_hit"
		}
	}

	// Fetch the action.
	start := oq.clock.Now()
	action := &remoteexecution.Action{}
	if err := oq.fetchMessage(ctx, actionDigest, action); err != nil {
		oq.failFetch(ctx, entry, actionDigest, err)
		return "missing_action"
	}

	commandDigest, err := digestFunction.NewDigestFromProto(action.CommandDigest)
	if err != nil {
		oq.failOperation(ctx, entry, status.Convert(util.StatusWrapWithCode(err, codes.InvalidArgument, "Invalid command digest")))
		return "invalid"
	}
	inputRootDigest, err := digestFunction.NewDigestFromProto(action.InputRootDigest)
	if err != nil {
		oq.failOperation(ctx, entry, status.Convert(util.StatusWrapWithCode(err, codes.InvalidArgument, "Invalid input root digest")))
		return "invalid"
	}
	operationQueuerStepDurationSeconds.WithLabelValues("fetch_action").Observe(oq.clock.Now().Sub(start).Seconds())

	// Fetch the input tree through the directory cache.
	start = oq.clock.Now()
	directories, err := oq.fetchTree(ctx, inputRootDigest)
	if err != nil {
		oq.failFetch(ctx, entry, inputRootDigest, err)
		return "missing_tree"
	}
	operationQueuerStepDurationSeconds.WithLabelValues("fetch_tree").Observe(oq.clock.Now().Sub(start).Seconds())

	// Fetch the command.
	start = oq.clock.Now()
	command := &remoteexecution.Command{}
	if err := oq.fetchMessage(ctx, commandDigest, command); err != nil {
		oq.failFetch(ctx, entry, commandDigest, err)
		return "missing_command"
	}
	operationQueuerStepDurationSeconds.WithLabelValues("fetch_command").Observe(oq.clock.Now().Sub(start).Seconds())

	// Build and validate the queued operation.
	start = oq.clock.Now()
	queuedOperation := &operation.QueuedOperation{
		Action:      action,
		Command:     command,
		Directories: directories,
	}
	if s := ValidateQueuedOperation(queuedOperation, digestFunction); s != nil {
		oq.failOperation(ctx, entry, s)
		return "invalid"
	}
	operationQueuerStepDurationSeconds.WithLabelValues("validate").Observe(oq.clock.Now().Sub(start).Seconds())

	// Upload the queued operation as a single blob.
	start = oq.clock.Now()
	queuedOperationData, err := queuedOperation.Marshal()
	if err != nil {
		oq.failOperation(ctx, entry, status.Convert(err))
		return "invalid"
	}
	generator := digestFunction.NewGenerator(int64(len(queuedOperationData)))
	generator.Write(queuedOperationData)
	queuedOperationDigest := generator.Sum()
	if err := oq.instance.WriteBlob(ctx, queuedOperationDigest, queuedOperationData); err != nil {
		log.Printf("Failed to upload queued operation for %#v: %s", name, err)
		oq.failOperation(ctx, entry, status.New(codes.Unavailable, "Failed to upload queued operation"))
		return "upload_failed"
	}
	operationQueuerStepDurationSeconds.WithLabelValues("upload").Observe(oq.clock.Now().Sub(start).Seconds())

	// Queue.
	start = oq.clock.Now()
	platform := command.Platform
	if platform == nil {
		platform = action.Platform
	}
	queueEntry := &operation.QueueEntry{
		ExecuteEntry:          *entry,
		QueuedOperationDigest: operation.NewStoredDigest(queuedOperationDigest.GetProto()),
		Platform:              operation.NewPlatformProperties(platform),
	}
	metadata, err := operation.NewMetadata(
		remoteexecution.ExecutionStage_QUEUED,
		actionDigest.GetProto(),
		entry.StdoutStreamName,
		entry.StderrStreamName)
	if err != nil {
		oq.failOperation(ctx, entry, status.Convert(err))
		return "invalid"
	}
	if err := oq.backplane.Queue(ctx, queueEntry, &longrunningpb.Operation{
		Name:     name,
		Metadata: metadata,
	}); err != nil {
		log.Printf("Failed to queue operation %#v: %s", name, err)
		return "queue_failed"
	}
	operationQueuerStepDurationSeconds.WithLabelValues("queue").Observe(oq.clock.Now().Sub(start).Seconds())
	return "queued"
}

// checkActionCache serves the operation from the action cache if a
// result is present. It publishes the CACHE_CHECK stage transition
// while the lookup runs.
func (oq *OperationQueuer) checkActionCache(ctx context.Context, entry *operation.ExecuteEntry, actionDigest digest.Digest) (bool, error) {
	ctx, cancel := oq.clock.NewContextWithTimeout(ctx, cacheCheckDeadline)
	defer cancel()

	name := entry.OperationName
	metadata, err := operation.NewMetadata(
		remoteexecution.ExecutionStage_CACHE_CHECK,
		actionDigest.GetProto(),
		entry.StdoutStreamName,
		entry.StderrStreamName)
	if err != nil {
		return false, err
	}
	if err := oq.backplane.PutOperation(ctx, &longrunningpb.Operation{
		Name:     name,
		Metadata: metadata,
	}); err != nil {
		return false, err
	}

	result, err := oq.backplane.GetActionResult(ctx, actionDigest)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, err
	}

	completed, err := operation.NewCompletedOperation(name, actionDigest.GetProto(), &remoteexecution.ExecuteResponse{
		Result:       result,
		CachedResult: true,
	})
	if err != nil {
		return false, err
	}
	if err := oq.backplane.PutOperation(ctx, completed); err != nil {
		return false, err
	}
	requestMetadata := &remoteexecution.RequestMetadata{
		ToolInvocationId: entry.RequestMetadata.ToolInvocationID,
	}
	oq.instance.RecordCacheServed(requestMetadata, actionDigest)
	return true, nil
}

// fetchMessage reads a blob from the farm and unmarshals it.
func (oq *OperationQueuer) fetchMessage(ctx context.Context, blobDigest digest.Digest, m proto.Message) error {
	var b bytes.Buffer
	if err := oq.instance.ReadBlob(ctx, blobDigest, 0, 0, &b); err != nil {
		return err
	}
	if err := proto.Unmarshal(b.Bytes(), m); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to unmarshal message")
	}
	return nil
}

// fetchTree resolves the transitive closure of an input root,
// consulting the backplane's tree cache first so that re-executions
// avoid the recursive walk.
func (oq *OperationQueuer) fetchTree(ctx context.Context, rootDigest digest.Digest) ([]*remoteexecution.Directory, error) {
	if directories, err := oq.backplane.GetTree(ctx, rootDigest); err == nil {
		return directories, nil
	}

	digestFunction := rootDigest.GetDigestFunction()
	var directories []*remoteexecution.Directory
	seen := map[string]struct{}{}
	queue := []digest.Digest{rootDigest}
	for len(queue) > 0 {
		directoryDigest := queue[0]
		queue = queue[1:]
		key := directoryDigest.GetKey(digest.KeyWithoutInstance)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		directory, err := oq.fetchDirectory(ctx, directoryDigest)
		if err != nil {
			return nil, err
		}
		directories = append(directories, directory)
		for _, subdirectory := range directory.Directories {
			subdirectoryDigest, err := digestFunction.NewDigestFromProto(subdirectory.Digest)
			if err != nil {
				return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Invalid subdirectory digest")
			}
			queue = append(queue, subdirectoryDigest)
		}
	}

	if err := oq.backplane.PutTree(ctx, rootDigest, directories); err != nil {
		log.Print("Failed to store tree in cache: ", err)
	}
	return directories, nil
}

func (oq *OperationQueuer) fetchDirectory(ctx context.Context, directoryDigest digest.Digest) (*remoteexecution.Directory, error) {
	key := directoryDigest.GetKey(digest.KeyWithoutInstance)
	if cached, ok := oq.directoryCache.Get(key); ok {
		return cached.(*remoteexecution.Directory), nil
	}
	directory := &remoteexecution.Directory{}
	if err := oq.fetchMessage(ctx, directoryDigest, directory); err != nil {
		return nil, err
	}
	oq.directoryCache.Add(key, directory)
	return directory, nil
}

// ValidateQueuedOperation enforces the validate-before-queue contract:
// a queued operation must carry a runnable command and a resolvable
// input root.
func ValidateQueuedOperation(qo *operation.QueuedOperation, digestFunction digest.Function) *status.Status {
	if len(qo.Command.GetArguments()) == 0 {
		return status.New(codes.InvalidArgument, "Command has no arguments")
	}
	index, err := operation.NewDirectoriesIndex(qo.Directories, digestFunction)
	if err != nil {
		return status.Convert(err)
	}
	rootDigest, err := digestFunction.NewDigestFromProto(qo.Action.InputRootDigest)
	if err != nil {
		return status.New(codes.InvalidArgument, "Invalid input root digest")
	}
	if _, ok := index.Lookup(rootDigest); !ok {
		return MissingBlobStatus(rootDigest)
	}
	for _, directory := range qo.Directories {
		for _, subdirectory := range directory.Directories {
			subdirectoryDigest, err := digestFunction.NewDigestFromProto(subdirectory.Digest)
			if err != nil {
				return status.New(codes.InvalidArgument, "Invalid subdirectory digest")
			}
			if _, ok := index.Lookup(subdirectoryDigest); !ok {
				return MissingBlobStatus(subdirectoryDigest)
			}
		}
	}
	return nil
}

// failFetch terminates an operation whose referenced blob could not be
// fetched. NOT_FOUND maps to the MISSING precondition failure; other
// errors are passed through.
func (oq *OperationQueuer) failFetch(ctx context.Context, entry *operation.ExecuteEntry, blobDigest digest.Digest, err error) {
	if status.Code(err) == codes.NotFound {
		oq.failOperation(ctx, entry, MissingBlobStatus(blobDigest))
		return
	}
	oq.failOperation(ctx, entry, status.Convert(err))
}

func (oq *OperationQueuer) failOperation(ctx context.Context, entry *operation.ExecuteEntry, s *status.Status) {
	errorOperation := operation.NewErrorOperation(entry.OperationName, entry.ActionDigest.ToProto(), s)
	if err := oq.backplane.PutOperation(ctx, errorOperation); err != nil {
		log.Printf("Failed to store error for operation %#v: %s", entry.OperationName, err)
	}
}
