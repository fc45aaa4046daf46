package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/digest"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

var (
	redisBackplanePrometheusMetrics sync.Once

	redisBackplaneOperationsQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildfarm",
			Subsystem: "backplane",
			Name:      "operations_queued_total",
			Help:      "Number of operations pushed onto the prequeue and ready queue.",
		},
		[]string{"queue"})
	redisBackplaneDispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildfarm",
			Subsystem: "backplane",
			Name:      "dispatches_total",
			Help:      "Number of dispatch attempts, by outcome.",
		},
		[]string{"outcome"})
	redisBackplanePubSubReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildfarm",
			Subsystem: "backplane",
			Name:      "pubsub_reconnects_total",
			Help:      "Number of times the operation channel subscription was reestablished.",
		})
)

// Protocol constants shared by every process of a farm. Frontends and
// workers must agree on these for claims, deadlines and caches to
// behave coherently, so they are owned by this package rather than
// per-binary configuration.
const (
	// DefaultDispatchDeadline is how long a dispatched operation
	// may go without a poll before the dispatched monitor requeues
	// it.
	DefaultDispatchDeadline = 30 * time.Second
	// DefaultDeprequeueTimeout bounds the blocking pop on an empty
	// prequeue.
	DefaultDeprequeueTimeout = time.Second
	// DefaultCASExpiration is the time-to-live of blob location
	// sets that see no further adjustments.
	DefaultCASExpiration = 15 * time.Minute
	// DefaultTreeExpiration is the time-to-live of cached input
	// trees.
	DefaultTreeExpiration = time.Hour
	// DefaultWorkerSetCacheDuration is how long worker set reads
	// are served from the local cache.
	DefaultWorkerSetCacheDuration = 3 * time.Second
)

// RedisBackplaneConfiguration contains the tunables of the Redis
// backed backplane. The key prefix separates multiple farms sharing
// one Redis deployment.
type RedisBackplaneConfiguration struct {
	KeyPrefix              string
	MaxPrequeueDepth       int64
	MaxQueueDepth          int64
	MaxCompletedOperations int64
	DispatchDeadline       time.Duration
	DeprequeueTimeout      time.Duration
	CASExpiration          time.Duration
	TreeExpiration         time.Duration
	WorkerSetCacheDuration time.Duration
}

// NewRedisBackplaneConfiguration returns a configuration carrying the
// shared protocol defaults. Callers adjust the queue depth limits as
// their role requires.
func NewRedisBackplaneConfiguration(keyPrefix string) RedisBackplaneConfiguration {
	return RedisBackplaneConfiguration{
		KeyPrefix:              keyPrefix,
		MaxPrequeueDepth:       1000000,
		MaxQueueDepth:          1000000,
		MaxCompletedOperations: 10000,
		DispatchDeadline:       DefaultDispatchDeadline,
		DeprequeueTimeout:      DefaultDeprequeueTimeout,
		CASExpiration:          DefaultCASExpiration,
		TreeExpiration:         DefaultTreeExpiration,
		WorkerSetCacheDuration: DefaultWorkerSetCacheDuration,
	}
}

type redisBackplane struct {
	client  redis.UniversalClient
	clock   clock.Clock
	retrier *Retrier
	config  RedisBackplaneConfiguration

	workersKey     string
	prequeueKey    string
	queuedKey      string
	dispatchingKey string
	dispatchedKey  string
	completedKey   string
	operationsKey  string
	actionCacheKey string

	pollScript    *redis.Script
	requeueScript *redis.Script

	subscriptionLock sync.Mutex
	pubsub           *redis.PubSub
	handler          MessageHandler
	onUnsubscribe    func()
	reconnected      chan struct{}
	stopped          chan struct{}

	workerSetLock      sync.Mutex
	workerSet          []string
	workerSetExpiresAt time.Time
}

// pollScript renews the requeue deadline of a dispatched operation,
// but only if the entry is still present in the dispatched map.
const pollScriptSource = `
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then return 0 end
local o = cjson.decode(v)
o['requeueAt'] = tonumber(ARGV[2])
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(o))
return 1
`

// requeueScript moves an operation from the dispatched map back onto
// the ready queue. If the entry is already queued, this is a no-op.
const requeueScriptSource = `
redis.call('HDEL', KEYS[2], ARGV[1])
if redis.call('LPOS', KEYS[1], ARGV[2]) then return 0 end
redis.call('LPUSH', KEYS[1], ARGV[2])
return 1
`

// NewRedisBackplane creates a Backplane backed by a Redis deployment.
// All shard frontends and workers of a farm share the same keys.
func NewRedisBackplane(client redis.UniversalClient, clk clock.Clock, configuration RedisBackplaneConfiguration) Backplane {
	redisBackplanePrometheusMetrics.Do(func() {
		prometheus.MustRegister(redisBackplaneOperationsQueuedTotal)
		prometheus.MustRegister(redisBackplaneDispatchesTotal)
		prometheus.MustRegister(redisBackplanePubSubReconnectsTotal)
	})

	prefix := configuration.KeyPrefix
	return &redisBackplane{
		client:  client,
		clock:   clk,
		retrier: NewRetrier(),
		config:  configuration,

		workersKey:     prefix + ":workers",
		prequeueKey:    prefix + ":prequeue",
		queuedKey:      prefix + ":queued",
		dispatchingKey: prefix + ":dispatching",
		dispatchedKey:  prefix + ":dispatched",
		completedKey:   prefix + ":completed",
		operationsKey:  prefix + ":operations",
		actionCacheKey: prefix + ":action-cache",

		pollScript:    redis.NewScript(pollScriptSource),
		requeueScript: redis.NewScript(requeueScriptSource),

		reconnected: make(chan struct{}, 1),
		stopped:     make(chan struct{}),
	}
}

func blobKey(blobDigest digest.Digest) string {
	p := blobDigest.GetProto()
	return fmt.Sprintf("%s_%d", p.GetHash(), p.GetSizeBytes())
}

func (bp *redisBackplane) casKey(blobDigest digest.Digest) string {
	return bp.config.KeyPrefix + ":cas:" + blobKey(blobDigest)
}

func (bp *redisBackplane) treeKey(rootDigest digest.Digest) string {
	return bp.config.KeyPrefix + ":tree:" + blobKey(rootDigest)
}

func (bp *redisBackplane) OperationChannel(operationName string) string {
	return bp.config.KeyPrefix + ":operation-channel:" + operationName
}

func (bp *redisBackplane) OperationNameFromChannel(channel string) (string, bool) {
	prefix := bp.config.KeyPrefix + ":operation-channel:"
	if !strings.HasPrefix(channel, prefix) {
		return "", false
	}
	return channel[len(prefix):], true
}

// wrapError maps Redis failures onto canonical statuses: key misses
// become NOT_FOUND, exhausted retries become UNAVAILABLE and decode
// failures become INTERNAL.
func wrapError(err error, msg string) error {
	if err == redis.Nil {
		return status.Error(codes.NotFound, msg+": not found")
	}
	if IsTransient(err) {
		return util.StatusWrapWithCode(err, codes.Unavailable, msg)
	}
	if _, ok := status.FromError(err); ok {
		return util.StatusWrap(err, msg)
	}
	return util.StatusWrapWithCode(err, codes.Internal, msg)
}

func (bp *redisBackplane) Start(ctx context.Context, handler MessageHandler) error {
	bp.subscriptionLock.Lock()
	defer bp.subscriptionLock.Unlock()

	if bp.pubsub != nil {
		return status.Error(codes.FailedPrecondition, "Backplane has already been started")
	}
	bp.handler = handler
	bp.pubsub = bp.client.Subscribe(ctx)
	go bp.receiveLoop(ctx, bp.pubsub)
	return nil
}

func (bp *redisBackplane) receiveLoop(ctx context.Context, pubsub *redis.PubSub) {
	healthy := true
	for {
		select {
		case <-bp.stopped:
			return
		default:
		}
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				bp.fireUnsubscribe()
				return
			}
			if healthy {
				log.Print("Operation channel subscription interrupted: ", err)
				healthy = false
			}
			continue
		}
		if !healthy {
			// go-redis reestablished the connection and
			// resubscribed the previous channels. Watcher
			// state must be re-resolved by the owner.
			healthy = true
			redisBackplanePubSubReconnectsTotal.Inc()
			select {
			case bp.reconnected <- struct{}{}:
			default:
			}
		}
		if m, ok := msg.(*redis.Message); ok {
			bp.handler(m.Channel, m.Payload)
		}
	}
}

func (bp *redisBackplane) fireUnsubscribe() {
	bp.subscriptionLock.Lock()
	f := bp.onUnsubscribe
	bp.subscriptionLock.Unlock()
	if f != nil {
		f()
	}
}

func (bp *redisBackplane) Stop() {
	bp.subscriptionLock.Lock()
	defer bp.subscriptionLock.Unlock()
	if bp.pubsub == nil {
		return
	}
	close(bp.stopped)
	bp.pubsub.Close()
	bp.pubsub = nil
}

func (bp *redisBackplane) OnUnsubscribe(f func()) {
	bp.subscriptionLock.Lock()
	defer bp.subscriptionLock.Unlock()
	bp.onUnsubscribe = f
}

func (bp *redisBackplane) Reconnected() <-chan struct{} {
	return bp.reconnected
}

func (bp *redisBackplane) Subscribe(channel string) error {
	bp.subscriptionLock.Lock()
	defer bp.subscriptionLock.Unlock()
	if bp.pubsub == nil {
		return status.Error(codes.FailedPrecondition, "Backplane has not been started")
	}
	if err := bp.pubsub.Subscribe(context.Background(), channel); err != nil {
		return wrapError(err, "Failed to subscribe to operation channel")
	}
	return nil
}

func (bp *redisBackplane) Unsubscribe(channel string) error {
	bp.subscriptionLock.Lock()
	defer bp.subscriptionLock.Unlock()
	if bp.pubsub == nil {
		return nil
	}
	if err := bp.pubsub.Unsubscribe(context.Background(), channel); err != nil {
		return wrapError(err, "Failed to unsubscribe from operation channel")
	}
	return nil
}

func (bp *redisBackplane) PublishExpire(ctx context.Context, channel string) error {
	err := bp.retrier.Retry(ctx, func() error {
		return bp.client.Publish(ctx, channel, "expire").Err()
	})
	if err != nil {
		return wrapError(err, "Failed to publish expiration")
	}
	return nil
}

func (bp *redisBackplane) AddWorker(ctx context.Context, name string) error {
	err := bp.retrier.Retry(ctx, func() error {
		return bp.client.SAdd(ctx, bp.workersKey, name).Err()
	})
	if err != nil {
		return wrapError(err, "Failed to add worker")
	}
	return nil
}

func (bp *redisBackplane) RemoveWorker(ctx context.Context, name string) error {
	err := bp.retrier.Retry(ctx, func() error {
		return bp.client.SRem(ctx, bp.workersKey, name).Err()
	})
	if err != nil {
		return wrapError(err, "Failed to remove worker")
	}
	return nil
}

func (bp *redisBackplane) GetWorkers(ctx context.Context) ([]string, error) {
	bp.workerSetLock.Lock()
	if bp.clock.Now().Before(bp.workerSetExpiresAt) {
		workers := append([]string(nil), bp.workerSet...)
		bp.workerSetLock.Unlock()
		return workers, nil
	}
	bp.workerSetLock.Unlock()

	var workers []string
	err := bp.retrier.Retry(ctx, func() error {
		var err error
		workers, err = bp.client.SMembers(ctx, bp.workersKey).Result()
		return err
	})
	if err != nil {
		return nil, wrapError(err, "Failed to list workers")
	}

	bp.workerSetLock.Lock()
	bp.workerSet = workers
	bp.workerSetExpiresAt = bp.clock.Now().Add(bp.config.WorkerSetCacheDuration)
	bp.workerSetLock.Unlock()
	return append([]string(nil), workers...), nil
}

func (bp *redisBackplane) GetActionResult(ctx context.Context, actionKey digest.Digest) (*remoteexecution.ActionResult, error) {
	var raw string
	err := bp.retrier.Retry(ctx, func() error {
		var err error
		raw, err = bp.client.HGet(ctx, bp.actionCacheKey, blobKey(actionKey)).Result()
		return err
	})
	if err != nil {
		return nil, wrapError(err, "Failed to get cached action result")
	}
	var result remoteexecution.ActionResult
	if err := protojson.Unmarshal([]byte(raw), &result); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to decode cached action result")
	}
	return &result, nil
}

func (bp *redisBackplane) PutActionResult(ctx context.Context, actionKey digest.Digest, result *remoteexecution.ActionResult) error {
	raw, err := protojson.Marshal(result)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to encode action result")
	}
	err = bp.retrier.Retry(ctx, func() error {
		return bp.client.HSet(ctx, bp.actionCacheKey, blobKey(actionKey), string(raw)).Err()
	})
	if err != nil {
		return wrapError(err, "Failed to store action result")
	}
	return nil
}

func (bp *redisBackplane) RemoveActionResults(ctx context.Context, actionKeys []digest.Digest) error {
	if len(actionKeys) == 0 {
		return nil
	}
	fields := make([]string, 0, len(actionKeys))
	for _, actionKey := range actionKeys {
		fields = append(fields, blobKey(actionKey))
	}
	err := bp.retrier.Retry(ctx, func() error {
		return bp.client.HDel(ctx, bp.actionCacheKey, fields...).Err()
	})
	if err != nil {
		return wrapError(err, "Failed to remove action results")
	}
	return nil
}

func (bp *redisBackplane) ScanActionCache(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error) {
	var fields []string
	var nextCursor uint64
	err := bp.retrier.Retry(ctx, func() error {
		var err error
		fields, nextCursor, err = bp.client.HScan(ctx, bp.actionCacheKey, cursor, "", count).Result()
		return err
	})
	if err != nil {
		return nil, 0, wrapError(err, "Failed to scan action cache")
	}
	// HSCAN returns alternating field names and values.
	keys := make([]string, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		keys = append(keys, fields[i])
	}
	return keys, nextCursor, nil
}

func (bp *redisBackplane) GetBlobLocations(ctx context.Context, blobDigest digest.Digest) ([]string, error) {
	var workers []string
	err := bp.retrier.Retry(ctx, func() error {
		var err error
		workers, err = bp.client.SMembers(ctx, bp.casKey(blobDigest)).Result()
		return err
	})
	if err != nil {
		return nil, wrapError(err, "Failed to get blob locations")
	}
	return workers, nil
}

func (bp *redisBackplane) AdjustBlobLocations(ctx context.Context, blobDigest digest.Digest, add, remove []string) error {
	key := bp.casKey(blobDigest)
	err := bp.retrier.Retry(ctx, func() error {
		_, err := bp.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if len(add) > 0 {
				p.SAdd(ctx, key, stringsToInterfaces(add)...)
				p.Expire(ctx, key, bp.config.CASExpiration)
			}
			if len(remove) > 0 {
				p.SRem(ctx, key, stringsToInterfaces(remove)...)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return wrapError(err, "Failed to adjust blob locations")
	}
	return nil
}

func stringsToInterfaces(in []string) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

func marshalOperation(op *longrunningpb.Operation) (string, string, error) {
	full, err := protojson.Marshal(op)
	if err != nil {
		return "", "", util.StatusWrapWithCode(err, codes.Internal, "Failed to encode operation")
	}
	stripped, err := protojson.Marshal(operation.Strip(op))
	if err != nil {
		return "", "", util.StatusWrapWithCode(err, codes.Internal, "Failed to encode stripped operation")
	}
	return string(full), string(stripped), nil
}

func unmarshalOperation(raw string) (*longrunningpb.Operation, error) {
	var op longrunningpb.Operation
	if err := protojson.Unmarshal([]byte(raw), &op); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to decode operation")
	}
	return &op, nil
}

func (bp *redisBackplane) GetOperation(ctx context.Context, name string) (*longrunningpb.Operation, error) {
	var raw string
	err := bp.retrier.Retry(ctx, func() error {
		var err error
		raw, err = bp.client.HGet(ctx, bp.operationsKey, name).Result()
		return err
	})
	if err != nil {
		return nil, wrapError(err, "Failed to get operation")
	}
	return unmarshalOperation(raw)
}

func (bp *redisBackplane) PutOperation(ctx context.Context, op *longrunningpb.Operation) error {
	full, stripped, err := marshalOperation(op)
	if err != nil {
		return err
	}
	channel := bp.OperationChannel(op.GetName())
	err = bp.retrier.Retry(ctx, func() error {
		_, err := bp.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, bp.operationsKey, op.GetName(), full)
			p.Publish(ctx, channel, stripped)
			return nil
		})
		return err
	})
	if err != nil {
		return wrapError(err, "Failed to put operation")
	}
	return nil
}

func (bp *redisBackplane) DeleteOperation(ctx context.Context, name string) error {
	err := bp.retrier.Retry(ctx, func() error {
		return bp.client.HDel(ctx, bp.operationsKey, name).Err()
	})
	if err != nil {
		return wrapError(err, "Failed to delete operation")
	}
	return nil
}

func (bp *redisBackplane) Prequeue(ctx context.Context, entry *operation.ExecuteEntry, op *longrunningpb.Operation) error {
	rawEntry, err := json.Marshal(entry)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to encode execute entry")
	}
	full, stripped, err := marshalOperation(op)
	if err != nil {
		return err
	}
	channel := bp.OperationChannel(op.GetName())
	err = bp.retrier.Retry(ctx, func() error {
		_, err := bp.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LPush(ctx, bp.prequeueKey, string(rawEntry))
			p.HSet(ctx, bp.operationsKey, op.GetName(), full)
			p.Publish(ctx, channel, stripped)
			return nil
		})
		return err
	})
	if err != nil {
		return wrapError(err, "Failed to prequeue operation")
	}
	redisBackplaneOperationsQueuedTotal.WithLabelValues("prequeue").Inc()
	return nil
}

// DeprequeueOperation pops the oldest execute entry off the prequeue,
// blocking briefly when it is empty. It returns nil when no entry
// became available within the timeout.
func (bp *redisBackplane) DeprequeueOperation(ctx context.Context) (*operation.ExecuteEntry, error) {
	result, err := bp.client.BRPop(ctx, bp.config.DeprequeueTimeout, bp.prequeueKey).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, wrapError(err, "Failed to pop prequeue")
	}
	var entry operation.ExecuteEntry
	if err := json.Unmarshal([]byte(result[1]), &entry); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to decode execute entry")
	}
	return &entry, nil
}

func (bp *redisBackplane) Queue(ctx context.Context, entry *operation.QueueEntry, op *longrunningpb.Operation) error {
	rawEntry, err := json.Marshal(entry)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to encode queue entry")
	}
	full, stripped, err := marshalOperation(op)
	if err != nil {
		return err
	}
	channel := bp.OperationChannel(op.GetName())
	err = bp.retrier.Retry(ctx, func() error {
		_, err := bp.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LPush(ctx, bp.queuedKey, string(rawEntry))
			p.HSet(ctx, bp.operationsKey, op.GetName(), full)
			p.Publish(ctx, channel, stripped)
			return nil
		})
		return err
	})
	if err != nil {
		return wrapError(err, "Failed to queue operation")
	}
	redisBackplaneOperationsQueuedTotal.WithLabelValues("queue").Inc()
	return nil
}

// DispatchOperation atomically claims the oldest entry of the ready
// queue. The entry is first moved onto a transient dispatching list,
// then inserted into the dispatched map with set-if-absent semantics;
// a concurrent dispatch of the same operation name therefore cannot
// succeed twice. It returns nil when the queue is empty.
func (bp *redisBackplane) DispatchOperation(ctx context.Context) (*operation.QueueEntry, error) {
	raw, err := bp.client.LMove(ctx, bp.queuedKey, bp.dispatchingKey, "RIGHT", "LEFT").Result()
	if err == redis.Nil {
		redisBackplaneDispatchesTotal.WithLabelValues("empty").Inc()
		return nil, nil
	} else if err != nil {
		return nil, wrapError(err, "Failed to pop ready queue")
	}

	var entry operation.QueueEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		bp.client.LRem(ctx, bp.dispatchingKey, 1, raw)
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to decode queue entry")
	}

	name := entry.ExecuteEntry.OperationName
	dispatched := operation.DispatchedOperation{
		Name:       name,
		RequeueAt:  bp.clock.Now().Add(bp.config.DispatchDeadline).UnixMilli(),
		Attempt:    entry.Attempt,
		QueueEntry: entry,
	}
	rawDispatched, err := json.Marshal(&dispatched)
	if err != nil {
		bp.client.LRem(ctx, bp.dispatchingKey, 1, raw)
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to encode dispatched operation")
	}

	var inserted bool
	err = bp.retrier.Retry(ctx, func() error {
		var err error
		inserted, err = bp.client.HSetNX(ctx, bp.dispatchedKey, name, string(rawDispatched)).Result()
		return err
	})
	bp.client.LRem(ctx, bp.dispatchingKey, 1, raw)
	if err != nil {
		return nil, wrapError(err, "Failed to insert dispatched operation")
	}
	if !inserted {
		// Already claimed by another worker; the entry was a
		// duplicate and is dropped.
		redisBackplaneDispatchesTotal.WithLabelValues("duplicate").Inc()
		return nil, nil
	}
	redisBackplaneDispatchesTotal.WithLabelValues("dispatched").Inc()
	return &entry, nil
}

func (bp *redisBackplane) CompleteOperation(ctx context.Context, name string) error {
	err := bp.retrier.Retry(ctx, func() error {
		_, err := bp.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HDel(ctx, bp.dispatchedKey, name)
			p.LPush(ctx, bp.completedKey, name)
			p.LTrim(ctx, bp.completedKey, 0, bp.config.MaxCompletedOperations-1)
			return nil
		})
		return err
	})
	if err != nil {
		return wrapError(err, "Failed to complete operation")
	}
	return nil
}

func (bp *redisBackplane) GetDispatchedOperations(ctx context.Context) ([]*operation.DispatchedOperation, error) {
	var raw map[string]string
	err := bp.retrier.Retry(ctx, func() error {
		var err error
		raw, err = bp.client.HGetAll(ctx, bp.dispatchedKey).Result()
		return err
	})
	if err != nil {
		return nil, wrapError(err, "Failed to list dispatched operations")
	}
	dispatched := make([]*operation.DispatchedOperation, 0, len(raw))
	for name, value := range raw {
		var d operation.DispatchedOperation
		if err := json.Unmarshal([]byte(value), &d); err != nil {
			log.Printf("Dropping undecodable dispatched operation %#v: %s", name, err)
			continue
		}
		dispatched = append(dispatched, &d)
	}
	return dispatched, nil
}

func (bp *redisBackplane) RequeueDispatchedOperation(ctx context.Context, entry *operation.QueueEntry, attempt int32) error {
	requeued := *entry
	requeued.Attempt = attempt
	rawEntry, err := json.Marshal(&requeued)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to encode queue entry")
	}
	err = bp.retrier.Retry(ctx, func() error {
		return bp.requeueScript.Run(
			ctx, bp.client,
			[]string{bp.queuedKey, bp.dispatchedKey},
			entry.ExecuteEntry.OperationName, string(rawEntry)).Err()
	})
	if err != nil {
		return wrapError(err, "Failed to requeue operation")
	}
	return nil
}

func (bp *redisBackplane) PollOperation(ctx context.Context, name string, stage remoteexecution.ExecutionStage_Value, requeueAt time.Time) bool {
	if stage == remoteexecution.ExecutionStage_COMPLETED {
		return false
	}
	var renewed int64
	err := bp.retrier.Retry(ctx, func() error {
		result, err := bp.pollScript.Run(
			ctx, bp.client,
			[]string{bp.dispatchedKey},
			name, requeueAt.UnixMilli()).Int64()
		renewed = result
		return err
	})
	return err == nil && renewed == 1
}

func (bp *redisBackplane) Queueing(ctx context.Context, name string) error {
	op, err := bp.GetOperation(ctx, name)
	if err != nil {
		return err
	}
	stripped, err := protojson.Marshal(operation.Strip(op))
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to encode stripped operation")
	}
	err = bp.retrier.Retry(ctx, func() error {
		return bp.client.Publish(ctx, bp.OperationChannel(name), string(stripped)).Err()
	})
	if err != nil {
		return wrapError(err, "Failed to publish queueing heartbeat")
	}
	return nil
}

func (bp *redisBackplane) CanPrequeue(ctx context.Context) bool {
	depth, err := bp.client.LLen(ctx, bp.prequeueKey).Result()
	return err == nil && depth < bp.config.MaxPrequeueDepth
}

func (bp *redisBackplane) CanQueue(ctx context.Context) bool {
	depth, err := bp.client.LLen(ctx, bp.queuedKey).Result()
	return err == nil && depth < bp.config.MaxQueueDepth
}

func (bp *redisBackplane) GetTree(ctx context.Context, rootDigest digest.Digest) ([]*remoteexecution.Directory, error) {
	var raw string
	err := bp.retrier.Retry(ctx, func() error {
		var err error
		raw, err = bp.client.Get(ctx, bp.treeKey(rootDigest)).Result()
		return err
	})
	if err != nil {
		return nil, wrapError(err, "Failed to get cached tree")
	}
	directories, err := operation.UnmarshalDirectoryList([]byte(raw))
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to decode cached tree")
	}
	return directories, nil
}

func (bp *redisBackplane) PutTree(ctx context.Context, rootDigest digest.Digest, directories []*remoteexecution.Directory) error {
	raw, err := operation.MarshalDirectoryList(directories)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to encode tree")
	}
	err = bp.retrier.Retry(ctx, func() error {
		return bp.client.Set(ctx, bp.treeKey(rootDigest), string(raw), bp.config.TreeExpiration).Err()
	})
	if err != nil {
		return wrapError(err, "Failed to store tree")
	}
	return nil
}
