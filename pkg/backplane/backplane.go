package backplane

import (
	"context"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-storage/pkg/digest"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
)

// MessageHandler receives messages published on operation channels.
// The payload is either the serialized form of a stripped operation,
// or the literal string "expire".
type MessageHandler func(channel, payload string)

// Backplane provides the durable shared state of the build farm: the
// worker set, the action cache, the blob location index, the operation
// queues and the operation channel pub/sub. One instance is shared by
// all request handlers of a shard.
type Backplane interface {
	// Start begins consuming pub/sub messages, delivering them to
	// the provided handler. Stop terminates the subscription. The
	// OnUnsubscribe callback fires when the subscription is lost
	// permanently, allowing the caller to shut down cleanly.
	Start(ctx context.Context, handler MessageHandler) error
	Stop()
	OnUnsubscribe(f func())

	// Reconnected returns a channel that receives an element every
	// time the pub/sub connection is reestablished after a loss.
	// Watcher state must be re-resolved from the operations hash
	// when this happens.
	Reconnected() <-chan struct{}

	// Subscribe and Unsubscribe control which operation channels
	// are delivered to the message handler.
	Subscribe(channel string) error
	Unsubscribe(channel string) error

	// OperationChannel returns the pub/sub channel name used for
	// notifications about the named operation.
	// OperationNameFromChannel is its inverse.
	OperationChannel(operationName string) string
	OperationNameFromChannel(channel string) (string, bool)

	// PublishExpire publishes an "expire" message on a channel,
	// causing watchers with passed deadlines to receive a terminal
	// notification.
	PublishExpire(ctx context.Context, channel string) error

	// Worker set. GetWorkers is cached locally for a few seconds
	// to absorb membership reads.
	AddWorker(ctx context.Context, name string) error
	RemoveWorker(ctx context.Context, name string) error
	GetWorkers(ctx context.Context) ([]string, error)

	// Action cache.
	GetActionResult(ctx context.Context, actionKey digest.Digest) (*remoteexecution.ActionResult, error)
	PutActionResult(ctx context.Context, actionKey digest.Digest, result *remoteexecution.ActionResult) error
	RemoveActionResults(ctx context.Context, actionKeys []digest.Digest) error
	ScanActionCache(ctx context.Context, cursor uint64, count int64) (actionKeys []string, nextCursor uint64, err error)

	// Blob location index. AdjustBlobLocations applies the
	// additions and removals for a single digest atomically.
	GetBlobLocations(ctx context.Context, blobDigest digest.Digest) ([]string, error)
	AdjustBlobLocations(ctx context.Context, blobDigest digest.Digest, add, remove []string) error

	// Operations hash. PutOperation stores the operation and
	// publishes its stripped form on the operation channel,
	// atomically with any queue-state move performed by the
	// specialized methods below.
	GetOperation(ctx context.Context, name string) (*longrunningpb.Operation, error)
	PutOperation(ctx context.Context, op *longrunningpb.Operation) error
	DeleteOperation(ctx context.Context, name string) error

	// Queue discipline.
	Prequeue(ctx context.Context, entry *operation.ExecuteEntry, op *longrunningpb.Operation) error
	DeprequeueOperation(ctx context.Context) (*operation.ExecuteEntry, error)
	Queue(ctx context.Context, entry *operation.QueueEntry, op *longrunningpb.Operation) error
	DispatchOperation(ctx context.Context) (*operation.QueueEntry, error)
	CompleteOperation(ctx context.Context, name string) error
	GetDispatchedOperations(ctx context.Context) ([]*operation.DispatchedOperation, error)

	// RequeueDispatchedOperation removes an operation from the
	// dispatched map and pushes it back onto the ready queue.
	// Requeueing an entry that is already queued is a no-op.
	RequeueDispatchedOperation(ctx context.Context, entry *operation.QueueEntry, attempt int32) error

	// PollOperation renews the requeue deadline of a dispatched
	// operation. It returns false if the claim has been lost.
	PollOperation(ctx context.Context, name string, stage remoteexecution.ExecutionStage_Value, requeueAt time.Time) bool

	// Queueing republishes the stored operation on its channel, so
	// that watcher deadlines are extended while the operation
	// queuer is still transforming the entry.
	Queueing(ctx context.Context, name string) error

	// Admission control.
	CanPrequeue(ctx context.Context) bool
	CanQueue(ctx context.Context) bool

	// Tree cache: input root digest to flattened directory list.
	GetTree(ctx context.Context, rootDigest digest.Digest) ([]*remoteexecution.Directory, error)
	PutTree(ctx context.Context, rootDigest digest.Digest, directories []*remoteexecution.Directory) error
}
