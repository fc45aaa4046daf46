package operation

import (
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-storage/pkg/digest"
)

// StoredDigest is the JSON representation of a digest as stored in the
// backplane. The instance name and digest function are kept alongside
// it in the surrounding envelope, so that full digest.Digest objects
// can be reconstructed on the consuming side.
type StoredDigest struct {
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"sizeBytes"`
}

// NewStoredDigest converts a REv2 digest message to its backplane
// representation.
func NewStoredDigest(d *remoteexecution.Digest) StoredDigest {
	return StoredDigest{
		Hash:      d.GetHash(),
		SizeBytes: d.GetSizeBytes(),
	}
}

// ToProto converts a stored digest back to its REv2 message form.
func (sd StoredDigest) ToProto() *remoteexecution.Digest {
	return &remoteexecution.Digest{
		Hash:      sd.Hash,
		SizeBytes: sd.SizeBytes,
	}
}

// ToDigest reconstructs a digest.Digest within the given instance name
// and digest function.
func (sd StoredDigest) ToDigest(instanceName string, digestFunction remoteexecution.DigestFunction_Value) (digest.Digest, error) {
	in, err := digest.NewInstanceName(instanceName)
	if err != nil {
		return digest.BadDigest, err
	}
	f, err := in.GetDigestFunction(digestFunction, 0)
	if err != nil {
		return digest.BadDigest, err
	}
	return f.NewDigest(sd.Hash, sd.SizeBytes)
}

// PlatformProperty is a single platform requirement of a queued
// action, used by workers to decide whether they can match an entry.
type PlatformProperty struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewPlatformProperties converts a REv2 platform message to its
// backplane representation.
func NewPlatformProperties(platform *remoteexecution.Platform) []PlatformProperty {
	var properties []PlatformProperty
	for _, property := range platform.GetProperties() {
		properties = append(properties, PlatformProperty{
			Name:  property.Name,
			Value: property.Value,
		})
	}
	return properties
}

// RequestMetadata identifies the client request that gave rise to an
// operation. It is used to correlate retries of the same invocation.
type RequestMetadata struct {
	ToolName               string `json:"toolName,omitempty"`
	ToolVersion            string `json:"toolVersion,omitempty"`
	ToolInvocationID       string `json:"toolInvocationId,omitempty"`
	CorrelatedInvocationID string `json:"correlatedInvocationId,omitempty"`
	ActionMnemonic         string `json:"actionMnemonic,omitempty"`
	TargetID               string `json:"targetId,omitempty"`
}

// NewRequestMetadata converts a REv2 request metadata message to its
// backplane representation.
func NewRequestMetadata(requestMetadata *remoteexecution.RequestMetadata) RequestMetadata {
	return RequestMetadata{
		ToolName:               requestMetadata.GetToolDetails().GetToolName(),
		ToolVersion:            requestMetadata.GetToolDetails().GetToolVersion(),
		ToolInvocationID:       requestMetadata.GetToolInvocationId(),
		CorrelatedInvocationID: requestMetadata.GetCorrelatedInvocationsId(),
		ActionMnemonic:         requestMetadata.GetActionMnemonic(),
		TargetID:               requestMetadata.GetTargetId(),
	}
}

// ExecuteEntry is the envelope that is placed on the prequeue when a
// client submits an execute request. It carries everything the
// operation queuer needs to promote the request to the ready queue.
type ExecuteEntry struct {
	OperationName        string                               `json:"operationName"`
	InstanceName         string                               `json:"instanceName"`
	DigestFunction       remoteexecution.DigestFunction_Value `json:"digestFunction"`
	ActionDigest         StoredDigest                         `json:"actionDigest"`
	SkipCacheLookup      bool                                 `json:"skipCacheLookup,omitempty"`
	ExecutionPriority    int32                                `json:"executionPriority,omitempty"`
	ResultsCachePriority int32                                `json:"resultsCachePriority,omitempty"`
	RequestMetadata      RequestMetadata                      `json:"requestMetadata,omitempty"`
	StdoutStreamName     string                               `json:"stdoutStreamName,omitempty"`
	StderrStreamName     string                               `json:"stderrStreamName,omitempty"`
	QueuedTimestamp      int64                                `json:"queuedTimestamp"`
}

// ActionDigestValue reconstructs the action digest of this entry.
func (ee *ExecuteEntry) ActionDigestValue() (digest.Digest, error) {
	return ee.ActionDigest.ToDigest(ee.InstanceName, ee.DigestFunction)
}

// QueueEntry is what workers dequeue from the ready queue: the
// original execute entry, the digest of the fully resolved
// QueuedOperation blob, and the platform requirements used for
// matching.
type QueueEntry struct {
	ExecuteEntry          ExecuteEntry       `json:"executeEntry"`
	QueuedOperationDigest StoredDigest       `json:"queuedOperationDigest"`
	Platform              []PlatformProperty `json:"platform,omitempty"`
	Attempt               int32              `json:"attempt,omitempty"`
}

// QueuedOperationDigestValue reconstructs the digest of the
// QueuedOperation blob referenced by this entry.
func (qe *QueueEntry) QueuedOperationDigestValue() (digest.Digest, error) {
	return qe.QueuedOperationDigest.ToDigest(
		qe.ExecuteEntry.InstanceName,
		qe.ExecuteEntry.DigestFunction)
}

// DispatchedOperation is the dispatched map's record of an operation
// claimed by a worker. RequeueAt is expressed in milliseconds since
// the Unix epoch, as the value round-trips through the backplane.
type DispatchedOperation struct {
	Name       string     `json:"name"`
	RequeueAt  int64      `json:"requeueAt"`
	Attempt    int32      `json:"attempt,omitempty"`
	QueueEntry QueueEntry `json:"queueEntry"`
}
