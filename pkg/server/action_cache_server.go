package server

import (
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/backplane"
)

// ActionCacheServer implements the REv2 ActionCache service directly
// on top of the backplane's action cache hash.
type ActionCacheServer struct {
	backplane backplane.Backplane
}

// NewActionCacheServer creates an ActionCacheServer.
func NewActionCacheServer(bp backplane.Backplane) *ActionCacheServer {
	return &ActionCacheServer{backplane: bp}
}

// GetActionResult returns a previously stored action result.
func (s *ActionCacheServer) GetActionResult(ctx context.Context, request *remoteexecution.GetActionResultRequest) (*remoteexecution.ActionResult, error) {
	actionKey, err := digestFromRequest(request.InstanceName, request.DigestFunction, request.ActionDigest)
	if err != nil {
		return nil, err
	}
	return s.backplane.GetActionResult(ctx, actionKey)
}

// UpdateActionResult stores an action result.
func (s *ActionCacheServer) UpdateActionResult(ctx context.Context, request *remoteexecution.UpdateActionResultRequest) (*remoteexecution.ActionResult, error) {
	actionKey, err := digestFromRequest(request.InstanceName, request.DigestFunction, request.ActionDigest)
	if err != nil {
		return nil, err
	}
	if err := s.backplane.PutActionResult(ctx, actionKey, request.ActionResult); err != nil {
		return nil, err
	}
	return request.ActionResult, nil
}
