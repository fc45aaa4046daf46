package worker

import (
	"context"
	"log"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-build-farm/pkg/backplane"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/buildbarn/bb-storage/pkg/clock"
)

// MatchStage pulls queue entries off the backplane's dispatch
// operation and claims them. Its width is always one: a single loop
// claims work, and the unbuffered handoff to the input fetch stage
// provides the backpressure that keeps the worker from claiming more
// than it can process.
type MatchStage struct {
	backplane     backplane.Backplane
	clock         clock.Clock
	platform      map[string]string
	matchInterval time.Duration
	pollPeriod    time.Duration
	pollDeadline  time.Duration
}

// NewMatchStage creates a match stage. platform lists the properties
// this worker provides; entries requiring properties the worker lacks
// are pushed back onto the queue.
func NewMatchStage(bp backplane.Backplane, clk clock.Clock, platform map[string]string, matchInterval, pollPeriod, pollDeadline time.Duration) *MatchStage {
	return &MatchStage{
		backplane:     bp,
		clock:         clk,
		platform:      platform,
		matchInterval: matchInterval,
		pollPeriod:    pollPeriod,
		pollDeadline:  pollDeadline,
	}
}

func (s *MatchStage) matchesPlatform(properties []operation.PlatformProperty) bool {
	for _, property := range properties {
		if value, ok := s.platform[property.Name]; !ok || value != property.Value {
			return false
		}
	}
	return true
}

// Run claims entries and emits operation contexts until the context is
// cancelled. A poller is started the moment an entry is claimed and
// travels with the context through the rest of the pipeline.
func (s *MatchStage) Run(ctx context.Context, out chan<- *OperationContext) {
	for ctx.Err() == nil {
		entry, err := s.backplane.DispatchOperation(ctx)
		if err != nil {
			log.Print("Failed to dispatch operation: ", err)
			s.sleep(ctx)
			continue
		}
		if entry == nil {
			s.sleep(ctx)
			continue
		}
		if !s.matchesPlatform(entry.Platform) {
			if err := s.backplane.RequeueDispatchedOperation(ctx, entry, entry.Attempt); err != nil {
				log.Printf("Failed to return mismatched operation %#v: %s", entry.ExecuteEntry.OperationName, err)
			}
			continue
		}

		oc := &OperationContext{
			QueueEntry: entry,
			Stage:      remoteexecution.ExecutionStage_QUEUED,
		}
		name := oc.Name()
		pollCtx, cancelPolling := context.WithCancel(ctx)
		oc.Poller = StartPoller(
			s.clock,
			s.pollPeriod,
			time.Time{},
			func(ctx context.Context) bool {
				return s.backplane.PollOperation(ctx, name, oc.Stage, s.clock.Now().Add(s.pollDeadline))
			},
			func() {
				// Claim lost: the dispatched monitor has
				// requeued the operation elsewhere.
				log.Printf("Lost claim on operation %#v", name)
				cancelPolling()
			},
			nil)

		select {
		case out <- oc:
			cancelPolling()
		case <-pollCtx.Done():
			// Either the worker is shutting down or the
			// claim was lost before the downstream stage
			// accepted the work.
			oc.Poller.Pause()
			if ctx.Err() == nil {
				continue
			}
			return
		}
	}
}

func (s *MatchStage) sleep(ctx context.Context) {
	timer, timerChannel := s.clock.NewTimer(s.matchInterval)
	select {
	case <-ctx.Done():
		timer.Stop()
	case <-timerChannel:
	}
}
