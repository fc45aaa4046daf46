package worker

import (
	"context"
	"log"
	"sync"

	"github.com/buildbarn/bb-build-farm/pkg/backplane"
	"github.com/buildbarn/bb-build-farm/pkg/cas"
	"github.com/buildbarn/bb-build-farm/pkg/operation"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	pipelinePrometheusMetrics sync.Once

	pipelineOperationsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildfarm",
			Subsystem: "worker",
			Name:      "pipeline_operations_completed_total",
			Help:      "Number of operations that left the pipeline, by outcome.",
		},
		[]string{"outcome"})
)

// Stage processes one operation context and produces the context for
// the next stage. Returning a nil context without error means the
// operation left the pipeline early, such as after a lost claim.
type Stage interface {
	Name() string
	Width() int
	Process(ctx context.Context, oc *OperationContext) (*OperationContext, error)
}

// Pipeline wires the match, input fetch, execute and report stages
// together. Handoff between stages happens over unbuffered channels:
// an upstream stage can only emit into a downstream stage that has a
// free worker, which bounds the number of in-flight operations without
// explicit queues.
type Pipeline struct {
	backplane backplane.Backplane
	match     *MatchStage
	stages    []Stage
	execFS    *cas.ExecFileSystem
}

// NewPipeline creates a pipeline from its stages. The stages slice
// runs downstream of the match stage, in order.
func NewPipeline(bp backplane.Backplane, match *MatchStage, execFS *cas.ExecFileSystem, stages ...Stage) *Pipeline {
	pipelinePrometheusMetrics.Do(func() {
		prometheus.MustRegister(pipelineOperationsCompletedTotal)
	})

	return &Pipeline{
		backplane: bp,
		match:     match,
		stages:    stages,
		execFS:    execFS,
	}
}

// Run executes the pipeline until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	failed := make(chan *OperationContext)

	// Error stage: surfaces failed operation contexts.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for oc := range failed {
			p.failOperation(ctx, oc)
		}
	}()

	in := make(chan *OperationContext)
	matchOut := in
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(matchOut)
		p.match.Run(ctx, matchOut)
	}()

	for _, stage := range p.stages {
		out := make(chan *OperationContext)
		stageIn := in
		var stageWg sync.WaitGroup
		for i := 0; i < stage.Width(); i++ {
			wg.Add(1)
			stageWg.Add(1)
			go func(s Stage) {
				defer wg.Done()
				defer stageWg.Done()
				for oc := range stageIn {
					next, err := s.Process(ctx, oc)
					if err != nil {
						oc.ExecutionError = err
						select {
						case failed <- oc:
						case <-ctx.Done():
							return
						}
						continue
					}
					if next == nil {
						continue
					}
					select {
					case out <- next:
					case <-ctx.Done():
						return
					}
				}
			}(stage)
		}
		go func() {
			stageWg.Wait()
			close(out)
		}()
		in = out
	}

	// The report stage is terminal; its output channel only ever
	// closes.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range in {
		}
		close(failed)
	}()

	wg.Wait()
}

// failOperation is the error stage. Structural failures terminate the
// operation with an error status; transient ones remove it from the
// dispatched map and push it back onto the ready queue with its attempt
// count incremented. The execution directory is always destroyed and
// the poller paused.
func (p *Pipeline) failOperation(ctx context.Context, oc *OperationContext) {
	name := oc.Name()
	if oc.Poller != nil {
		oc.Poller.Pause()
	}
	if oc.ExecDirPath != "" {
		p.execFS.DestroyExecDir(name)
	}

	err := oc.ExecutionError
	code := status.Code(err)
	if code == codes.FailedPrecondition || code == codes.InvalidArgument {
		log.Printf("Operation %#v failed: %s", name, err)
		errorOperation := operation.NewErrorOperation(
			name,
			oc.QueueEntry.ExecuteEntry.ActionDigest.ToProto(),
			status.Convert(err))
		if err := p.backplane.PutOperation(ctx, errorOperation); err != nil {
			log.Printf("Failed to store error for operation %#v: %s", name, err)
		}
		if err := p.backplane.CompleteOperation(ctx, name); err != nil {
			log.Printf("Failed to complete operation %#v: %s", name, err)
		}
		pipelineOperationsCompletedTotal.WithLabelValues("error").Inc()
		return
	}

	log.Printf("Requeueing operation %#v: %s", name, err)
	if err := p.backplane.RequeueDispatchedOperation(ctx, oc.QueueEntry, oc.QueueEntry.Attempt+1); err != nil {
		log.Printf("Failed to requeue operation %#v: %s", name, err)
	}
	pipelineOperationsCompletedTotal.WithLabelValues("requeued").Inc()
}
