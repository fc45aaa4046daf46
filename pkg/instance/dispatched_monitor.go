package instance

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/buildbarn/bb-build-farm/pkg/backplane"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	dispatchedMonitorPrometheusMetrics sync.Once

	dispatchedMonitorRequeuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildfarm",
			Subsystem: "instance",
			Name:      "dispatched_monitor_requeues_total",
			Help:      "Number of timed out dispatched operations processed, by outcome.",
		},
		[]string{"outcome"})
)

// DispatchedMonitor returns operations whose worker stopped renewing
// its claim to the ready queue. It periodically enumerates the
// dispatched map and requeues every entry whose deadline has passed.
type DispatchedMonitor struct {
	backplane backplane.Backplane
	instance  *Instance
	clock     clock.Clock
	interval  time.Duration
}

// NewDispatchedMonitor creates a dispatched monitor that scans at the
// provided interval.
func NewDispatchedMonitor(bp backplane.Backplane, inst *Instance, clk clock.Clock, interval time.Duration) *DispatchedMonitor {
	dispatchedMonitorPrometheusMetrics.Do(func() {
		prometheus.MustRegister(dispatchedMonitorRequeuesTotal)
	})

	return &DispatchedMonitor{
		backplane: bp,
		instance:  inst,
		clock:     clk,
		interval:  interval,
	}
}

// Run scans until the context is cancelled.
func (dm *DispatchedMonitor) Run(ctx context.Context) {
	for {
		timer, timerChannel := dm.clock.NewTimer(dm.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timerChannel:
		}

		dispatched, err := dm.backplane.GetDispatchedOperations(ctx)
		if err != nil {
			log.Print("Failed to list dispatched operations: ", err)
			continue
		}
		now := dm.clock.Now().UnixMilli()
		for _, d := range dispatched {
			if d.RequeueAt >= now {
				continue
			}
			if err := dm.instance.RequeueOperation(ctx, d); err != nil {
				dispatchedMonitorRequeuesTotal.WithLabelValues("failed").Inc()
				log.Printf("Failed to requeue operation %#v: %s", d.Name, err)
				continue
			}
			dispatchedMonitorRequeuesTotal.WithLabelValues("requeued").Inc()
		}
	}
}
