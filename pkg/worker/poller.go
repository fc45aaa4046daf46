package worker

import (
	"context"
	"sync"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
)

// PollFunc renews a claim on some resource, returning false when the
// claim has been lost.
type PollFunc func(ctx context.Context) bool

// Poller periodically invokes a predicate to keep a claim alive. It
// carries two deadlines: a period controlling how often the predicate
// runs, and an absolute expiration after which onExpiration fires.
// When the predicate reports a lost claim, onFailure fires and the
// poller terminates. At most one poller per claim may be active.
type Poller struct {
	clock        clock.Clock
	period       time.Duration
	expiration   time.Time
	poll         PollFunc
	onFailure    func()
	onExpiration func()

	lock   sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// StartPoller creates a poller and begins polling immediately.
func StartPoller(clk clock.Clock, period time.Duration, expiration time.Time, poll PollFunc, onFailure, onExpiration func()) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		clock:        clk,
		period:       period,
		expiration:   expiration,
		poll:         poll,
		onFailure:    onFailure,
		onExpiration: onExpiration,

		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	for {
		now := p.clock.Now()
		if !p.expiration.IsZero() && !now.Before(p.expiration) {
			if p.onExpiration != nil {
				p.onExpiration()
			}
			return
		}
		timer, timerChannel := p.clock.NewTimer(p.period)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timerChannel:
		}
		if ctx.Err() != nil {
			return
		}
		if !p.poll(ctx) {
			if ctx.Err() != nil {
				// Pause() raced with the final poll; the
				// claim was not lost.
				return
			}
			if p.onFailure != nil {
				p.onFailure()
			}
			return
		}
	}
}

// Pause stops the poller cleanly, waiting for any in-flight poll to
// finish. Neither callback fires after Pause returns.
func (p *Poller) Pause() {
	p.lock.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.lock.Unlock()
	if cancel != nil {
		cancel()
	}
	<-p.done
}
