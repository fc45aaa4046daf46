package watcher

import (
	"log"
	"sync"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"

	"google.golang.org/protobuf/encoding/protojson"
)

// ExpirePayload is the pub/sub message that causes watchers with
// passed deadlines to be dropped with a terminal notification.
const ExpirePayload = "expire"

// Observer receives operation state transitions. A nil operation is
// the terminal notification: the watch has ended, either because the
// operation completed or because the watcher expired.
type Observer func(op *longrunningpb.Operation)

// Subscriber controls the underlying pub/sub channel subscriptions.
// The hub subscribes a channel when its first watcher is added and
// unsubscribes it when the last one is removed.
type Subscriber interface {
	Subscribe(channel string) error
	Unsubscribe(channel string) error
}

// Executor runs observer callbacks. Tasks must run asynchronously
// with respect to the caller. Delivery order per watcher is preserved;
// the hub never runs two callbacks of one watcher concurrently.
type Executor func(task func())

// Watch is the client-facing handle of a registered watcher. Cancel
// removes the watcher without delivering further notifications.
type Watch struct {
	hub     *Hub
	channel string
	watcher *watcher
}

// Cancel unregisters the watcher.
func (w *Watch) Cancel() {
	w.hub.unwatch(w.channel, w.watcher)
}

type watcher struct {
	observer  Observer
	expiresAt time.Time

	// Pending notifications, delivered one at a time on the
	// executor so that no two callbacks of one watcher overlap.
	pending   []*longrunningpb.Operation
	scheduled bool
	dropped   bool
}

// Hub multiplexes a single pub/sub connection into per-operation
// watchers with expiration deadlines.
type Hub struct {
	clock         clock.Clock
	executor      Executor
	subscriber    Subscriber
	nextExpiresAt func(now time.Time) time.Time

	lock     sync.Mutex
	channels map[string][]*watcher
}

// NewHub creates a watcher hub. nextExpiresAt decides the new deadline
// of a watcher every time a message is delivered to it; a fixed TTL
// relative to the current time is the common policy.
func NewHub(clk clock.Clock, executor Executor, subscriber Subscriber, nextExpiresAt func(now time.Time) time.Time) *Hub {
	return &Hub{
		clock:         clk,
		executor:      executor,
		subscriber:    subscriber,
		nextExpiresAt: nextExpiresAt,
		channels:      map[string][]*watcher{},
	}
}

// Watch registers an observer on a channel. The underlying pub/sub
// channel is subscribed when this is its first watcher.
func (h *Hub) Watch(channel string, observer Observer) (*Watch, error) {
	h.lock.Lock()
	watchers, ok := h.channels[channel]
	w := &watcher{
		observer:  observer,
		expiresAt: h.nextExpiresAt(h.clock.Now()),
	}
	h.channels[channel] = append(watchers, w)
	h.lock.Unlock()

	if !ok {
		if err := h.subscriber.Subscribe(channel); err != nil {
			h.unwatch(channel, w)
			return nil, err
		}
	}
	return &Watch{hub: h, channel: channel, watcher: w}, nil
}

func (h *Hub) unwatch(channel string, w *watcher) {
	h.lock.Lock()
	watchers := h.channels[channel]
	for i, other := range watchers {
		if other == w {
			watchers = append(watchers[:i], watchers[i+1:]...)
			break
		}
	}
	w.dropped = true
	empty := len(watchers) == 0
	if empty {
		delete(h.channels, channel)
	} else {
		h.channels[channel] = watchers
	}
	h.lock.Unlock()

	if empty {
		if err := h.subscriber.Unsubscribe(channel); err != nil {
			log.Printf("Failed to unsubscribe channel %#v: %s", channel, err)
		}
	}
}

// deliver enqueues one notification for a watcher and schedules its
// drain task if none is running. Must be called with the lock held.
func (h *Hub) deliver(w *watcher, op *longrunningpb.Operation) {
	if w.dropped {
		return
	}
	w.pending = append(w.pending, op)
	if !w.scheduled {
		w.scheduled = true
		h.executor(func() { h.drain(w) })
	}
}

func (h *Hub) drain(w *watcher) {
	for {
		h.lock.Lock()
		if len(w.pending) == 0 {
			w.scheduled = false
			h.lock.Unlock()
			return
		}
		op := w.pending[0]
		w.pending = w.pending[1:]
		h.lock.Unlock()

		w.observer(op)
	}
}

// OnMessage processes one pub/sub message. An "expire" payload drops
// every watcher on the channel whose deadline has passed, delivering a
// terminal nil notification. Any other payload is decoded as a
// stripped operation and fanned out to all watchers, resetting their
// deadlines; a done operation is terminal and drops the watchers after
// delivery.
func (h *Hub) OnMessage(channel, payload string) {
	if payload == ExpirePayload {
		h.expireChannel(channel)
		return
	}

	var op longrunningpb.Operation
	if err := protojson.Unmarshal([]byte(payload), &op); err != nil {
		log.Printf("Dropping undecodable message on channel %#v: %s", channel, err)
		return
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	watchers := h.channels[channel]
	nextExpiresAt := h.nextExpiresAt(h.clock.Now())
	for _, w := range watchers {
		w.expiresAt = nextExpiresAt
		h.deliver(w, &op)
		if op.GetDone() {
			h.deliver(w, nil)
			w.dropped = true
		}
	}
	if op.GetDone() && len(watchers) > 0 {
		delete(h.channels, channel)
		go func() {
			if err := h.subscriber.Unsubscribe(channel); err != nil {
				log.Printf("Failed to unsubscribe channel %#v: %s", channel, err)
			}
		}()
	}
}

func (h *Hub) expireChannel(channel string) {
	now := h.clock.Now()

	h.lock.Lock()
	watchers := h.channels[channel]
	remaining := watchers[:0]
	var expired []*watcher
	for _, w := range watchers {
		if w.expiresAt.Before(now) {
			expired = append(expired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	empty := false
	if len(remaining) == 0 {
		delete(h.channels, channel)
		empty = len(watchers) > 0
	} else {
		h.channels[channel] = remaining
	}
	for _, w := range expired {
		h.deliver(w, nil)
		w.dropped = true
	}
	h.lock.Unlock()

	if empty {
		if err := h.subscriber.Unsubscribe(channel); err != nil {
			log.Printf("Failed to unsubscribe channel %#v: %s", channel, err)
		}
	}
}

// ResetWatchers extends the deadline of every watcher on a channel.
// Heartbeat logic uses this to keep watchers alive while an operation
// is still being transformed.
func (h *Hub) ResetWatchers(channel string, expiresAt time.Time) {
	h.lock.Lock()
	defer h.lock.Unlock()
	for _, w := range h.channels[channel] {
		w.expiresAt = expiresAt
	}
}

// ExpiredWatchedOperationChannels reports the channels having at least
// one watcher whose deadline lies before now. The periodic sweep
// publishes "expire" messages on these channels.
func (h *Hub) ExpiredWatchedOperationChannels(now time.Time) []string {
	h.lock.Lock()
	defer h.lock.Unlock()
	var channels []string
	for channel, watchers := range h.channels {
		for _, w := range watchers {
			if w.expiresAt.Before(now) {
				channels = append(channels, channel)
				break
			}
		}
	}
	return channels
}

// WatchedChannels returns the names of all channels that currently
// have watchers. Used to re-resolve watcher state after a pub/sub
// reconnect.
func (h *Hub) WatchedChannels() []string {
	h.lock.Lock()
	defer h.lock.Unlock()
	channels := make([]string, 0, len(h.channels))
	for channel := range h.channels {
		channels = append(channels, channel)
	}
	return channels
}
