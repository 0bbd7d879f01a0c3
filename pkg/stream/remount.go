package stream

import (
	"context"
	"sync"
	"time"

	"github.com/coralogyx/loom/pkg/logger"
	"github.com/coralogyx/loom/pkg/store"
)

// RemountSignal is a one-shot, durable, cross-instance signal: bumping the
// counter for a thread tells whatever hosts that thread's session to tear
// it down and recreate it. Consumers in the same process get a direct
// callback; a consumer recreated across the remount boundary has no live
// subscription yet, so Watch additionally polls the durable counter.
type RemountSignal struct {
	store        store.Store
	log          *logger.Logger
	pollInterval time.Duration

	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]func(uint64)
}

const defaultPollInterval = 75 * time.Millisecond

func NewRemountSignal(s store.Store, pollInterval time.Duration) *RemountSignal {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &RemountSignal{
		store:        s,
		log:          logger.WithComponent("remount_signal"),
		pollInterval: pollInterval,
		subs:         make(map[string]map[uint64]func(uint64)),
	}
}

func remountKey(threadID string) string {
	return "remount_" + threadID
}

// Counter reads the durable remount counter for a thread. A missing or
// corrupt record reads as zero.
func (r *RemountSignal) Counter(ctx context.Context, threadID string) uint64 {
	var counter uint64
	if _, err := store.ReadJSON(ctx, r.store, remountKey(threadID), &counter); err != nil {
		r.log.Warn("failed to read remount counter for thread %s: %v", threadID, err)
		return 0
	}
	return counter
}

// Bump increments the durable counter and notifies live subscribers.
func (r *RemountSignal) Bump(ctx context.Context, threadID string) error {
	counter := r.Counter(ctx, threadID) + 1
	if err := store.WriteJSON(ctx, r.store, remountKey(threadID), counter); err != nil {
		return err
	}

	r.mu.Lock()
	subs := make([]func(uint64), 0, len(r.subs[threadID]))
	for _, fn := range r.subs[threadID] {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(counter)
	}
	return nil
}

// Subscribe registers a direct callback for bumps on a thread. Returns an
// unsubscribe func.
func (r *RemountSignal) Subscribe(threadID string, fn func(uint64)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subs[threadID] == nil {
		r.subs[threadID] = make(map[uint64]func(uint64))
	}
	r.nextID++
	id := r.nextID
	r.subs[threadID][id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[threadID], id)
		if len(r.subs[threadID]) == 0 {
			delete(r.subs, threadID)
		}
	}
}

// Watch invokes fn whenever the counter for threadID changes, via the live
// subscription and the polling fallback, until ctx is cancelled. It runs in
// the calling goroutine.
func (r *RemountSignal) Watch(ctx context.Context, threadID string, fn func(uint64)) {
	last := r.Counter(ctx, threadID)

	bumps := make(chan uint64, 1)
	unsubscribe := r.Subscribe(threadID, func(counter uint64) {
		select {
		case bumps <- counter:
		default:
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case counter := <-bumps:
			if counter > last {
				last = counter
				fn(counter)
			}
		case <-ticker.C:
			counter := r.Counter(ctx, threadID)
			if counter > last {
				last = counter
				fn(counter)
			}
		}
	}
}
