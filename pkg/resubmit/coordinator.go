// Package resubmit implements the edit/regenerate protocol: stop the live
// stream, truncate server-side history, persist a durable resubmission
// intent, force a remount, and replay the intent with bounded retries.
package resubmit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coralogyx/loom/pkg/gateway"
	"github.com/coralogyx/loom/pkg/logger"
	"github.com/coralogyx/loom/pkg/runtime"
	"github.com/coralogyx/loom/pkg/store"
	"github.com/coralogyx/loom/pkg/stream"
	"github.com/coralogyx/loom/pkg/threads"
)

var (
	// ErrEditInFlight rejects a second edit/regenerate while one is active.
	ErrEditInFlight = errors.New("edit already in progress for this thread")
	// ErrNoThread means the session has no thread id to edit against.
	ErrNoThread = errors.New("no thread id available")
	// ErrMessageNotFound means the edit target is absent from the
	// displayed sequence.
	ErrMessageNotFound = errors.New("message not found in current sequence")
)

// State of the coordinator's per-thread machine.
type State int

const (
	StateIdle State = iota
	StateEditing
	StateTruncating
	StatePendingRemount
	StateResubmitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEditing:
		return "editing"
	case StateTruncating:
		return "truncating"
	case StatePendingRemount:
		return "pending_remount"
	case StateResubmitting:
		return "resubmitting"
	default:
		return "unknown"
	}
}

// Truncator is the history truncation collaborator.
type Truncator interface {
	TruncateMessages(ctx context.Context, threadID string, messageIndex int) (gateway.TruncateResponse, error)
}

const (
	defaultTTL         = 60 * time.Second
	defaultMaxAttempts = 3
	defaultSettleDelay = 300 * time.Millisecond
	defaultCheckDelay  = 150 * time.Millisecond
)

// Coordinator owns the edit/regenerate state machine for one thread's
// session.
type Coordinator struct {
	session   *stream.Session
	truncator Truncator
	store     store.Store
	cache     *threads.Cache
	remounts  *stream.RemountSignal
	log       *logger.Logger

	ttl         time.Duration
	maxAttempts int
	settleDelay time.Duration
	checkDelay  time.Duration
	now         func() time.Time
	sleep       func(time.Duration)

	// In-memory only: a page reload mid-operation is abandonment, caught
	// by the TTL check on the next load.
	mu    sync.Mutex
	state State
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.ttl = ttl }
}

func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) { c.maxAttempts = n }
}

func WithSettleDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.settleDelay = d }
}

func WithCheckDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.checkDelay = d }
}

func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(c *Coordinator) {
		c.now = now
		c.sleep = sleep
	}
}

func NewCoordinator(session *stream.Session, truncator Truncator, s store.Store, cache *threads.Cache, remounts *stream.RemountSignal, opts ...Option) *Coordinator {
	c := &Coordinator{
		session:     session,
		truncator:   truncator,
		store:       s,
		cache:       cache,
		remounts:    remounts,
		log:         logger.WithComponent("resubmit_coordinator"),
		ttl:         defaultTTL,
		maxAttempts: defaultMaxAttempts,
		settleDelay: defaultSettleDelay,
		checkDelay:  defaultCheckDelay,
		now:         time.Now,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current machine state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// tryBegin moves Idle → to, rejecting if another operation is in flight.
func (c *Coordinator) tryBegin(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return false
	}
	c.state = to
	return true
}

// Edit truncates history at the target message and schedules a
// resubmission of newText. The caller must remount the session when the
// remount signal fires.
func (c *Coordinator) Edit(ctx context.Context, messageID, newText string) error {
	if !c.tryBegin(StateEditing) {
		return ErrEditInFlight
	}
	defer c.setState(StateIdle)

	threadID := c.session.ThreadID()
	if threadID == "" {
		return ErrNoThread
	}

	_, index, found := c.session.LocateMessage(messageID)
	if !found {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	// A still-in-flight write would invalidate the checkpoint the
	// truncation lands on, so stop first and let the runtime settle.
	if c.session.Loading() {
		if err := c.session.Stop(ctx); err != nil {
			c.log.Warn("failed to stop stream before truncation: %v", err)
		}
		c.sleep(c.settleDelay)
	}

	c.setState(StateTruncating)
	resp, err := c.truncator.TruncateMessages(ctx, threadID, index)
	if err != nil {
		return fmt.Errorf("truncation failed: %w", err)
	}

	var checkpoint *runtime.Checkpoint
	if resp.CheckpointID != "" {
		checkpoint = &runtime.Checkpoint{
			ID:        resp.CheckpointID,
			Namespace: resp.CheckpointNS,
			Map:       resp.CheckpointMap,
		}
	}

	// Sidebar titles/previews are stale after a truncate.
	c.cache.Invalidate()

	pending := PendingResubmission{
		Text:       newText,
		Timestamp:  c.now().UnixMilli(),
		Checkpoint: checkpoint,
		Attempts:   0,
	}
	if err := savePending(ctx, c.store, threadID, pending); err != nil {
		return fmt.Errorf("failed to persist pending resubmission: %w", err)
	}

	c.setState(StatePendingRemount)
	if err := c.remounts.Bump(ctx, threadID); err != nil {
		return fmt.Errorf("failed to signal remount: %w", err)
	}

	c.log.Info("edit truncated thread %s at index %d, kept %d removed %d",
		threadID, index, resp.MessagesKept, resp.MessagesRemoved)
	return nil
}

// Regenerate is edit specialized to resending the target's own text
// unchanged.
func (c *Coordinator) Regenerate(ctx context.Context, messageID string) error {
	msg, _, found := c.session.LocateMessage(messageID)
	if !found {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	return c.Edit(ctx, messageID, msg.VisibleText())
}

// OnMount detects and replays a pending resubmission. Call it once per
// session mount; it waits a short fixed delay, then attempts the replay,
// re-detecting after the same delay between bounded retries.
func (c *Coordinator) OnMount(ctx context.Context) {
	go func() {
		for {
			c.sleep(c.checkDelay)
			done := c.resubmitOnce(ctx)
			if done || ctx.Err() != nil {
				return
			}
		}
	}()
}

// resubmitOnce runs one detection + attempt cycle. It returns true when no
// further checks are needed (no pending record remains, or one is
// outstanding elsewhere).
func (c *Coordinator) resubmitOnce(ctx context.Context) bool {
	threadID := c.session.ThreadID()
	if threadID == "" {
		return true
	}

	pending, found, err := loadPending(ctx, c.store, threadID)
	if err != nil {
		c.log.Warn("failed to load pending resubmission for thread %s: %v", threadID, err)
		return true
	}
	if !found {
		return true
	}

	if pending.Expired(c.now(), c.ttl) {
		// An expired intent is stale, not an error; drop it quietly.
		c.log.Info("discarding expired resubmission intent for thread %s", threadID)
		if err := deletePending(ctx, c.store, threadID); err != nil {
			c.log.Warn("failed to delete expired resubmission: %v", err)
		}
		return true
	}

	// Only one in-flight resubmission per thread; a second detection while
	// one is outstanding is ignored.
	if !c.tryBegin(StateResubmitting) {
		return true
	}
	defer c.setState(StateIdle)

	// Not resumable: the truncated run must start a clean stream, never
	// continue a stale one.
	err = c.session.Submit(ctx, pending.Text, stream.SubmitOptions{
		Resumable:  false,
		Checkpoint: pending.Checkpoint,
	})
	if err == nil {
		if err := deletePending(ctx, c.store, threadID); err != nil {
			c.log.Warn("failed to delete replayed resubmission: %v", err)
		}
		c.log.Info("replayed pending resubmission for thread %s (attempt %d)", threadID, pending.Attempts+1)
		return true
	}

	pending.Attempts++
	if pending.Attempts >= c.maxAttempts {
		c.log.Error("giving up on resubmission for thread %s after %d attempts: %v", threadID, pending.Attempts, err)
		if delErr := deletePending(ctx, c.store, threadID); delErr != nil {
			c.log.Warn("failed to delete abandoned resubmission: %v", delErr)
		}
		return true
	}

	c.log.Warn("resubmission attempt %d failed for thread %s, will retry: %v", pending.Attempts, threadID, err)
	if err := savePending(ctx, c.store, threadID, pending); err != nil {
		c.log.Error("failed to persist retry state for thread %s: %v", threadID, err)
		return true
	}
	return false
}
