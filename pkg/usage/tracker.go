// Package usage accumulates token counts and elapsed time for the turn
// currently streaming in a thread. The tracker is created once per process
// and rebound as the user switches threads; snapshots persist per thread so
// a forced remount (edit/regenerate) doesn't lose the running totals.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/coralogyx/loom/pkg/logger"
	"github.com/coralogyx/loom/pkg/store"
)

// Snapshot is the running state of the current turn.
type Snapshot struct {
	InputTokens  int
	OutputTokens int
	StartTime    time.Time
}

// Subscriber receives every tracker mutation synchronously. active is false
// when no turn is in flight.
type Subscriber func(snap Snapshot, active bool)

type persistedUsage struct {
	InputTokens  *int   `json:"input_tokens"`
	OutputTokens *int   `json:"output_tokens"`
	StartTime    *int64 `json:"start_time"` // unix ms
}

// Tracker accumulates usage for the streaming turn of the bound thread.
type Tracker struct {
	mu       sync.Mutex
	store    store.Store
	log      *logger.Logger
	now      func() time.Time
	threadID string
	active   bool
	input    int
	output   int
	start    time.Time
	subs     []Subscriber
}

func NewTracker(s store.Store) *Tracker {
	return &Tracker{
		store: s,
		log:   logger.WithComponent("usage_tracker"),
		now:   time.Now,
	}
}

func usageKey(threadID string) string {
	return "turn_usage:" + threadID
}

// Bind switches the tracker to a thread. With restore set, a previously
// persisted snapshot for that thread is republished if it is structurally
// valid (all three numeric fields present).
func (t *Tracker) Bind(ctx context.Context, threadID string, restore bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.threadID = threadID
	t.active = false
	t.input = 0
	t.output = 0
	t.start = time.Time{}

	if !restore || threadID == "" {
		t.notifyLocked()
		return
	}

	var rec persistedUsage
	found, err := store.ReadJSON(ctx, t.store, usageKey(threadID), &rec)
	if err != nil {
		t.log.Warn("failed to restore usage for thread %s: %v", threadID, err)
	}
	if found && rec.InputTokens != nil && rec.OutputTokens != nil && rec.StartTime != nil {
		t.active = true
		t.input = *rec.InputTokens
		t.output = *rec.OutputTokens
		t.start = time.UnixMilli(*rec.StartTime)
	}
	t.notifyLocked()
}

// Start begins a fresh turn with zeroed counts.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = true
	t.input = 0
	t.output = 0
	t.start = t.now()
	t.persistLocked()
	t.notifyLocked()
}

// Accumulate adds a usage delta to the running totals. If no turn is
// active the delta becomes the initial values of an implicitly started one.
func (t *Tracker) Accumulate(inputTokens, outputTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		t.active = true
		t.input = inputTokens
		t.output = outputTokens
		t.start = t.now()
	} else {
		t.input += inputTokens
		t.output += outputTokens
	}
	t.persistLocked()
	t.notifyLocked()
}

// Reset clears the tracker to "no active turn" and removes the persisted
// record for the bound thread.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = false
	t.input = 0
	t.output = 0
	t.start = time.Time{}

	if t.threadID != "" {
		if err := t.store.Delete(context.Background(), usageKey(t.threadID)); err != nil {
			t.log.Warn("failed to clear usage for thread %s: %v", t.threadID, err)
		}
	}
	t.notifyLocked()
}

// Snapshot returns the current totals; ok is false when no turn is active.
func (t *Tracker) Snapshot() (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Snapshot{
		InputTokens:  t.input,
		OutputTokens: t.output,
		StartTime:    t.start,
	}, t.active
}

// Subscribe registers a subscriber. Notification is synchronous, within the
// mutating call.
func (t *Tracker) Subscribe(fn Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, fn)
}

// persistLocked writes the current snapshot for the bound thread. Storage
// errors are logged, never surfaced: losing a usage snapshot must not break
// streaming.
func (t *Tracker) persistLocked() {
	if t.threadID == "" {
		return
	}

	startMs := t.start.UnixMilli()
	rec := persistedUsage{
		InputTokens:  &t.input,
		OutputTokens: &t.output,
		StartTime:    &startMs,
	}
	if err := store.WriteJSON(context.Background(), t.store, usageKey(t.threadID), rec); err != nil {
		t.log.Warn("failed to persist usage for thread %s: %v", t.threadID, err)
	}
}

func (t *Tracker) notifyLocked() {
	snap := Snapshot{
		InputTokens:  t.input,
		OutputTokens: t.output,
		StartTime:    t.start,
	}
	for _, fn := range t.subs {
		fn(snap, t.active)
	}
}
