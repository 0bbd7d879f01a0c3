package resubmit

import (
	"context"
	"time"

	"github.com/coralogyx/loom/pkg/runtime"
	"github.com/coralogyx/loom/pkg/store"
)

// PendingResubmission is the durable intent record written after an edit
// truncates history. It survives the forced remount and is replayed on the
// next mount. Exactly one record exists per thread; a new edit overwrites
// the previous one.
type PendingResubmission struct {
	Text       string              `json:"text"`
	Timestamp  int64               `json:"timestamp"` // unix ms
	Checkpoint *runtime.Checkpoint `json:"checkpoint,omitempty"`
	Attempts   int                 `json:"attempts"`
}

// Expired reports whether the record is older than ttl.
func (p PendingResubmission) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(time.UnixMilli(p.Timestamp)) > ttl
}

func resubmitKey(threadID string) string {
	return "resubmit_" + threadID
}

func loadPending(ctx context.Context, s store.Store, threadID string) (PendingResubmission, bool, error) {
	var p PendingResubmission
	found, err := store.ReadJSON(ctx, s, resubmitKey(threadID), &p)
	return p, found, err
}

func savePending(ctx context.Context, s store.Store, threadID string, p PendingResubmission) error {
	return store.WriteJSON(ctx, s, resubmitKey(threadID), p)
}

func deletePending(ctx context.Context, s store.Store, threadID string) error {
	return s.Delete(ctx, resubmitKey(threadID))
}
