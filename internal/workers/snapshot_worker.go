package workers

import (
	"context"
	"time"

	"pillpal-hub/internal/snapshot"
)

// SnapshotWorker keeps the in-memory schedule view current. The dashboard
// writes to the store directly, so the evaluator sees edits on the next
// refresh.
type SnapshotWorker struct {
	holder   *snapshot.Holder
	interval time.Duration
}

func NewSnapshotWorker(holder *snapshot.Holder, interval time.Duration) *SnapshotWorker {
	return &SnapshotWorker{holder: holder, interval: interval}
}

func (w *SnapshotWorker) Name() string            { return "snapshot-refresh" }
func (w *SnapshotWorker) Interval() time.Duration { return w.interval }

func (w *SnapshotWorker) Run(ctx context.Context) error {
	return w.holder.Refresh(ctx)
}
