package workers

import (
	"context"
	"time"

	"pillpal-hub/internal/ownership"
	"pillpal-hub/internal/snapshot"
)

// OwnershipWorker periodically re-verifies the caregiver relationship so a
// revoked invitation takes effect without a restart.
type OwnershipWorker struct {
	resolver *ownership.Resolver
	holder   *snapshot.Holder
	interval time.Duration
}

func NewOwnershipWorker(resolver *ownership.Resolver, holder *snapshot.Holder, interval time.Duration) *OwnershipWorker {
	return &OwnershipWorker{resolver: resolver, holder: holder, interval: interval}
}

func (w *OwnershipWorker) Name() string            { return "ownership-liveness" }
func (w *OwnershipWorker) Interval() time.Duration { return w.interval }

func (w *OwnershipWorker) Run(ctx context.Context) error {
	_, changed, err := w.resolver.Recheck(ctx)
	if err != nil {
		return err
	}
	if changed {
		// Drop the old account's data immediately; the snapshot worker
		// repopulates from the new effective account.
		w.holder.Invalidate()
	}
	return nil
}
