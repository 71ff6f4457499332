package workers

import (
	"context"
	"log"
	"time"

	"pillpal-hub/internal/snapshot"
)

// MaintenanceStore covers the schedule upkeep queries.
type MaintenanceStore interface {
	EnsureDaySchedules(ctx context.Context, userID string, now time.Time) error
	AdvanceExpiredDates(ctx context.Context, userID string, now time.Time) (int, error)
}

// MaintenanceWorker seeds missing slot rows and rolls past dates forward to
// the next matching weekday, clearing dispense flags as it goes.
type MaintenanceWorker struct {
	store   MaintenanceStore
	holder  *snapshot.Holder
	ownerID func() string
	loc     *time.Location
}

func NewMaintenanceWorker(store MaintenanceStore, holder *snapshot.Holder, ownerID func() string, loc *time.Location) *MaintenanceWorker {
	return &MaintenanceWorker{store: store, holder: holder, ownerID: ownerID, loc: loc}
}

func (w *MaintenanceWorker) Name() string            { return "schedule-maintenance" }
func (w *MaintenanceWorker) Interval() time.Duration { return time.Minute }

func (w *MaintenanceWorker) Run(ctx context.Context) error {
	userID := w.ownerID()
	if userID == "" {
		return nil // ownership not resolved yet
	}

	now := time.Now().In(w.loc)

	if err := w.store.EnsureDaySchedules(ctx, userID, now); err != nil {
		return err
	}

	advanced, err := w.store.AdvanceExpiredDates(ctx, userID, now)
	if err != nil {
		return err
	}
	if advanced > 0 {
		log.Printf("📅 Advanced %d slot(s) to their next weekday", advanced)
		return w.holder.Refresh(ctx)
	}

	return nil
}
