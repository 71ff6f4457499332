package snapshot

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"pillpal-hub/pkg/models"
)

// Store loads the full schedule view for one account.
type Store interface {
	LoadSnapshot(ctx context.Context, userID string) (*models.Snapshot, error)
}

// Holder keeps the current schedule snapshot behind an atomic pointer. The
// evaluator reads it every second, so swaps must never block readers.
type Holder struct {
	store   Store
	ownerID func() string
	current atomic.Pointer[models.Snapshot]
}

func NewHolder(store Store, ownerID func() string) *Holder {
	return &Holder{store: store, ownerID: ownerID}
}

// Current returns the last loaded snapshot, nil before the first refresh.
func (h *Holder) Current() *models.Snapshot {
	return h.current.Load()
}

// Refresh reloads the snapshot from the store and swaps it in wholesale.
func (h *Holder) Refresh(ctx context.Context) error {
	userID := h.ownerID()
	if userID == "" {
		return fmt.Errorf("no effective account resolved yet")
	}

	snapshot, err := h.store.LoadSnapshot(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to refresh schedule snapshot: %w", err)
	}

	h.current.Store(snapshot)
	return nil
}

// Invalidate drops the snapshot, forcing the next refresh to repopulate it.
// Used when the effective account changes.
func (h *Holder) Invalidate() {
	h.current.Store(nil)
	log.Println("🔄 Schedule snapshot invalidated")
}
