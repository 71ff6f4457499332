package workers

import (
	"context"
	"sync"
	"time"

	"pillpal-hub/pkg/models"
)

// Link is the connection state surface of the device client.
type Link interface {
	IsConnected() bool
}

// ProfileStore fetches the notification targets for the alert.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
}

// OfflineNotifier reaches the caregiver when the dispenser stays down.
type OfflineNotifier interface {
	DeviceOffline(ctx context.Context, profile *models.Profile, downFor time.Duration)
}

// OfflineWorker alerts the caregiver once per outage when the dispenser has
// been unreachable past the threshold. Reconnecting re-arms the alert.
type OfflineWorker struct {
	link      Link
	store     ProfileStore
	notifier  OfflineNotifier
	ownerID   func() string
	threshold time.Duration

	mu        sync.Mutex
	downSince time.Time
	alerted   bool
}

func NewOfflineWorker(link Link, store ProfileStore, notifier OfflineNotifier, ownerID func() string, threshold time.Duration) *OfflineWorker {
	return &OfflineWorker{
		link:      link,
		store:     store,
		notifier:  notifier,
		ownerID:   ownerID,
		threshold: threshold,
	}
}

func (w *OfflineWorker) Name() string            { return "device-offline-alert" }
func (w *OfflineWorker) Interval() time.Duration { return time.Minute }

func (w *OfflineWorker) Run(ctx context.Context) error {
	if w.link.IsConnected() {
		w.mu.Lock()
		w.downSince = time.Time{}
		w.alerted = false
		w.mu.Unlock()
		return nil
	}

	w.mu.Lock()
	if w.downSince.IsZero() {
		w.downSince = time.Now()
	}
	downFor := time.Since(w.downSince)
	shouldAlert := !w.alerted && downFor >= w.threshold
	if shouldAlert {
		w.alerted = true
	}
	w.mu.Unlock()

	if !shouldAlert {
		return nil
	}

	userID := w.ownerID()
	if userID == "" {
		return nil
	}

	profile, err := w.store.GetProfile(ctx, userID)
	if err != nil {
		return err
	}

	w.notifier.DeviceOffline(ctx, profile, downFor)
	return nil
}
