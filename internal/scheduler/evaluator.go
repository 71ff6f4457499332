package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"pillpal-hub/pkg/models"
)

// A frame is due only within the first seconds of its scheduled minute, so a
// tick delayed past that point does not fire a stale dose.
const dueWithinSeconds = 3

// Dispenser receives due frames. Implemented by the dispense orchestrator.
type Dispenser interface {
	DispenseAuto(ctx context.Context, slot models.Slot, frame models.Frame) error
}

// Snapshots supplies the current in-memory schedule view.
type Snapshots interface {
	Current() *models.Snapshot
}

// Evaluator ticks once a second and hands due frames to the dispenser. Doses
// it has already fired are remembered long enough to survive clock jitter.
type Evaluator struct {
	snapshots   Snapshots
	dispenser   Dispenser
	loc         *time.Location
	dedupRetain time.Duration
	stopChan    chan struct{}

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewEvaluator(snapshots Snapshots, dispenser Dispenser, loc *time.Location, dedupRetain time.Duration) *Evaluator {
	return &Evaluator{
		snapshots:   snapshots,
		dispenser:   dispenser,
		loc:         loc,
		dedupRetain: dedupRetain,
		stopChan:    make(chan struct{}),
		seen:        make(map[string]time.Time),
	}
}

func (e *Evaluator) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	log.Println("⏰ Schedule evaluator started (1s tick)")

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.evaluate(time.Now().In(e.loc))
		}
	}
}

func (e *Evaluator) Stop() {
	close(e.stopChan)
}

// evaluate runs one tick: find frames whose scheduled minute is now, skip
// anything done, blocked, or already fired, and hand the rest off.
func (e *Evaluator) evaluate(now time.Time) {
	e.prune(now)

	if now.Second() >= dueWithinSeconds {
		return
	}

	snapshot := e.snapshots.Current()
	if snapshot == nil {
		return
	}

	day := snapshot.ByDate(models.FormatDate(now))
	if day == nil {
		return
	}

	hhmm := now.Format("15:04")

	for i := range day.Frames {
		tf := &day.Frames[i]
		if !tf.Active() || tf.Done() || tf.ScheduledAt != hhmm {
			continue
		}

		if blocking := day.BlockingFrame(tf.Frame); blocking != nil {
			log.Printf("⚠️  %s/%s due but blocked by pending %s", day.Slot, tf.Frame, blocking.Frame)
			continue
		}

		key := dedupKey(day.Slot, tf.Frame, day.Date, tf.ScheduledAt)
		e.mu.Lock()
		if _, fired := e.seen[key]; fired {
			e.mu.Unlock()
			continue
		}
		e.seen[key] = now
		e.mu.Unlock()

		log.Printf("⏰ %s/%s due at %s, dispensing", day.Slot, tf.Frame, hhmm)
		go e.fire(day.Slot, tf.Frame)
	}
}

func (e *Evaluator) fire(slot models.Slot, frame models.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.dispenser.DispenseAuto(ctx, slot, frame); err != nil {
		log.Printf("❌ Auto dispense %s/%s failed: %v", slot, frame, err)
	}
}

func (e *Evaluator) prune(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, firedAt := range e.seen {
		if now.Sub(firedAt) > e.dedupRetain {
			delete(e.seen, key)
		}
	}
}

func dedupKey(slot models.Slot, frame models.Frame, date, hhmm string) string {
	return fmt.Sprintf("%s|%s|%s|%s", slot, frame, date, hhmm)
}
