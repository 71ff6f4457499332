package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pillpal-hub/pkg/models"
)

type fakeDispenser struct {
	mu    sync.Mutex
	calls []string
}

func (d *fakeDispenser) DispenseAuto(ctx context.Context, slot models.Slot, frame models.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, string(slot)+"/"+string(frame))
	return nil
}

func (d *fakeDispenser) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type staticSnapshots struct {
	snap *models.Snapshot
}

func (s *staticSnapshots) Current() *models.Snapshot { return s.snap }

func snapshotFor(date, scheduledAt string) *models.Snapshot {
	return &models.Snapshot{
		Days: []models.DaySchedule{
			{
				Slot: models.SlotSaturday,
				Date: date,
				Frames: [3]models.TimeFrame{
					{
						Frame:       models.FrameMorning,
						ScheduledAt: scheduledAt,
						Medications: []models.Medication{{ID: 1, Name: "Aspirin"}},
					},
					{Frame: models.FrameAfternoon},
					{Frame: models.FrameEvening},
				},
			},
		},
		LoadedAt: time.Now(),
	}
}

func newTestEvaluator(snap *models.Snapshot) (*Evaluator, *fakeDispenser) {
	d := &fakeDispenser{}
	e := NewEvaluator(&staticSnapshots{snap: snap}, d, time.UTC, 120*time.Second)
	return e, d
}

// waitForCalls gives the async hand-off a moment to land.
func waitForCalls(t *testing.T, d *fakeDispenser, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.callCount() == want
	}, time.Second, 5*time.Millisecond)
}

func TestEvaluateFiresDueFrame(t *testing.T) {
	now := time.Date(2026, 8, 29, 7, 0, 1, 0, time.UTC)
	e, d := newTestEvaluator(snapshotFor("2026-08-29", "07:00"))

	e.evaluate(now)
	waitForCalls(t, d, 1)
	assert.Equal(t, []string{"saturday/morning"}, d.calls)
}

func TestEvaluateLateInMinuteDoesNotFire(t *testing.T) {
	// Past the due threshold within the scheduled minute.
	now := time.Date(2026, 8, 29, 7, 0, 3, 0, time.UTC)
	e, d := newTestEvaluator(snapshotFor("2026-08-29", "07:00"))

	e.evaluate(now)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, d.callCount())
}

func TestEvaluateWrongMinuteDoesNotFire(t *testing.T) {
	now := time.Date(2026, 8, 29, 7, 1, 0, 0, time.UTC)
	e, d := newTestEvaluator(snapshotFor("2026-08-29", "07:00"))

	e.evaluate(now)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, d.callCount())
}

func TestEvaluateDedupAcrossTicks(t *testing.T) {
	e, d := newTestEvaluator(snapshotFor("2026-08-29", "07:00"))

	// Three ticks inside the due window fire exactly once.
	for sec := 0; sec < 3; sec++ {
		e.evaluate(time.Date(2026, 8, 29, 7, 0, sec, 0, time.UTC))
	}
	waitForCalls(t, d, 1)
}

func TestEvaluateDedupExpires(t *testing.T) {
	e, d := newTestEvaluator(snapshotFor("2026-08-29", "07:00"))

	e.evaluate(time.Date(2026, 8, 29, 7, 0, 0, 0, time.UTC))
	waitForCalls(t, d, 1)

	// Well past the retention window the key is pruned; the frame itself
	// would normally be marked dispensed by then, but the evaluator's own
	// memory must not fire twice within retention.
	e.evaluate(time.Date(2026, 8, 29, 7, 1, 30, 0, time.UTC))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.callCount())
}

func TestEvaluateSkipsDoneFrames(t *testing.T) {
	snap := snapshotFor("2026-08-29", "07:00")
	snap.Days[0].Frames[0].Dispensed = true
	e, d := newTestEvaluator(snap)

	e.evaluate(time.Date(2026, 8, 29, 7, 0, 0, 0, time.UTC))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, d.callCount())
}

func TestEvaluateRespectsProgressiveOrder(t *testing.T) {
	snap := snapshotFor("2026-08-29", "07:00")
	snap.Days[0].Frames[2] = models.TimeFrame{
		Frame:       models.FrameEvening,
		ScheduledAt: "19:00",
		Medications: []models.Medication{{ID: 2, Name: "Statin"}},
	}
	e, d := newTestEvaluator(snap)

	// Evening is due but the morning dose was never taken.
	e.evaluate(time.Date(2026, 8, 29, 19, 0, 0, 0, time.UTC))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, d.callCount())

	// Skipping the morning unblocks the evening.
	snap.Days[0].Frames[0].Skipped = true
	e.evaluate(time.Date(2026, 8, 29, 19, 0, 1, 0, time.UTC))
	waitForCalls(t, d, 1)
	assert.Equal(t, []string{"saturday/evening"}, d.calls)
}

func TestEvaluateIgnoresOtherDates(t *testing.T) {
	e, d := newTestEvaluator(snapshotFor("2026-09-05", "07:00"))

	e.evaluate(time.Date(2026, 8, 29, 7, 0, 0, 0, time.UTC))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, d.callCount())
}

func TestEvaluateNilSnapshot(t *testing.T) {
	e, d := newTestEvaluator(nil)
	e.evaluate(time.Date(2026, 8, 29, 7, 0, 0, 0, time.UTC))
	assert.Zero(t, d.callCount())
}
