package dispenser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pillpal-hub/internal/devicelink"
	"pillpal-hub/pkg/models"
)

type fakeDevice struct {
	mu           sync.Mutex
	connected    bool
	dispenseErr  error
	servo2Err    error
	requiresConf bool

	dispenseCalls []devicelink.DispenseRequest
	servo2Calls   []devicelink.Servo2DispenseRequest
	smsCalls      []devicelink.SMSRequest

	// When set, Servo2Dispense signals servo2Started then waits on
	// servo2Release, holding the release mid-flight.
	servo2Started chan struct{}
	servo2Release chan struct{}
}

func (d *fakeDevice) Dispense(ctx context.Context, req devicelink.DispenseRequest) (*devicelink.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispenseCalls = append(d.dispenseCalls, req)
	if d.dispenseErr != nil {
		return nil, d.dispenseErr
	}
	return &devicelink.Response{
		Status:               "success",
		Servo1Angle:          req.TargetAngle,
		Servo1At180:          req.TargetAngle == 180,
		Servo2Ready:          true,
		RequiresConfirmation: d.requiresConf,
	}, nil
}

func (d *fakeDevice) Servo2Dispense(ctx context.Context, req devicelink.Servo2DispenseRequest) (*devicelink.Response, error) {
	if d.servo2Started != nil {
		close(d.servo2Started)
		d.servo2Started = nil
		<-d.servo2Release
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.servo2Calls = append(d.servo2Calls, req)
	if d.servo2Err != nil {
		return nil, d.servo2Err
	}
	return &devicelink.Response{Status: "success", Servo1Reset: true}, nil
}

func (d *fakeDevice) SendSMS(ctx context.Context, req devicelink.SMSRequest) (*devicelink.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.smsCalls = append(d.smsCalls, req)
	return &devicelink.Response{Status: "success"}, nil
}

func (d *fakeDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

type fakeStore struct {
	mu        sync.Mutex
	dispensed []string
	skipped   []string
	history   []models.HistoryEntry
	profile   *models.Profile

	// When set, MarkSkipped signals skipStarted then waits on skipRelease,
	// holding the skip mid-persist.
	skipStarted chan struct{}
	skipRelease chan struct{}
}

func (s *fakeStore) MarkDispensed(ctx context.Context, userID string, slot models.Slot, frame models.Frame, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispensed = append(s.dispensed, string(slot)+"/"+string(frame))
	return nil
}

func (s *fakeStore) MarkSkipped(ctx context.Context, userID string, slot models.Slot, frame models.Frame, date string) error {
	if s.skipStarted != nil {
		close(s.skipStarted)
		s.skipStarted = nil
		<-s.skipRelease
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped = append(s.skipped, string(slot)+"/"+string(frame))
	return nil
}

func (s *fakeStore) InsertHistory(ctx context.Context, entry models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	return nil
}

func (s *fakeStore) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	if s.profile == nil {
		return nil, models.ErrNotFound
	}
	return s.profile, nil
}

type fakeSnapshots struct {
	mu   sync.Mutex
	snap *models.Snapshot
}

func (f *fakeSnapshots) Current() *models.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEvents) Broadcast(eventType string, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeEvents) has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type fakeNotifier struct {
	mu        sync.Mutex
	dispensed int
	skipped   int
}

func (f *fakeNotifier) DoseDispensed(ctx context.Context, profile *models.Profile, frame models.Frame, meds []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispensed++
}

func (f *fakeNotifier) DoseSkipped(ctx context.Context, profile *models.Profile, frame models.Frame, meds []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped++
}

// testSnapshot builds a two-slot snapshot with the saturday morning frame
// scheduled at the given time for today.
func testSnapshot(scheduledAt string, requireConfirmation bool) *models.Snapshot {
	today := models.FormatDate(time.Now())
	return &models.Snapshot{
		Days: []models.DaySchedule{
			{
				Slot: models.SlotSaturday,
				Date: today,
				Frames: [3]models.TimeFrame{
					{
						Frame:               models.FrameMorning,
						ScheduledAt:         scheduledAt,
						Medications:         []models.Medication{{ID: 1, Name: "Aspirin"}, {ID: 2, Name: "Metformin"}},
						RequireConfirmation: requireConfirmation,
					},
					{Frame: models.FrameAfternoon},
					{Frame: models.FrameEvening},
				},
			},
			{
				Slot: models.SlotSunday,
				Date: models.FormatDate(time.Now().AddDate(0, 0, 1)),
				Frames: [3]models.TimeFrame{
					{Frame: models.FrameMorning},
					{Frame: models.FrameAfternoon},
					{Frame: models.FrameEvening},
				},
			},
		},
		LoadedAt: time.Now(),
	}
}

func newTestOrchestrator(snap *models.Snapshot) (*Orchestrator, *fakeDevice, *fakeStore, *fakeEvents, *fakeNotifier) {
	device := &fakeDevice{connected: true}
	store := &fakeStore{profile: &models.Profile{
		UserID:         "user-1",
		PhoneNumbers:   []string{"+639170000001"},
		EmergencyNotes: "In an emergency call +63 917 111 2222 first",
	}}
	events := &fakeEvents{}
	notifier := &fakeNotifier{}

	o := NewOrchestrator(device, store, &fakeSnapshots{snap: snap}, events, notifier, Settings{
		Location:     time.Local,
		TimeWindow:   30 * time.Minute,
		DeclineRetry: 50 * time.Millisecond,
	}, func() string { return "user-1" })

	return o, device, store, events, notifier
}

func nowHHMM() string {
	return time.Now().Format("15:04")
}

func TestDispenseTwoPhase(t *testing.T) {
	o, device, store, events, notifier := newTestOrchestrator(testSnapshot(nowHHMM(), false))

	err := o.Dispense(context.Background(), models.SlotSaturday, models.FrameMorning, Options{})
	require.NoError(t, err)

	require.Len(t, device.dispenseCalls, 1)
	assert.Equal(t, 30, device.dispenseCalls[0].TargetAngle)
	assert.Equal(t, "Aspirin, Metformin", device.dispenseCalls[0].Medication)

	require.Len(t, device.servo2Calls, 1)
	assert.Equal(t, []string{"saturday/morning"}, store.dispensed)

	require.Len(t, store.history, 1)
	assert.Equal(t, models.StatusSuccess, store.history[0].Status)
	assert.Equal(t, models.ActionManual, store.history[0].Action)

	require.Len(t, device.smsCalls, 1)
	assert.Equal(t, []string{"+639170000001", "+639171112222"}, device.smsCalls[0].Numbers)

	assert.Equal(t, 1, notifier.dispensed)
	assert.True(t, events.has("dispense_completed"))
	assert.Equal(t, StateIdle, o.State())
	assert.Equal(t, homeAngle, o.LastKnownAngle(), "servo1_reset homes the cached position")
}

func TestDispenseOutsideWindow(t *testing.T) {
	farOff := time.Now().Add(2 * time.Hour).Format("15:04")
	o, device, _, _, _ := newTestOrchestrator(testSnapshot(farOff, false))

	err := o.Dispense(context.Background(), models.SlotSaturday, models.FrameMorning, Options{})
	assert.ErrorIs(t, err, ErrOutsideWindow)
	assert.Empty(t, device.dispenseCalls, "device must not move")
	assert.Equal(t, StateIdle, o.State())

	// The dashboard re-posts with the override after asking the user.
	err = o.Dispense(context.Background(), models.SlotSaturday, models.FrameMorning, Options{SkipTimeWindowCheck: true})
	require.NoError(t, err)
	assert.Len(t, device.servo2Calls, 1)
}

func TestDispenseBlockedByEarlierFrame(t *testing.T) {
	snap := testSnapshot(nowHHMM(), false)
	snap.Days[0].Frames[2] = models.TimeFrame{
		Frame:       models.FrameEvening,
		ScheduledAt: nowHHMM(),
		Medications: []models.Medication{{ID: 3, Name: "Statin"}},
	}
	o, device, _, _, _ := newTestOrchestrator(snap)

	err := o.Dispense(context.Background(), models.SlotSaturday, models.FrameEvening, Options{})
	assert.ErrorIs(t, err, ErrBlockedByEarlierFrame)
	assert.Empty(t, device.dispenseCalls)
}

func TestDispensePreconditions(t *testing.T) {
	t.Run("device offline", func(t *testing.T) {
		o, device, _, _, _ := newTestOrchestrator(testSnapshot(nowHHMM(), false))
		device.connected = false
		err := o.Dispense(context.Background(), models.SlotSaturday, models.FrameMorning, Options{})
		assert.ErrorIs(t, err, ErrDeviceOffline)
	})

	t.Run("inactive frame", func(t *testing.T) {
		o, _, _, _, _ := newTestOrchestrator(testSnapshot(nowHHMM(), false))
		err := o.Dispense(context.Background(), models.SlotSaturday, models.FrameAfternoon, Options{})
		assert.ErrorIs(t, err, ErrFrameNotActive)
	})

	t.Run("already done", func(t *testing.T) {
		snap := testSnapshot(nowHHMM(), false)
		snap.Days[0].Frames[0].Dispensed = true
		o, _, _, _, _ := newTestOrchestrator(snap)
		err := o.Dispense(context.Background(), models.SlotSaturday, models.FrameMorning, Options{})
		assert.ErrorIs(t, err, ErrAlreadyDone)
	})

	t.Run("unknown slot", func(t *testing.T) {
		o, _, _, _, _ := newTestOrchestrator(testSnapshot(nowHHMM(), false))
		err := o.Dispense(context.Background(), models.Slot("monday"), models.FrameMorning, Options{})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("slot dated next week", func(t *testing.T) {
		snap := testSnapshot(nowHHMM(), false)
		snap.Days[0].Date = models.FormatDate(time.Now().AddDate(0, 0, 7))
		o, device, _, _, _ := newTestOrchestrator(snap)
		err := o.Dispense(context.Background(), models.SlotSaturday, models.FrameMorning, Options{})
		assert.ErrorIs(t, err, ErrNotToday)
		assert.Empty(t, device.dispenseCalls, "device must not move")
		assert.Equal(t, StateIdle, o.State())
	})
}

func TestConfirmationAcceptReleases(t *testing.T) {
	o, device, store, events, _ := newTestOrchestrator(testSnapshot(nowHHMM(), true))

	err := o.Dispense(context.Background(), models.SlotSaturday, models.FrameMorning, Options{})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingConfirmation, o.State())
	assert.True(t, events.has("confirmation_required"))
	assert.Empty(t, device.servo2Calls, "release waits for the prompt")

	// Duplicate trigger while busy is rejected, not queued.
	err = o.Dispense(context.Background(), models.SlotSaturday, models.FrameMorning, Options{})
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, o.Confirm(context.Background(), true))
	assert.Len(t, device.servo2Calls, 1)
	assert.Equal(t, []string{"saturday/morning"}, store.dispensed)
	assert.Equal(t, StateIdle, o.State())
}

func TestConfirmationDeclineTwiceSkips(t *testing.T) {
	o, device, store, events, notifier := newTestOrchestrator(testSnapshot(nowHHMM(), true))

	require.NoError(t, o.Dispense(context.Background(), models.SlotSaturday, models.FrameMorning, Options{}))
	require.Equal(t, StateAwaitingConfirmation, o.State())

	// First decline keeps the prompt pending.
	require.NoError(t, o.Confirm(context.Background(), false))
	assert.Equal(t, StateAwaitingConfirmation, o.State())
	assert.True(t, events.has("confirmation_declined"))
	assert.Empty(t, store.skipped)

	// Second consecutive decline skips for good.
	require.NoError(t, o.Confirm(context.Background(), false))
	assert.Equal(t, StateIdle, o.State())
	assert.Equal(t, []string{"saturday/morning"}, store.skipped)
	assert.Empty(t, device.servo2Calls, "skipped dose is never released")
	assert.Equal(t, 1, notifier.skipped)
	assert.True(t, events.has("dose_skipped"))

	require.Len(t, store.history, 1)
	assert.Contains(t, store.history[0].Notes, "declined")
}

func TestConfirmAcceptRacingConfirmIsRejected(t *testing.T) {
	o, device, store, _, _ := newTestOrchestrator(testSnapshot(nowHHMM(), true))
	device.servo2Started = make(chan struct{})
	device.servo2Release = make(chan struct{})
	started := device.servo2Started

	require.NoError(t, o.Dispense(context.Background(), models.SlotSaturday, models.FrameMorning, Options{}))

	done := make(chan error, 1)
	go func() { done <- o.Confirm(context.Background(), true) }()
	<-started

	// The release is mid-flight; a second accept (dashboard button racing the
	// device button) must not resolve the same prompt again.
	err := o.Confirm(context.Background(), true)
	assert.ErrorIs(t, err, ErrNoPendingConfirmation)

	close(device.servo2Release)
	require.NoError(t, <-done)

	assert.Len(t, device.servo2Calls, 1, "dose released exactly once")
	assert.Equal(t, []string{"saturday/morning"}, store.dispensed)
}

func TestConfirmRacingSecondDeclineIsRejected(t *testing.T) {
	o, device, store, _, _ := newTestOrchestrator(testSnapshot(nowHHMM(), true))
	store.skipStarted = make(chan struct{})
	store.skipRelease = make(chan struct{})
	started := store.skipStarted

	require.NoError(t, o.Dispense(context.Background(), models.SlotSaturday, models.FrameMorning, Options{}))
	require.NoError(t, o.Confirm(context.Background(), false))

	done := make(chan error, 1)
	go func() { done <- o.Confirm(context.Background(), false) }()
	<-started

	// The skip is mid-persist; an accept arriving now must not release the
	// dose that is being skipped.
	err := o.Confirm(context.Background(), true)
	assert.ErrorIs(t, err, ErrNoPendingConfirmation)

	close(store.skipRelease)
	require.NoError(t, <-done)

	assert.Empty(t, device.servo2Calls, "skipped dose is never released")
	assert.Equal(t, []string{"saturday/morning"}, store.skipped)
	assert.Equal(t, StateIdle, o.State())
}

func TestConfirmWithoutPendingPrompt(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator(testSnapshot(nowHHMM(), false))
	err := o.Confirm(context.Background(), true)
	assert.ErrorIs(t, err, ErrNoPendingConfirmation)
}

func TestPromptPolicyAfterAccept(t *testing.T) {
	snap := testSnapshot(nowHHMM(), true)
	snap.Days[0].Frames[1] = models.TimeFrame{
		Frame:       models.FrameAfternoon,
		ScheduledAt: nowHHMM(),
		Medications: []models.Medication{{ID: 3, Name: "Statin"}},
	}
	o, _, _, _, _ := newTestOrchestrator(snap)

	require.NoError(t, o.Dispense(context.Background(), models.SlotSaturday, models.FrameMorning, Options{}))
	require.NoError(t, o.Confirm(context.Background(), true))

	// The afternoon frame has no confirmation flag of its own, but one
	// accepted prompt arms prompting for the rest of the session.
	snap.Days[0].Frames[0].Dispensed = true
	require.NoError(t, o.Dispense(context.Background(), models.SlotSaturday, models.FrameAfternoon, Options{}))
	assert.Equal(t, StateAwaitingConfirmation, o.State())
}

func TestForceDispenseBypassesEverything(t *testing.T) {
	// Offline device, slot dated next week, scheduled far outside the window,
	// flagged for confirmation; force ignores all of it.
	farOff := time.Now().Add(3 * time.Hour).Format("15:04")
	snap := testSnapshot(farOff, true)
	snap.Days[0].Date = models.FormatDate(time.Now().AddDate(0, 0, 7))
	o, device, store, _, _ := newTestOrchestrator(snap)
	device.connected = false

	err := o.ForceDispense(context.Background())
	require.NoError(t, err)

	assert.Len(t, device.dispenseCalls, 1)
	assert.Len(t, device.servo2Calls, 1)
	assert.Equal(t, []string{"saturday/morning"}, store.dispensed)
	assert.Equal(t, StateIdle, o.State())
}

func TestForceDispenseNothingDue(t *testing.T) {
	snap := testSnapshot(nowHHMM(), false)
	snap.Days[0].Frames[0].Dispensed = true
	o, _, _, _, _ := newTestOrchestrator(snap)

	err := o.ForceDispense(context.Background())
	assert.ErrorIs(t, err, ErrNothingDue)
}

func TestSelectionFailureRecordsHistory(t *testing.T) {
	o, device, store, _, _ := newTestOrchestrator(testSnapshot(nowHHMM(), false))
	device.dispenseErr = errors.New("servo jammed")

	err := o.Dispense(context.Background(), models.SlotSaturday, models.FrameMorning, Options{})
	require.Error(t, err)
	assert.Equal(t, StateIdle, o.State())
	assert.Empty(t, store.dispensed)

	require.Len(t, store.history, 1)
	assert.Equal(t, models.StatusError, store.history[0].Status)
}

func TestReleaseFailureRecordsHistory(t *testing.T) {
	o, _, store, _, _ := newTestOrchestrator(testSnapshot(nowHHMM(), false))
	device := o.device.(*fakeDevice)
	device.servo2Err = errors.New("release servo stuck")

	err := o.Dispense(context.Background(), models.SlotSaturday, models.FrameMorning, Options{})
	require.Error(t, err)
	assert.Equal(t, StateIdle, o.State())
	assert.Empty(t, store.dispensed, "frame stays pending when the release fails")

	require.Len(t, store.history, 1)
	assert.Equal(t, models.StatusError, store.history[0].Status)
}

func TestSMSTargets(t *testing.T) {
	profile := &models.Profile{
		PhoneNumbers:   []string{"+639170000001", "+639170000001"},
		EmergencyNotes: "Neighbor Maria: +63 917 111 2222, knock on door 4B",
	}

	targets := smsTargets(profile)
	assert.Equal(t, []string{"+639170000001", "+639171112222"}, targets, "deduped and normalized")

	assert.Empty(t, smsTargets(&models.Profile{EmergencyNotes: "no numbers here"}))
}
