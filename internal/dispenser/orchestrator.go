package dispenser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"pillpal-hub/internal/devicelink"
	"pillpal-hub/pkg/models"
)

var (
	ErrBusy                  = errors.New("a dispense is already in progress")
	ErrDeviceOffline         = errors.New("device is offline")
	ErrFrameNotActive        = errors.New("frame has no time or no medications")
	ErrAlreadyDone           = errors.New("frame already dispensed or skipped")
	ErrBlockedByEarlierFrame = errors.New("an earlier frame is still pending")
	ErrOutsideWindow         = errors.New("scheduled time is outside the dispense window")
	ErrNotToday              = errors.New("slot is not dated today")
	ErrNoPendingConfirmation = errors.New("no confirmation is pending")
	ErrNothingDue            = errors.New("no active frame to dispense")
)

// State is the orchestrator's phase. Exactly one dispense moves through the
// phases at a time.
type State string

const (
	StateIdle                 State = "idle"
	StateSelecting            State = "selecting"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateReleasing            State = "releasing"
)

// Device is the dispenser hardware surface the orchestrator drives.
type Device interface {
	Dispense(ctx context.Context, req devicelink.DispenseRequest) (*devicelink.Response, error)
	Servo2Dispense(ctx context.Context, req devicelink.Servo2DispenseRequest) (*devicelink.Response, error)
	SendSMS(ctx context.Context, req devicelink.SMSRequest) (*devicelink.Response, error)
	IsConnected() bool
}

// Store is the persistence surface: frame flags, audit rows, and the
// notification targets on the owner's profile.
type Store interface {
	MarkDispensed(ctx context.Context, userID string, slot models.Slot, frame models.Frame, date string) error
	MarkSkipped(ctx context.Context, userID string, slot models.Slot, frame models.Frame, date string) error
	InsertHistory(ctx context.Context, entry models.HistoryEntry) error
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
}

// Snapshots supplies the current in-memory schedule view.
type Snapshots interface {
	Current() *models.Snapshot
}

// Events receives dashboard-facing broadcasts.
type Events interface {
	Broadcast(eventType string, data map[string]interface{})
}

// Notifier reaches the caregiver out of band (push, email).
type Notifier interface {
	DoseDispensed(ctx context.Context, profile *models.Profile, frame models.Frame, medications []string)
	DoseSkipped(ctx context.Context, profile *models.Profile, frame models.Frame, medications []string)
}

// Options modify a single dispense run.
type Options struct {
	// Force bypasses the connectivity and date checks, the time window,
	// progressive ordering, and every confirmation prompt.
	Force bool
	// SkipTimeWindowCheck accepts an out-of-window dispense the dashboard
	// already asked the user about.
	SkipTimeWindowCheck bool
	// Auto marks the run as scheduler-initiated for the audit trail.
	Auto bool
}

// Settings carries the orchestrator's policy knobs.
type Settings struct {
	Location     *time.Location
	TimeWindow   time.Duration
	DeclineRetry time.Duration
}

// job is one dispense moving through the phases.
type job struct {
	slot        models.Slot
	frame       models.Frame
	date        string
	timeStr     string
	medications []string
	opts        Options
	declines    int
}

// Orchestrator runs the two-phase dispense: servo 1 selects the position,
// then servo 2 releases the pills. A confirmation prompt may sit between the
// phases.
type Orchestrator struct {
	device    Device
	store     Store
	snapshots Snapshots
	events    Events
	notifier  Notifier
	settings  Settings
	ownerID   func() string

	mu                sync.Mutex
	state             State
	current           *job
	retryTimer        *time.Timer
	lastKnownAngle    int
	promptAfterAccept bool
}

func NewOrchestrator(device Device, store Store, snapshots Snapshots, events Events, notifier Notifier, settings Settings, ownerID func() string) *Orchestrator {
	return &Orchestrator{
		device:    device,
		store:     store,
		snapshots: snapshots,
		events:    events,
		notifier:  notifier,
		settings:  settings,
		ownerID:   ownerID,
		state:     StateIdle,
	}
}

// State returns the current phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastKnownAngle returns the cached servo 1 position.
func (o *Orchestrator) LastKnownAngle() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastKnownAngle
}

// Dispense runs one frame through the state machine. While a dispense is in
// progress further triggers are rejected, not queued.
func (o *Orchestrator) Dispense(ctx context.Context, slot models.Slot, frame models.Frame, opts Options) error {
	if !opts.Force && !o.device.IsConnected() {
		return ErrDeviceOffline
	}

	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return fmt.Errorf("%w (state: %s)", ErrBusy, o.state)
	}
	o.state = StateSelecting
	o.mu.Unlock()

	j, err := o.prepare(slot, frame, opts)
	if err != nil {
		o.toIdle()
		return err
	}

	return o.runSelect(ctx, j)
}

// DispenseAuto is the scheduler entry point.
func (o *Orchestrator) DispenseAuto(ctx context.Context, slot models.Slot, frame models.Frame) error {
	return o.Dispense(ctx, slot, frame, Options{Auto: true})
}

// ForceDispense releases the frame whose scheduled time is nearest to now,
// skipping every check and prompt. Used from the device's physical button.
func (o *Orchestrator) ForceDispense(ctx context.Context) error {
	snapshot := o.snapshots.Current()
	if snapshot == nil {
		return ErrNothingDue
	}

	now := time.Now().In(o.settings.Location)
	nowMin := now.Hour()*60 + now.Minute()

	var bestSlot models.Slot
	var bestFrame models.Frame
	bestDist := -1

	for _, day := range snapshot.Days {
		for _, tf := range day.Frames {
			if !tf.Active() || tf.Done() {
				continue
			}
			schedMin, err := models.ParseHHMM(tf.ScheduledAt)
			if err != nil {
				continue
			}
			dist := schedMin - nowMin
			if dist < 0 {
				dist = -dist
			}
			if bestDist < 0 || dist < bestDist {
				bestDist = dist
				bestSlot = day.Slot
				bestFrame = tf.Frame
			}
		}
	}

	if bestDist < 0 {
		return ErrNothingDue
	}

	log.Printf("💊 Force dispensing nearest frame %s/%s", bestSlot, bestFrame)
	return o.Dispense(ctx, bestSlot, bestFrame, Options{Force: true})
}

// prepare validates the frame against the snapshot and builds the job.
func (o *Orchestrator) prepare(slot models.Slot, frame models.Frame, opts Options) (*job, error) {
	day := o.snapshots.Current().BySlot(slot)
	if day == nil {
		return nil, fmt.Errorf("slot %s: %w", slot, models.ErrNotFound)
	}
	tf := day.Frame(frame)
	if tf == nil {
		return nil, fmt.Errorf("frame %s: %w", frame, models.ErrNotFound)
	}
	if !tf.Active() {
		return nil, fmt.Errorf("%w: %s/%s", ErrFrameNotActive, slot, frame)
	}
	if tf.Done() {
		return nil, fmt.Errorf("%w: %s/%s", ErrAlreadyDone, slot, frame)
	}

	if !opts.Force {
		today := models.FormatDate(time.Now().In(o.settings.Location))
		if day.Date != today {
			return nil, fmt.Errorf("%w: %s is dated %s", ErrNotToday, slot, day.Date)
		}
		if blocking := day.BlockingFrame(frame); blocking != nil {
			return nil, fmt.Errorf("%w: %s is still pending", ErrBlockedByEarlierFrame, blocking.Frame)
		}
	}

	if !opts.Force && !opts.SkipTimeWindowCheck {
		now := time.Now().In(o.settings.Location)
		schedMin, err := models.ParseHHMM(tf.ScheduledAt)
		if err != nil {
			return nil, err
		}
		diff := time.Duration(schedMin-now.Hour()*60-now.Minute()) * time.Minute
		if diff < 0 {
			diff = -diff
		}
		if diff > o.settings.TimeWindow {
			return nil, fmt.Errorf("%w: %s/%s scheduled at %s", ErrOutsideWindow, slot, frame, tf.ScheduledAt)
		}
	}

	names := make([]string, 0, len(tf.Medications))
	for _, m := range tf.Medications {
		names = append(names, m.Name)
	}

	return &job{
		slot:        slot,
		frame:       frame,
		date:        day.Date,
		timeStr:     tf.ScheduledAt,
		medications: names,
		opts:        opts,
	}, nil
}

// runSelect drives servo 1 to the frame's position, then either pauses at the
// confirmation gate or rolls straight into the release.
func (o *Orchestrator) runSelect(ctx context.Context, j *job) error {
	angle, err := TargetAngle(j.slot, j.frame)
	if err != nil {
		o.toIdle()
		return err
	}

	log.Printf("💊 Selecting %s/%s at %d° (%s)", j.slot, j.frame, angle, strings.Join(j.medications, ", "))

	resp, err := o.device.Dispense(ctx, devicelink.DispenseRequest{
		ServoID:     1,
		Medication:  strings.Join(j.medications, ", "),
		TargetAngle: angle,
		Date:        j.date,
		Time:        j.timeStr,
		TimeFrame:   string(j.frame),
	})
	if err != nil {
		o.recordFailure(j, fmt.Sprintf("selection failed: %v", err))
		o.toIdle()
		return fmt.Errorf("selection failed: %w", err)
	}

	o.mu.Lock()
	if resp.Servo1Angle > 0 {
		o.lastKnownAngle = resp.Servo1Angle
	} else {
		o.lastKnownAngle = angle
	}
	needPrompt := o.needsConfirmation(j, resp)
	if needPrompt {
		o.state = StateAwaitingConfirmation
		o.current = j
	} else {
		o.state = StateReleasing
		o.current = j
	}
	o.mu.Unlock()

	if needPrompt {
		log.Printf("⏰ Awaiting confirmation for %s/%s", j.slot, j.frame)
		o.broadcastPrompt(j)
		return nil
	}

	if j.opts.Force {
		// Let the carousel settle before firing the release servo.
		time.Sleep(time.Second)
	}

	return o.runRelease(ctx, j)
}

// needsConfirmation applies the release gate. Force suppresses every prompt;
// otherwise the frame's own flag, the device's request, or the session policy
// armed by a previous accepted prompt all raise one. Caller holds o.mu.
func (o *Orchestrator) needsConfirmation(j *job, resp *devicelink.Response) bool {
	if j.opts.Force {
		return false
	}
	day := o.snapshots.Current().BySlot(j.slot)
	frameFlag := false
	if day != nil {
		if tf := day.Frame(j.frame); tf != nil {
			frameFlag = tf.RequireConfirmation
		}
	}
	return frameFlag || resp.RequiresConfirmation || o.promptAfterAccept
}

// runRelease fires servo 2, marks the frame done, and fans out notifications.
func (o *Orchestrator) runRelease(ctx context.Context, j *job) error {
	o.mu.Lock()
	o.state = StateReleasing
	o.mu.Unlock()

	log.Printf("💊 Releasing %s/%s", j.slot, j.frame)

	resp, err := o.device.Servo2Dispense(ctx, devicelink.Servo2DispenseRequest{
		Date:      j.date,
		Time:      j.timeStr,
		TimeFrame: string(j.frame),
	})
	if err != nil {
		o.recordFailure(j, fmt.Sprintf("release failed: %v", err))
		o.toIdle()
		return fmt.Errorf("release failed: %w", err)
	}

	o.mu.Lock()
	if resp.Servo1Reset {
		o.lastKnownAngle = homeAngle
	}
	o.mu.Unlock()

	userID := o.ownerID()
	if err := o.store.MarkDispensed(ctx, userID, j.slot, j.frame, j.date); err != nil {
		log.Printf("⚠️  Failed to mark %s/%s dispensed: %v", j.slot, j.frame, err)
	}

	o.recordHistory(j, models.StatusSuccess, "")
	o.notifyDispensed(ctx, userID, j)

	if o.events != nil {
		o.events.Broadcast("dispense_completed", map[string]interface{}{
			"slot":        string(j.slot),
			"frame":       string(j.frame),
			"medications": j.medications,
		})
	}

	log.Printf("✅ Dispensed %s/%s (%s)", j.slot, j.frame, strings.Join(j.medications, ", "))
	o.toIdle()
	return nil
}

// notifyDispensed sends the SMS through the device modem and pushes to the
// caregiver. Failures are logged; the dose is already out of the machine.
func (o *Orchestrator) notifyDispensed(ctx context.Context, userID string, j *job) {
	profile, err := o.store.GetProfile(ctx, userID)
	if err != nil {
		log.Printf("⚠️  Profile lookup failed, skipping notifications: %v", err)
		return
	}

	numbers := smsTargets(profile)
	if len(numbers) > 0 {
		message := fmt.Sprintf("PillPal: %s dose dispensed (%s).", j.frame, strings.Join(j.medications, ", "))
		if _, err := o.device.SendSMS(ctx, devicelink.SMSRequest{Numbers: numbers, Message: message}); err != nil {
			log.Printf("⚠️  SMS notification failed: %v", err)
		}
	}

	if o.notifier != nil {
		o.notifier.DoseDispensed(ctx, profile, j.frame, j.medications)
	}
}

var phonePattern = regexp.MustCompile(`\+?\d[\d\s-]{7,}\d`)

// smsTargets collects the profile's phone numbers plus any number embedded in
// the free-text emergency notes.
func smsTargets(profile *models.Profile) []string {
	seen := map[string]bool{}
	var numbers []string

	add := func(raw string) {
		n := strings.Map(func(r rune) rune {
			if r == ' ' || r == '-' {
				return -1
			}
			return r
		}, raw)
		if n != "" && !seen[n] {
			seen[n] = true
			numbers = append(numbers, n)
		}
	}

	for _, n := range profile.PhoneNumbers {
		add(n)
	}
	if match := phonePattern.FindString(profile.EmergencyNotes); match != "" {
		add(match)
	}

	return numbers
}

func (o *Orchestrator) recordFailure(j *job, notes string) {
	o.recordHistory(j, models.StatusError, notes)
}

func (o *Orchestrator) recordHistory(j *job, status, notes string) {
	action := models.ActionManual
	if j.opts.Auto {
		action = models.ActionAuto
	}

	entry := models.HistoryEntry{
		UserID:         o.ownerID(),
		MedicationName: strings.Join(j.medications, ", "),
		Action:         action,
		Status:         status,
		Notes:          notes,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.InsertHistory(ctx, entry); err != nil {
		log.Printf("⚠️  Failed to record history: %v", err)
	}
}

func (o *Orchestrator) toIdle() {
	o.mu.Lock()
	o.state = StateIdle
	o.current = nil
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	o.mu.Unlock()
}
