package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation marks user-correctable input problems (bad times, duplicate
// medication names). Callers test with errors.Is.
var ErrValidation = errors.New("validation error")

// ErrNotFound is returned by store lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Slot identifies one calendar-bound schedule container. The shipped device
// holds a weekend's worth of medication, so two slots are seeded by default,
// but nothing in the hub assumes exactly two.
type Slot string

const (
	SlotSaturday Slot = "saturday"
	SlotSunday   Slot = "sunday"
)

// DefaultSlots returns the slots seeded for a new account, in order.
func DefaultSlots() []Slot {
	return []Slot{SlotSaturday, SlotSunday}
}

// Weekday returns the weekday a default slot is bound to.
func (s Slot) Weekday() time.Weekday {
	if s == SlotSunday {
		return time.Sunday
	}
	return time.Saturday
}

// Frame is a named period of the day. Frames are totally ordered:
// morning < afternoon < evening.
type Frame string

const (
	FrameMorning   Frame = "morning"
	FrameAfternoon Frame = "afternoon"
	FrameEvening   Frame = "evening"
)

// Frames returns the three frames in their canonical order.
func Frames() []Frame {
	return []Frame{FrameMorning, FrameAfternoon, FrameEvening}
}

// Index returns the position of the frame in the canonical order, or -1.
func (f Frame) Index() int {
	switch f {
	case FrameMorning:
		return 0
	case FrameAfternoon:
		return 1
	case FrameEvening:
		return 2
	}
	return -1
}

// Range returns the allowed clock-time range for the frame as minutes
// since midnight, inclusive.
func (f Frame) Range() (startMin, endMin int) {
	switch f {
	case FrameMorning:
		return 5 * 60, 11*60 + 59
	case FrameAfternoon:
		return 12 * 60, 17*60 + 59
	case FrameEvening:
		return 18 * 60, 23*60 + 59
	}
	return 0, 0
}

// Medication is one pill assigned to a time frame. Dosing time lives on the
// frame, not on the medication.
type Medication struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Slot  Slot   `json:"slot"`
	Frame Frame  `json:"frame"`
}

// TimeFrame is one dispensable bundle: a scheduled clock time plus the
// medications released together at that time.
type TimeFrame struct {
	Frame               Frame        `json:"frame"`
	ScheduledAt         string       `json:"scheduled_at"` // "HH:MM", empty = unset
	Medications         []Medication `json:"medications"`
	RequireConfirmation bool         `json:"require_confirmation"`
	Dispensed           bool         `json:"dispensed"`
	Skipped             bool         `json:"skipped"`
}

// Active reports whether the frame participates in scheduling at all:
// it needs both a time and at least one medication.
func (tf *TimeFrame) Active() bool {
	return tf.ScheduledAt != "" && len(tf.Medications) > 0
}

// Done reports whether the frame counts as completed for progressive
// ordering (dispensed or explicitly skipped).
func (tf *TimeFrame) Done() bool {
	return tf.Dispensed || tf.Skipped
}

// DaySchedule is one slot bound to a concrete calendar date.
type DaySchedule struct {
	Slot   Slot         `json:"slot"`
	Date   string       `json:"date"` // "YYYY-MM-DD"
	Frames [3]TimeFrame `json:"frames"`
}

// Frame returns the named frame, or nil for an unknown name.
func (d *DaySchedule) Frame(f Frame) *TimeFrame {
	idx := f.Index()
	if idx < 0 {
		return nil
	}
	return &d.Frames[idx]
}

// BlockingFrame returns the earliest frame before f that has both a schedule
// and medications but is not yet done. Later frames may not auto-dispense
// while such a frame exists.
func (d *DaySchedule) BlockingFrame(f Frame) *TimeFrame {
	idx := f.Index()
	for i := 0; i < idx; i++ {
		earlier := &d.Frames[i]
		if earlier.Active() && !earlier.Done() {
			return earlier
		}
	}
	return nil
}

// Snapshot is the in-memory view of every slot. It is replaced wholesale on
// refresh so the evaluator never observes a half-applied mutation.
type Snapshot struct {
	Days     []DaySchedule `json:"days"`
	LoadedAt time.Time     `json:"loaded_at"`
}

// ByDate returns the day schedule bound to the given date, or nil.
func (s *Snapshot) ByDate(date string) *DaySchedule {
	if s == nil {
		return nil
	}
	for i := range s.Days {
		if s.Days[i].Date == date {
			return &s.Days[i]
		}
	}
	return nil
}

// BySlot returns the day schedule for the given slot, or nil.
func (s *Snapshot) BySlot(slot Slot) *DaySchedule {
	if s == nil {
		return nil
	}
	for i := range s.Days {
		if s.Days[i].Slot == slot {
			return &s.Days[i]
		}
	}
	return nil
}

// HistoryEntry is one row of the dispense audit trail.
type HistoryEntry struct {
	ID             int64     `json:"id"`
	UserID         string    `json:"user_id"`
	MedicationName string    `json:"medication_name"`
	Action         string    `json:"action"` // "manual" or "auto"
	Status         string    `json:"status"` // "success" or "error"
	Notes          string    `json:"notes"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	ActionManual = "manual"
	ActionAuto   = "auto"

	StatusSuccess = "success"
	StatusError   = "error"
)

// Session is the authenticated user session as the auth collaborator
// reports it. The hub only reads it; issuing and revoking live elsewhere.
type Session struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiringSoon reports whether the session expires within the window.
func (s *Session) ExpiringSoon(window time.Duration) bool {
	return time.Until(s.ExpiresAt) < window
}

// Membership links a caregiver account to an owner account.
type Membership struct {
	OwnerUserID  string `json:"owner_user_id"`
	MemberUserID string `json:"member_user_id"`
	Status       string `json:"status"`
}

const (
	MembershipPending  = "pending"
	MembershipAccepted = "accepted"
	MembershipRejected = "rejected"
)

// Ownership is the resolved answer to "whose data do we read and write".
type Ownership struct {
	EffectiveUserID string `json:"effective_user_id"`
	IsOwner         bool   `json:"is_owner"`
}

// Profile carries the notification targets attached to an owner account.
type Profile struct {
	UserID               string   `json:"user_id"`
	PhoneNumbers         []string `json:"phone_numbers"`
	EmergencyNotes       string   `json:"emergency_notes"`
	CaregiverName        string   `json:"caregiver_name"`
	CaregiverEmail       string   `json:"caregiver_email"`
	CaregiverDeviceToken string   `json:"caregiver_device_token"`
}

// ParseHHMM converts "HH:MM" to minutes since midnight.
func ParseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("%w: invalid time %q", ErrValidation, s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: time %q out of range", ErrValidation, s)
	}
	return h*60 + m, nil
}

// ValidateFrameTime checks that a scheduled time falls inside the frame's
// allowed clock-time range.
func ValidateFrameTime(f Frame, hhmm string) error {
	minutes, err := ParseHHMM(hhmm)
	if err != nil {
		return err
	}
	start, end := f.Range()
	if minutes < start || minutes > end {
		return fmt.Errorf("%w: %s is outside the %s window (%02d:%02d-%02d:%02d)",
			ErrValidation, hhmm, f, start/60, start%60, end/60, end%60)
	}
	return nil
}
