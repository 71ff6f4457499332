package devicelink

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind names one request type on the dispenser wire protocol. The device
// answers at most one request per kind at a time.
type Kind string

const (
	KindDispense        Kind = "dispense"
	KindServo2Dispense  Kind = "servo2_dispense"
	KindSendSMS         Kind = "send_sms"
	KindUpdateSchedules Kind = "update_schedules"
	KindPing            Kind = "ping"

	// Unsolicited frames the device pushes on its own.
	eventButtonPress = "button_press"
	eventDeviceID    = "pi_id"
)

// Per-kind response deadlines. Motor movement takes seconds; the GSM modem
// takes longer still; display sync is a quick write.
const (
	ControlTimeout = 10 * time.Second
	SMSTimeout     = 15 * time.Second
	DisplayTimeout = 5 * time.Second
)

func timeoutFor(kind Kind) time.Duration {
	switch kind {
	case KindSendSMS:
		return SMSTimeout
	case KindUpdateSchedules:
		return DisplayTimeout
	default:
		return ControlTimeout
	}
}

var (
	ErrConnectionTimeout = errors.New("device connection timed out")
	ErrConnectionError   = errors.New("device connection error")
	ErrNotConnected      = errors.New("device not connected")
	ErrRequestTimeout    = errors.New("device request timed out")
	ErrRequestInFlight   = errors.New("request of this kind already in flight")
)

// DeviceError carries a failure status the device itself reported.
type DeviceError struct {
	Kind    Kind
	Status  string
	Message string
}

func (e *DeviceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("device rejected %s: %s (%s)", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("device rejected %s: %s", e.Kind, e.Status)
}

// DispenseRequest rotates servo 1 to present a pill at the drop gate.
type DispenseRequest struct {
	Type        string `json:"type"`
	ServoID     int    `json:"servo_id"`
	Medication  string `json:"medication"`
	TargetAngle int    `json:"target_angle"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	TimeFrame   string `json:"time_frame"`
}

// Servo2DispenseRequest fires the release servo, dropping whatever servo 1
// presented, and homes servo 1 afterwards.
type Servo2DispenseRequest struct {
	Type      string `json:"type"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	TimeFrame string `json:"time_frame"`
}

// SMSRequest sends a text through the device's GSM modem. The firmware reads
// the recipients from the phone_numbers field.
type SMSRequest struct {
	Type    string   `json:"type"`
	Numbers []string `json:"phone_numbers"`
	Message string   `json:"message"`
}

// ScheduleDisplay is the per-frame line shown on the device's LCD.
type ScheduleDisplay struct {
	Slot        string   `json:"slot"`
	Frame       string   `json:"frame"`
	Time        string   `json:"time"`
	Medications []string `json:"medications"`
}

// UpdateSchedulesRequest syncs the LCD with the current schedule.
type UpdateSchedulesRequest struct {
	Type      string            `json:"type"`
	Schedules []ScheduleDisplay `json:"schedules"`
}

type pingRequest struct {
	Type string `json:"type"`
}

// Response is the union of every frame the device sends back. Which fields
// are populated depends on the request kind.
type Response struct {
	Type    string `json:"type,omitempty"`
	Status  string `json:"status,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`

	// dispense
	ServoID              int  `json:"servo_id,omitempty"`
	Servo1Angle          int  `json:"servo1_angle,omitempty"`
	Servo1At180          bool `json:"servo1_at_180,omitempty"`
	Servo2Ready          bool `json:"servo2_ready,omitempty"`
	RequiresConfirmation bool `json:"requires_confirmation,omitempty"`

	// servo2_dispense
	Servo1Reset bool `json:"servo1_reset,omitempty"`

	// pi_id announcement
	PiUniqueID string `json:"pi_unique_id,omitempty"`
}

// OK reports whether the device accepted the request. Older firmware answers
// with a boolean, newer with a status string; partial_success means the
// primary action landed.
func (r *Response) OK() bool {
	if r.Success != nil {
		return *r.Success
	}
	switch r.Status {
	case "success", "queued", "partial_success", "ok":
		return true
	}
	return false
}

// responseKind maps a typed response frame back to the request kind it
// answers. Empty for untyped frames and unsolicited events.
func responseKind(frameType string) Kind {
	switch frameType {
	case "dispense_response", string(KindDispense):
		return KindDispense
	case "servo2_dispense_response", string(KindServo2Dispense):
		return KindServo2Dispense
	case "sms_response", string(KindSendSMS):
		return KindSendSMS
	case "update_schedules_response", string(KindUpdateSchedules):
		return KindUpdateSchedules
	case "pong", string(KindPing):
		return KindPing
	}
	return ""
}

// NormalizeURL cleans a stored device address: trims whitespace and trailing
// slashes, and defaults the scheme to ws:// when none is present.
func NormalizeURL(raw string) string {
	url := strings.TrimSpace(raw)
	for strings.HasSuffix(url, "/") {
		url = strings.TrimSuffix(url, "/")
	}
	if url == "" {
		return url
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + url
	}
	return url
}
