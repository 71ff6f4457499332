package devicelink

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare host gets scheme", "192.168.1.45:8765", "ws://192.168.1.45:8765"},
		{"trailing slash stripped", "ws://192.168.1.45:8765/", "ws://192.168.1.45:8765"},
		{"multiple trailing slashes", "ws://host:8765///", "ws://host:8765"},
		{"wss preserved", "wss://tunnel.example.com", "wss://tunnel.example.com"},
		{"whitespace trimmed", "  ws://host:8765 ", "ws://host:8765"},
		{"empty stays empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURL(tt.input))
		})
	}
}

func TestSMSRequestWireShape(t *testing.T) {
	raw, err := json.Marshal(SMSRequest{
		Type:    string(KindSendSMS),
		Numbers: []string{"+639170000001"},
		Message: "hi",
	})
	require.NoError(t, err)

	// The firmware reads phone_numbers; any other key means the text goes to
	// an empty recipient list.
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, []interface{}{"+639170000001"}, frame["phone_numbers"])
	assert.NotContains(t, frame, "numbers")
	assert.Equal(t, "send_sms", frame["type"])
	assert.Equal(t, "hi", frame["message"])
}

func TestResponseOK(t *testing.T) {
	boolPtr := func(b bool) *bool { return &b }

	tests := []struct {
		name string
		resp Response
		want bool
	}{
		{"status success", Response{Status: "success"}, true},
		{"status queued", Response{Status: "queued"}, true},
		{"status partial", Response{Status: "partial_success"}, true},
		{"status error", Response{Status: "error"}, false},
		{"empty", Response{}, false},
		{"bool true wins", Response{Success: boolPtr(true), Status: "error"}, true},
		{"bool false wins", Response{Success: boolPtr(false), Status: "success"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.resp.OK())
		})
	}
}

func TestResponseKind(t *testing.T) {
	assert.Equal(t, KindDispense, responseKind("dispense_response"))
	assert.Equal(t, KindDispense, responseKind("dispense"))
	assert.Equal(t, KindServo2Dispense, responseKind("servo2_dispense_response"))
	assert.Equal(t, KindSendSMS, responseKind("sms_response"))
	assert.Equal(t, KindUpdateSchedules, responseKind("update_schedules_response"))
	assert.Equal(t, KindPing, responseKind("pong"))
	assert.Equal(t, Kind(""), responseKind("button_press"))
	assert.Equal(t, Kind(""), responseKind(""))
}

func TestTimeoutFor(t *testing.T) {
	assert.Equal(t, ControlTimeout, timeoutFor(KindDispense))
	assert.Equal(t, ControlTimeout, timeoutFor(KindServo2Dispense))
	assert.Equal(t, SMSTimeout, timeoutFor(KindSendSMS))
	assert.Equal(t, DisplayTimeout, timeoutFor(KindUpdateSchedules))
}

func TestReconnectDelay(t *testing.T) {
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		3000 * time.Millisecond,
		4000 * time.Millisecond,
		5000 * time.Millisecond,
		6000 * time.Millisecond,
	}
	for i, expected := range want {
		assert.Equal(t, expected, reconnectDelay(i+1), "attempt %d", i+1)
	}

	assert.Equal(t, 30*time.Second, reconnectDelay(30), "caps at 30s")
	assert.Equal(t, 30*time.Second, reconnectDelay(1000))
}
