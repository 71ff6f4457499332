package dispenser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pillpal-hub/pkg/models"
)

func TestTargetAngle(t *testing.T) {
	tests := []struct {
		slot  models.Slot
		frame models.Frame
		want  int
	}{
		{models.SlotSaturday, models.FrameMorning, 30},
		{models.SlotSaturday, models.FrameAfternoon, 60},
		{models.SlotSaturday, models.FrameEvening, 90},
		{models.SlotSunday, models.FrameMorning, 120},
		{models.SlotSunday, models.FrameAfternoon, 150},
		{models.SlotSunday, models.FrameEvening, 180},
	}

	for _, tt := range tests {
		t.Run(string(tt.slot)+"/"+string(tt.frame), func(t *testing.T) {
			got, err := TargetAngle(tt.slot, tt.frame)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTargetAngleStrictlyIncreasing(t *testing.T) {
	previous := homeAngle
	for _, slot := range models.DefaultSlots() {
		for _, frame := range models.Frames() {
			angle, err := TargetAngle(slot, frame)
			require.NoError(t, err)
			assert.Greater(t, angle, previous, "%s/%s must advance past the previous position", slot, frame)
			assert.LessOrEqual(t, angle, maxDegrees)
			previous = angle
		}
	}
}

func TestTargetAngleUnknownInputs(t *testing.T) {
	_, err := TargetAngle(models.Slot("monday"), models.FrameMorning)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = TargetAngle(models.SlotSaturday, models.Frame("midnight"))
	assert.ErrorIs(t, err, models.ErrValidation)
}
