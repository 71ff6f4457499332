package dispenser

import (
	"fmt"

	"pillpal-hub/pkg/models"
)

// The carousel advances in 30 degree steps. Position 0 is home; each
// (slot, frame) pair owns one step, so the default two-slot layout spans
// 30 through 180 degrees.
const (
	stepDegrees = 30
	maxDegrees  = 180
	homeAngle   = 0
)

// TargetAngle returns the servo 1 angle that presents the given slot and
// frame at the drop gate.
func TargetAngle(slot models.Slot, frame models.Frame) (int, error) {
	slotIdx := -1
	for i, s := range models.DefaultSlots() {
		if s == slot {
			slotIdx = i
			break
		}
	}
	if slotIdx < 0 {
		return 0, fmt.Errorf("%w: unknown slot %q", models.ErrValidation, slot)
	}

	frameIdx := frame.Index()
	if frameIdx < 0 {
		return 0, fmt.Errorf("%w: unknown frame %q", models.ErrValidation, frame)
	}

	angle := stepDegrees * (slotIdx*len(models.Frames()) + frameIdx + 1)
	if angle > maxDegrees {
		return 0, fmt.Errorf("%w: position %s/%s exceeds carousel range", models.ErrValidation, slot, frame)
	}

	return angle, nil
}
