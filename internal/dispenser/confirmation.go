package dispenser

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"pillpal-hub/pkg/models"
)

// Confirm resolves a pending confirmation prompt. The first decline arms a
// retry that re-raises the prompt after the configured delay; a second
// consecutive decline skips the dose for good.
func (o *Orchestrator) Confirm(ctx context.Context, accept bool) error {
	o.mu.Lock()
	if o.state != StateAwaitingConfirmation || o.current == nil {
		o.mu.Unlock()
		return ErrNoPendingConfirmation
	}
	j := o.current

	if accept {
		if o.retryTimer != nil {
			o.retryTimer.Stop()
			o.retryTimer = nil
		}
		// Once the user has confirmed one prompted dose, keep prompting for
		// the rest of the session.
		o.promptAfterAccept = true
		// Leave the awaiting state before releasing the lock so a racing
		// Confirm (dashboard button vs device button) cannot resolve the same
		// prompt twice.
		o.state = StateReleasing
		o.mu.Unlock()

		log.Printf("✅ Confirmation accepted for %s/%s", j.slot, j.frame)
		return o.runRelease(ctx, j)
	}

	j.declines++
	declines := j.declines

	if declines >= 2 {
		if o.retryTimer != nil {
			o.retryTimer.Stop()
			o.retryTimer = nil
		}
		// Detach the job while still holding the lock; a racing Confirm must
		// not release a dose that is being skipped.
		o.current = nil
		o.mu.Unlock()
		return o.skipAfterDecline(ctx, j)
	}

	o.retryTimer = o.newRetryTimer(j)
	o.mu.Unlock()

	log.Printf("⏰ Confirmation declined for %s/%s, retrying in %s", j.slot, j.frame, o.settings.DeclineRetry)
	if o.events != nil {
		o.events.Broadcast("confirmation_declined", map[string]interface{}{
			"slot":     string(j.slot),
			"frame":    string(j.frame),
			"retry_in": o.settings.DeclineRetry.String(),
		})
	}
	return nil
}

// skipAfterDecline marks the dose skipped. A skipped frame counts as done,
// so it no longer blocks later frames.
func (o *Orchestrator) skipAfterDecline(ctx context.Context, j *job) error {
	userID := o.ownerID()

	log.Printf("⚠️  Dose %s/%s skipped after repeated decline", j.slot, j.frame)

	if err := o.store.MarkSkipped(ctx, userID, j.slot, j.frame, j.date); err != nil {
		log.Printf("⚠️  Failed to mark %s/%s skipped: %v", j.slot, j.frame, err)
	}
	o.recordHistory(j, models.StatusSuccess, "skipped after repeated decline")

	if profile, err := o.store.GetProfile(ctx, userID); err == nil && o.notifier != nil {
		o.notifier.DoseSkipped(ctx, profile, j.frame, j.medications)
	}

	if o.events != nil {
		o.events.Broadcast("dose_skipped", map[string]interface{}{
			"slot":  string(j.slot),
			"frame": string(j.frame),
		})
	}

	o.toIdle()
	return nil
}

// newRetryTimer re-raises the prompt unless the job was resolved meanwhile.
// Caller holds o.mu.
func (o *Orchestrator) newRetryTimer(j *job) *time.Timer {
	return time.AfterFunc(o.settings.DeclineRetry, func() {
		o.mu.Lock()
		stale := o.state != StateAwaitingConfirmation || o.current != j
		o.mu.Unlock()
		if stale {
			return
		}
		log.Printf("⏰ Re-raising confirmation for %s/%s", j.slot, j.frame)
		o.broadcastPrompt(j)
	})
}

func (o *Orchestrator) broadcastPrompt(j *job) {
	if o.events == nil {
		return
	}
	o.events.Broadcast("confirmation_required", map[string]interface{}{
		"slot":        string(j.slot),
		"frame":       string(j.frame),
		"time":        j.timeStr,
		"medications": j.medications,
		"message":     fmt.Sprintf("Confirm release of %s", strings.Join(j.medications, ", ")),
	})
}
