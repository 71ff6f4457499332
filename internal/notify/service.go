package notify

import (
	"context"
	"log"
	"time"

	"pillpal-hub/internal/email"
	"pillpal-hub/internal/push"
	"pillpal-hub/pkg/models"
)

// Service fans caregiver notifications out over push, falling back to email
// when push is unavailable or the token is dead. Either channel may be nil.
type Service struct {
	push  *push.FirebaseService
	email *email.EmailService
}

func NewService(pushService *push.FirebaseService, emailService *email.EmailService) *Service {
	return &Service{push: pushService, email: emailService}
}

// DoseDispensed confirms a released dose to the caregiver. Informational, so
// no email fallback.
func (s *Service) DoseDispensed(ctx context.Context, profile *models.Profile, frame models.Frame, medications []string) {
	if s.push == nil || profile.CaregiverDeviceToken == "" {
		return
	}
	if err := s.push.SendDoseDispensed(profile.CaregiverDeviceToken, string(frame), medications); err != nil {
		log.Printf("⚠️  Dose-dispensed push failed: %v", err)
	}
}

// DoseSkipped alerts the caregiver that a dose was declined twice. This one
// matters, so email backs up a failed push.
func (s *Service) DoseSkipped(ctx context.Context, profile *models.Profile, frame models.Frame, medications []string) {
	pushed := false
	if s.push != nil && profile.CaregiverDeviceToken != "" {
		if err := s.push.SendDoseSkipped(profile.CaregiverDeviceToken, string(frame), medications); err != nil {
			log.Printf("⚠️  Dose-skipped push failed: %v", err)
			if push.IsInvalidTokenError(err) {
				log.Printf("⚠️  Caregiver device token is no longer valid")
			}
		} else {
			pushed = true
		}
	}

	if !pushed && s.email != nil && profile.CaregiverEmail != "" {
		if err := s.email.SendDoseSkippedAlert(profile.CaregiverEmail, profile.CaregiverName, string(frame), medications); err != nil {
			log.Printf("⚠️  Dose-skipped email failed: %v", err)
		}
	}
}

// DeviceOffline alerts the caregiver that the dispenser stayed unreachable.
func (s *Service) DeviceOffline(ctx context.Context, profile *models.Profile, downFor time.Duration) {
	pushed := false
	if s.push != nil && profile.CaregiverDeviceToken != "" {
		if err := s.push.SendDeviceOffline(profile.CaregiverDeviceToken, downFor); err != nil {
			log.Printf("⚠️  Offline push failed: %v", err)
		} else {
			pushed = true
		}
	}

	if !pushed && s.email != nil && profile.CaregiverEmail != "" {
		if err := s.email.SendDeviceOfflineAlert(profile.CaregiverEmail, profile.CaregiverName, downFor); err != nil {
			log.Printf("⚠️  Offline email failed: %v", err)
		}
	}
}
