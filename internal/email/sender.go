package email

import (
	"fmt"
	"log"
	"strings"
	"time"
)

// SendDoseSkippedAlert emails the caregiver after a dose was declined twice
// and skipped.
func (s *EmailService) SendDoseSkippedAlert(caregiverEmail, caregiverName, frame string, medications []string) error {
	subject := fmt.Sprintf("⚠️ Dose Skipped - %s", frame)
	htmlBody := DoseSkippedTemplate(caregiverName, frame, strings.Join(medications, ", "))

	if err := s.send(caregiverEmail, subject, htmlBody); err != nil {
		log.Printf("❌ Failed to send skipped-dose email: %v", err)
		return err
	}

	log.Printf("📧 Skipped-dose email sent to: %s", caregiverEmail)
	return nil
}

// SendDeviceOfflineAlert emails the caregiver when the dispenser stays
// unreachable.
func (s *EmailService) SendDeviceOfflineAlert(caregiverEmail, caregiverName string, downFor time.Duration) error {
	subject := "🚨 Dispenser Offline"
	htmlBody := DeviceOfflineTemplate(caregiverName, downFor)

	if err := s.send(caregiverEmail, subject, htmlBody); err != nil {
		log.Printf("❌ Failed to send offline email: %v", err)
		return err
	}

	log.Printf("📧 Offline email sent to: %s", caregiverEmail)
	return nil
}
