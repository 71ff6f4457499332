package push

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

type FirebaseService struct {
	client *messaging.Client
	ctx    context.Context
}

// NewFirebaseService initializes the FCM client used for caregiver alerts.
func NewFirebaseService(credentialsPath string) (*FirebaseService, error) {
	ctx := context.Background()

	opt := option.WithCredentialsFile(credentialsPath)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting Messaging client: %w", err)
	}

	log.Println("✅ Firebase service initialized successfully")

	return &FirebaseService{
		client: client,
		ctx:    ctx,
	}, nil
}

// SendDoseDispensed confirms to the caregiver that a dose left the machine.
func (s *FirebaseService) SendDoseDispensed(deviceToken, frame string, medications []string) error {
	if deviceToken == "" {
		return fmt.Errorf("device token is empty")
	}

	message := &messaging.Message{
		Token: deviceToken,
		Notification: &messaging.Notification{
			Title: "✅ Dose Dispensed",
			Body:  fmt.Sprintf("The %s dose was dispensed: %s", frame, strings.Join(medications, ", ")),
		},
		Data: map[string]string{
			"type":        "dose_dispensed",
			"frame":       frame,
			"medications": strings.Join(medications, ","),
			"timestamp":   fmt.Sprintf("%d", time.Now().Unix()),
		},
		Android: &messaging.AndroidConfig{
			Priority: "normal",
			Notification: &messaging.AndroidNotification{
				Sound:        "default",
				ChannelID:    "pillpal_doses",
				DefaultSound: true,
				Color:        "#00FF00",
			},
		},
	}

	response, err := s.client.Send(s.ctx, message)
	if err != nil {
		return fmt.Errorf("error sending dose push: %w", err)
	}

	log.Printf("✅ Dose confirmation pushed: %s", response)
	return nil
}

// SendDoseSkipped alerts the caregiver that a dose was declined twice and
// skipped.
func (s *FirebaseService) SendDoseSkipped(deviceToken, frame string, medications []string) error {
	if deviceToken == "" {
		return fmt.Errorf("device token is empty")
	}

	message := &messaging.Message{
		Token: deviceToken,
		Notification: &messaging.Notification{
			Title: "⚠️ Dose Skipped",
			Body:  fmt.Sprintf("The %s dose was skipped after being declined: %s", frame, strings.Join(medications, ", ")),
		},
		Data: map[string]string{
			"type":        "dose_skipped",
			"frame":       frame,
			"medications": strings.Join(medications, ","),
			"priority":    "high",
			"timestamp":   fmt.Sprintf("%d", time.Now().Unix()),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound:        "alert",
				Priority:     messaging.PriorityHigh,
				ChannelID:    "pillpal_alerts",
				DefaultSound: true,
				Color:        "#FF0000",
			},
		},
	}

	response, err := s.client.Send(s.ctx, message)
	if err != nil {
		return fmt.Errorf("error sending skip alert: %w", err)
	}

	log.Printf("⚠️ Skip alert pushed: %s", response)
	return nil
}

// SendDeviceOffline alerts the caregiver that the dispenser dropped off the
// network and could not reconnect.
func (s *FirebaseService) SendDeviceOffline(deviceToken string, downFor time.Duration) error {
	if deviceToken == "" {
		return fmt.Errorf("device token is empty")
	}

	message := &messaging.Message{
		Token: deviceToken,
		Notification: &messaging.Notification{
			Title: "⚠️ Dispenser Offline",
			Body:  fmt.Sprintf("The pill dispenser has been unreachable for %s. Scheduled doses will not fire.", downFor.Round(time.Minute)),
		},
		Data: map[string]string{
			"type":      "device_offline",
			"priority":  "high",
			"timestamp": fmt.Sprintf("%d", time.Now().Unix()),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound:        "alert",
				Priority:     messaging.PriorityHigh,
				ChannelID:    "pillpal_alerts",
				DefaultSound: true,
				Color:        "#FF0000",
			},
		},
	}

	response, err := s.client.Send(s.ctx, message)
	if err != nil {
		return fmt.Errorf("error sending offline alert: %w", err)
	}

	log.Printf("📵 Offline alert pushed: %s", response)
	return nil
}

// IsInvalidTokenError reports whether a Firebase error means the token is
// dead and should be dropped from the profile.
func IsInvalidTokenError(err error) bool {
	return messaging.IsRegistrationTokenNotRegistered(err) || messaging.IsSenderIDMismatch(err)
}
